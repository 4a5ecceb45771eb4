package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
)

const registryType = "JobsRegistry"

type registrySnapshot struct {
	Type string                 `json:"Type"`
	Jobs map[string]jobSnapshot `json:"Jobs"`
}

type jobSnapshot struct {
	Type           string          `json:"Type"`
	State          State           `json:"State"`
	Priority       int             `json:"Priority"`
	CreationTime   string          `json:"CreationTime"`
	LastChangeTime string          `json:"LastChangeTime"`
	Runtime        float64         `json:"Runtime"`
	ErrorCode      int             `json:"ErrorCode,omitempty"`
	ErrorDetails   string          `json:"ErrorDetails,omitempty"`
	Job            json.RawMessage `json:"Job"`
}

// Save writes the serializable jobs to the JobsRegistry global property.
// Serialize may run concurrently with Step and must synchronize itself.
func (e *Engine) Save(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	snapshot := registrySnapshot{Type: registryType, Jobs: make(map[string]jobSnapshot)}
	for id, h := range e.jobs {
		s, ok := h.job.(Serializable)
		if !ok {
			continue
		}
		raw, err := s.Serialize()
		if err != nil {
			e.log.Warn().Err(err).Str("job", id).Msg("Cannot serialize job, skipping it")
			continue
		}
		js := jobSnapshot{
			Type:           h.job.Type(),
			State:          h.state,
			Priority:       h.priority,
			CreationTime:   toolbox.FormatISO(h.creation),
			LastChangeTime: toolbox.FormatISO(h.lastChange),
			Runtime:        h.runtime.Seconds(),
			Job:            raw,
		}
		if h.err != nil {
			js.ErrorCode = int(errcode.CodeOf(h.err))
			js.ErrorDetails = h.err.Error()
		}
		snapshot.Jobs[id] = js
	}
	e.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode jobs registry: %w", err)
	}
	if err := e.store.SetGlobalProperty(ctx, models.PropertyJobsRegistry, string(data)); err != nil {
		return fmt.Errorf("failed to save jobs registry: %w", err)
	}
	e.log.Debug().Int("jobs", len(snapshot.Jobs)).Msg("Jobs registry saved")
	return nil
}

// Load restores the registry saved by a previous run. It must be called
// before Start. Interrupted jobs go back to Pending; jobs whose type has no
// unserializer are skipped.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	value, found, err := e.store.GlobalProperty(ctx, models.PropertyJobsRegistry)
	if err != nil {
		return fmt.Errorf("failed to read jobs registry: %w", err)
	}
	if !found || value == "" {
		return nil
	}

	var snapshot registrySnapshot
	if err := json.Unmarshal([]byte(value), &snapshot); err != nil {
		return errcode.Wrap(errcode.BadFileFormat, err, "invalid jobs registry")
	}
	if snapshot.Type != registryType {
		return errcode.Newf(errcode.BadFileFormat, "invalid jobs registry type %q", snapshot.Type)
	}

	ids := make([]string, 0, len(snapshot.Jobs))
	for id := range snapshot.Jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return snapshot.Jobs[ids[i]].CreationTime < snapshot.Jobs[ids[j]].CreationTime
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errcode.New(errcode.BadSequenceOfCalls, "jobs registry must be loaded before the engine starts")
	}

	restored := 0
	for _, id := range ids {
		js := snapshot.Jobs[id]
		unserialize, ok := e.unserializers[js.Type]
		if !ok {
			e.log.Warn().Str("job", id).Str("type", js.Type).Msg("No unserializer for job type, skipping it")
			continue
		}
		job, err := unserialize(js.Job)
		if err != nil {
			e.log.Warn().Err(err).Str("job", id).Msg("Cannot unserialize job from previous execution, skipping it")
			continue
		}
		e.restoreLocked(id, job, js)
		restored++
	}
	e.updateGaugesLocked()
	e.log.Info().Int("jobs", restored).Msg("Jobs registry loaded")
	return nil
}

func (e *Engine) restoreLocked(id string, job Job, js jobSnapshot) {
	creation, err := toolbox.ParseISO(js.CreationTime)
	if err != nil {
		creation = time.Now()
	}
	lastChange, err := toolbox.ParseISO(js.LastChangeTime)
	if err != nil {
		lastChange = creation
	}

	e.nextSeq++
	h := &handler{
		id:         id,
		job:        job,
		priority:   js.Priority,
		seq:        e.nextSeq,
		heapIndex:  -1,
		creation:   creation,
		lastChange: lastChange,
		runtime:    time.Duration(js.Runtime * float64(time.Second)),
		finished:   make(chan struct{}),
	}
	e.jobs[id] = h

	switch js.State {
	case StateSuccess, StateFailure:
		if js.ErrorCode != 0 {
			h.err = errcode.New(errcode.Code(js.ErrorCode), js.ErrorDetails)
		}
		h.state = js.State
		h.completion = lastChange
		close(h.finished)
		e.completed = append(e.completed, h)
		for len(e.completed) > e.opts.HistorySize {
			delete(e.jobs, e.completed[0].id)
			e.completed = e.completed[1:]
		}
	case StatePaused:
		h.state = StatePaused
	default:
		h.state = StatePending
		e.pending.push(h)
	}
}
