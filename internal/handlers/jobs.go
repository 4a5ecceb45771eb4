package handlers

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/ris-dicom-store/internal/archive"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/rs/zerolog/log"
)

// JobsHandler exposes the jobs registry
type JobsHandler struct {
	engine *jobs.Engine
}

func NewJobsHandler(engine *jobs.Engine) *JobsHandler {
	return &JobsHandler{engine: engine}
}

type jobSubmitted struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

func submitted(id string) jobSubmitted {
	return jobSubmitted{ID: id, Path: "/jobs/" + id}
}

// ListJobs lists job ids in submission order, or their descriptions with ?expand
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ids := h.engine.List()
	if !queryBool(r, "expand") {
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, ids)
		return
	}
	infos := make([]jobs.Info, 0, len(ids))
	for _, id := range ids {
		info, err := h.engine.Get(id)
		if err != nil {
			// Forgotten from the history since the listing
			continue
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Control applies cancel, pause, resume or resubmit to a job
func (h *JobsHandler) Control(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		err = h.engine.Cancel(id)
	case "pause":
		err = h.engine.Pause(id)
	case "resume":
		err = h.engine.Resume(id)
	case "resubmit":
		err = h.engine.Resubmit(id)
	default:
		err = errcode.Newf(errcode.UnknownResource, "unknown job action: %s", action)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// SetPriority changes the priority of a pending job
func (h *JobsHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	priority, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		writeError(w, r, errcode.New(errcode.BadParameterType, "priority must be an integer"))
		return
	}
	if err := h.engine.SetPriority(chi.URLParam(r, "id"), priority); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// ArchiveOutput downloads the ZIP produced by an archive job
func (h *JobsHandler) ArchiveOutput(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.Output(chi.URLParam(r, "id"), archive.OutputKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := sendFile(w, out); err != nil {
		writeError(w, r, err)
	}
}

// sendFile streams a job output as an attachment
func sendFile(w http.ResponseWriter, out jobs.Output) error {
	f, err := os.Open(out.Path)
	if err != nil {
		return errcode.Wrap(errcode.InexistentFile, err, "job output is gone")
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return errcode.Wrap(errcode.InexistentFile, err, "")
	}

	w.Header().Set("Content-Type", out.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(stat.Size(), 10))
	if out.Filename != "" {
		w.Header().Set("Content-Disposition", "attachment; filename=\""+out.Filename+"\"")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		// Headers are gone, nothing left to report to the client
		log.Warn().Err(err).Str("path", out.Path).Msg("Failed to send job output")
	}
	return nil
}
