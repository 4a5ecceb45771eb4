package index

import (
	"context"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/models"
)

type unstableResource struct {
	ResourceRef
	touched time.Time
}

func stableChange(level models.ResourceType) (models.ChangeType, bool) {
	switch level {
	case models.ResourcePatient:
		return models.ChangeStablePatient, true
	case models.ResourceStudy:
		return models.ChangeStableStudy, true
	case models.ResourceSeries:
		return models.ChangeStableSeries, true
	}
	return 0, false
}

func (i *Index) markUnstable(resources []unstableResource) {
	if len(resources) == 0 {
		return
	}
	i.unstableMu.Lock()
	defer i.unstableMu.Unlock()
	for _, r := range resources {
		i.unstable[r.ID] = r
	}
}

// IsUnstable reports whether a resource still waits for its stability timer
func (i *Index) IsUnstable(id int64) bool {
	i.unstableMu.Lock()
	defer i.unstableMu.Unlock()
	_, ok := i.unstable[id]
	return ok
}

// UnstableCount returns the number of armed stability timers
func (i *Index) UnstableCount() int {
	i.unstableMu.Lock()
	defer i.unstableMu.Unlock()
	return len(i.unstable)
}

// RunStabilitySweeper emits the Stable* changes until ctx is done
func (i *Index) RunStabilitySweeper(ctx context.Context) {
	period := i.opts.SweepPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	i.log.Info().Dur("period", period).Msg("Stability sweeper started")
	for {
		select {
		case <-ctx.Done():
			i.log.Info().Msg("Stability sweeper stopped")
			return
		case <-ticker.C:
			if err := i.SweepStable(ctx); err != nil {
				i.log.Error().Err(err).Msg("Stability sweep failed")
			}
		}
	}
}

// SweepStable emits a Stable* change for every resource whose quiet period
// has elapsed. Resources deleted meanwhile are dropped silently.
func (i *Index) SweepStable(ctx context.Context) error {
	now := i.now()

	var due []unstableResource
	i.unstableMu.Lock()
	for id, r := range i.unstable {
		if now.Sub(r.touched) >= i.opts.stableAge(r.Level) {
			due = append(due, r)
			delete(i.unstable, id)
		}
	}
	i.unstableMu.Unlock()

	if len(due) == 0 {
		return nil
	}

	return i.Apply(ctx, func(tx *Tx) error {
		for _, r := range due {
			if i.IsUnstable(r.ID) {
				// re-armed by a newer instance
				continue
			}
			current, found, err := tx.LookupResource(r.PublicID)
			if err != nil {
				return err
			}
			if !found || current.ID != r.ID {
				continue
			}
			changeType, ok := stableChange(r.Level)
			if !ok {
				continue
			}
			if _, err := tx.AddChange(changeType, current); err != nil {
				return err
			}
		}
		return nil
	})
}
