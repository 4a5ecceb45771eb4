package index

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	transactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicomstore",
		Subsystem: "index",
		Name:      "transaction_seconds",
		Help:      "Time spent inside index transactions, lock wait included",
		Buckets:   prometheus.DefBuckets,
	})
	recycledPatients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "index",
		Name:      "recycled_patients_total",
		Help:      "Patients deleted to keep the storage under its quota",
	})
)

// Options configures the resource index
type Options struct {
	MaximumStorageSize  int64 // bytes, 0 = unlimited
	MaximumPatientCount int64 // 0 = unlimited
	MaxStorageMode      models.MaxStorageMode

	StableAgePatient time.Duration
	StableAgeStudy   time.Duration
	StableAgeSeries  time.Duration
	SweepPeriod      time.Duration

	StorageAccessOnFind models.FindStorageAccessMode
	LimitFindResults    int
	AccentFolding       bool
}

// DefaultOptions mirrors the defaults of the configuration layer
func DefaultOptions() Options {
	return Options{
		MaxStorageMode:      models.MaxStorageRecycle,
		StableAgePatient:    60 * time.Second,
		StableAgeStudy:      60 * time.Second,
		StableAgeSeries:     60 * time.Second,
		SweepPeriod:         time.Second,
		StorageAccessOnFind: models.FindDiskOnLookupAndAnswer,
	}
}

func (o Options) stableAge(level models.ResourceType) time.Duration {
	switch level {
	case models.ResourcePatient:
		return o.StableAgePatient
	case models.ResourceStudy:
		return o.StableAgeStudy
	case models.ResourceSeries:
		return o.StableAgeSeries
	}
	return 0
}

// ChangePublisher receives the changes of each committed transaction, in order
type ChangePublisher interface {
	Publish(changes []models.Change)
}

// FileStore is the part of the storage accessor the index needs: blobs of
// deleted resources are removed after commit, and lookups may read DicomAsJson
type FileStore interface {
	Read(ctx context.Context, info models.FileInfo) ([]byte, error)
	Remove(ctx context.Context, info models.FileInfo) error
}

// Index is the transactional facade over the backend. Every transaction runs
// under a single process-wide mutex.
type Index struct {
	mu        sync.Mutex
	backend   Backend
	files     FileStore
	publisher ChangePublisher
	opts      Options
	norm      Normalizer
	log       zerolog.Logger

	unstableMu sync.Mutex
	unstable   map[int64]unstableResource

	now func() time.Time
}

// New creates the index; files and publisher may be nil
func New(backend Backend, files FileStore, publisher ChangePublisher, opts Options) *Index {
	return &Index{
		backend:   backend,
		files:     files,
		publisher: publisher,
		opts:      opts,
		norm:      Normalizer{AccentFolding: opts.AccentFolding},
		log:       logger.Component("index"),
		unstable:  make(map[int64]unstableResource),
		now:       time.Now,
	}
}

// Options returns the configuration of the index
func (i *Index) Options() Options {
	return i.opts
}

// Normalizer returns the normalizer applied to identifier tags
func (i *Index) Normalizer() Normalizer {
	return i.norm
}

// SetPublisher replaces the change publisher; used during startup wiring
func (i *Index) SetPublisher(p ChangePublisher) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.publisher = p
}

// Apply runs fn inside one backend transaction. When fn fails the transaction
// is rolled back and the error returned unchanged. After commit the changes
// are published and the blobs of deleted resources are removed from storage.
func (i *Index) Apply(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()
	defer func() { transactionDuration.Observe(time.Since(start).Seconds()) }()

	i.mu.Lock()
	locked := true
	defer func() {
		if locked {
			i.mu.Unlock()
		}
	}()

	events := &txEvents{}
	backendTx, err := i.backend.Begin(ctx, events)
	if err != nil {
		return errcode.Wrap(errcode.Database, err, "cannot begin index transaction")
	}

	committed := false
	defer func() {
		if r := recover(); r != nil {
			if !committed {
				if rbErr := backendTx.Rollback(); rbErr != nil {
					i.log.Error().Err(rbErr).Msg("Index rollback failed")
				}
			}
			panic(r)
		}
	}()

	tx := &Tx{ctx: ctx, t: backendTx, index: i, events: events}
	if err := fn(tx); err != nil {
		if rbErr := backendTx.Rollback(); rbErr != nil {
			i.log.Error().Err(rbErr).Msg("Index rollback failed")
		}
		return err
	}
	if err := backendTx.Commit(); err != nil {
		return errcode.Wrap(errcode.Database, err, "cannot commit index transaction")
	}
	committed = true

	// Publishing under the lock keeps the bus in commit order
	if len(events.changes) > 0 && i.publisher != nil {
		i.publisher.Publish(events.changes)
	}
	i.mu.Unlock()
	locked = false

	i.markUnstable(tx.unstable)
	i.removeFiles(ctx, events.deletedFiles)
	return nil
}

func (i *Index) removeFiles(ctx context.Context, files []models.FileInfo) {
	if i.files == nil {
		return
	}
	for _, info := range files {
		if err := i.files.Remove(ctx, info); err != nil {
			i.log.Error().Err(err).Str("uuid", info.UUID).Msg("Cannot remove attachment of deleted resource")
		}
	}
}

// Close releases the backend
func (i *Index) Close() error {
	return i.backend.Close()
}

// txEvents collects what the backend signals during a transaction
type txEvents struct {
	changes      []models.Change
	deletedFiles []models.FileInfo
	remaining    *ResourceRef
}

func (e *txEvents) SignalFileDeleted(info models.FileInfo) {
	e.deletedFiles = append(e.deletedFiles, info)
}

func (e *txEvents) SignalResourceDeleted(level models.ResourceType, publicID string) {
	e.changes = append(e.changes, models.NewChange(models.ChangeDeleted, level, publicID))
}

func (e *txEvents) SignalRemainingAncestor(level models.ResourceType, publicID string) {
	e.remaining = &ResourceRef{Level: level, PublicID: publicID}
}
