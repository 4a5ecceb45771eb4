package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/accessor"
	"github.com/otcheredev/ris-dicom-store/internal/cache"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var storeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dicomstore",
	Subsystem: "store",
	Name:      "instances_total",
	Help:      "Ingested instances by outcome",
}, []string{"status"})

// DefaultParseCacheBytes bounds the parsed-DICOM cache
const DefaultParseCacheBytes = 128 << 20

// Listener observes ingestion. FilterIncomingInstance may veto an instance
// before anything is written; SignalStoredInstance runs after commit.
type Listener interface {
	FilterIncomingInstance(instance *parser.ParsedInstance, simplifiedTags map[string]string) bool
	SignalStoredInstance(publicID string, instance *parser.ParsedInstance)
}

// StoreOptions configures ingestion
type StoreOptions struct {
	Compression        models.CompressionType
	StoreMD5           bool
	OverwriteInstances bool
	ParseCacheBytes    int64
}

// StoreResult is the outcome of Store
type StoreResult struct {
	PublicID      string             `json:"ID"`
	Status        models.StoreStatus `json:"Status"`
	Path          string             `json:"Path"`
	ParentPatient string             `json:"ParentPatient,omitempty"`
	ParentStudy   string             `json:"ParentStudy,omitempty"`
	ParentSeries  string             `json:"ParentSeries,omitempty"`
}

// InstanceService orchestrates the storage area and the index
type InstanceService struct {
	index  *index.Index
	files  *accessor.Accessor
	opts   StoreOptions
	parsed *cache.LRU[*parser.ParsedInstance]

	listenersMu sync.RWMutex
	listeners   []Listener

	log zerolog.Logger
}

// NewInstanceService creates the store orchestrator
func NewInstanceService(idx *index.Index, files *accessor.Accessor, opts StoreOptions) *InstanceService {
	if opts.Compression == 0 {
		opts.Compression = models.CompressionNone
	}
	if opts.ParseCacheBytes <= 0 {
		opts.ParseCacheBytes = DefaultParseCacheBytes
	}
	return &InstanceService{
		index: idx,
		files: files,
		opts:  opts,
		parsed: cache.NewLRU("parsed_dicom", opts.ParseCacheBytes, func(p *parser.ParsedInstance) int64 {
			return int64(len(p.Buffer))
		}),
		log: logger.Component("store"),
	}
}

// Index returns the resource index
func (s *InstanceService) Index() *index.Index {
	return s.index
}

// Files returns the storage accessor
func (s *InstanceService) Files() *accessor.Accessor {
	return s.files
}

// RegisterListener adds an ingestion listener
func (s *InstanceService) RegisterListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *InstanceService) filter(instance *parser.ParsedInstance) bool {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	if len(s.listeners) == 0 {
		return true
	}
	simplified := instance.Summary.Simplify()
	for _, l := range s.listeners {
		if !s.callFilter(l, instance, simplified) {
			return false
		}
	}
	return true
}

func (s *InstanceService) callFilter(l Listener, instance *parser.ParsedInstance, simplified map[string]string) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Instance filter panicked, rejecting instance")
			accepted = false
		}
	}()
	return l.FilterIncomingInstance(instance, simplified)
}

func (s *InstanceService) signalStored(publicID string, instance *parser.ParsedInstance) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	for _, l := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("instance", publicID).Msg("Stored-instance listener panicked")
				}
			}()
			l.SignalStoredInstance(publicID, instance)
		}()
	}
}

// Store ingests a parsed instance. Blobs are written before the index
// transaction and removed again when the transaction does not keep them.
// The returned error is set for the Failure and StorageFull outcomes.
func (s *InstanceService) Store(ctx context.Context, instance *parser.ParsedInstance) (StoreResult, error) {
	publicID := instance.PublicID()
	result := StoreResult{PublicID: publicID, Path: "/instances/" + publicID}

	if !s.filter(instance) {
		s.log.Info().Str("instance", publicID).Msg("Instance filtered out")
		result.Status = models.StoreFilteredOut
		storeOutcomes.WithLabelValues(result.Status.String()).Inc()
		return result, nil
	}

	s.parsed.Invalidate(publicID)

	jsonData, err := instance.JSONBytes()
	if err != nil {
		return s.fail(result, err)
	}
	dicomInfo, err := s.files.Write(ctx, instance.Buffer, models.ContentDicom, s.opts.Compression, s.opts.StoreMD5)
	if err != nil {
		return s.fail(result, err)
	}
	jsonInfo, err := s.files.Write(ctx, jsonData, models.ContentDicomAsJSON, s.opts.Compression, s.opts.StoreMD5)
	if err != nil {
		s.removeBlobs(ctx, dicomInfo)
		return s.fail(result, err)
	}

	var created index.CreateResult
	alreadyStored := false
	err = s.index.Apply(ctx, func(tx *index.Tx) error {
		existing, found, err := tx.LookupResource(publicID)
		if err != nil {
			return err
		}
		if found {
			if !s.opts.OverwriteInstances {
				alreadyStored = true
				return nil
			}
			s.log.Info().Str("instance", publicID).Msg("Overwriting instance")
			if _, err := tx.DeleteResource(existing.ID); err != nil {
				return err
			}
		}

		if err := tx.EnsureCapacity(dicomInfo.CompressedSize+jsonInfo.CompressedSize, instance.Hasher.HashPatient()); err != nil {
			return err
		}
		created, err = tx.CreateOrLookup(instance.Hasher)
		if err != nil {
			return err
		}
		return s.record(tx, instance, created, dicomInfo, jsonInfo)
	})

	if err != nil {
		s.removeBlobs(ctx, dicomInfo, jsonInfo)
		return s.fail(result, err)
	}

	if alreadyStored {
		s.removeBlobs(ctx, dicomInfo, jsonInfo)
		result.Status = models.StoreAlreadyStored
		if err := s.fillParents(ctx, &result); err != nil {
			s.log.Warn().Err(err).Str("instance", publicID).Msg("Cannot resolve parents of stored instance")
		}
		storeOutcomes.WithLabelValues(result.Status.String()).Inc()
		s.log.Debug().Str("instance", publicID).Msg("Instance already stored")
		return result, nil
	}

	result.Status = models.StoreSuccess
	result.ParentPatient = created.At(models.ResourcePatient).PublicID
	result.ParentStudy = created.At(models.ResourceStudy).PublicID
	result.ParentSeries = created.At(models.ResourceSeries).PublicID
	storeOutcomes.WithLabelValues(result.Status.String()).Inc()

	s.log.Info().
		Str("instance", publicID).
		Str("sop_instance_uid", instance.Hasher.SOPInstanceUID).
		Int64("size", dicomInfo.UncompressedSize).
		Msg("Instance stored")

	s.signalStored(publicID, instance)
	return result, nil
}

func (s *InstanceService) fail(result StoreResult, err error) (StoreResult, error) {
	result.Status = models.StoreFailure
	if errcode.Is(err, errcode.FullStorage) {
		result.Status = models.StoreStorageFull
	}
	storeOutcomes.WithLabelValues(result.Status.String()).Inc()
	s.log.Error().Err(err).Str("instance", result.PublicID).Str("status", result.Status.String()).Msg("Cannot store instance")
	return result, err
}

func (s *InstanceService) removeBlobs(ctx context.Context, infos ...models.FileInfo) {
	for _, info := range infos {
		if err := s.files.Remove(ctx, info); err != nil {
			s.log.Error().Err(err).Str("uuid", info.UUID).Msg("Cannot remove orphan attachment")
		}
	}
}

func (s *InstanceService) fillParents(ctx context.Context, result *StoreResult) error {
	return s.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(result.PublicID, models.ResourceInstance)
		if err != nil {
			return err
		}
		targets := []*string{&result.ParentSeries, &result.ParentStudy, &result.ParentPatient}
		current := ref.ID
		for _, target := range targets {
			parent, found, err := tx.GetParent(current)
			if err != nil || !found {
				return err
			}
			parentRef, err := tx.Ref(parent)
			if err != nil {
				return err
			}
			*target = parentRef.PublicID
			current = parent
		}
		return nil
	})
}

var newResourceChange = map[models.ResourceType]models.ChangeType{
	models.ResourcePatient: models.ChangeNewPatient,
	models.ResourceStudy:   models.ChangeNewStudy,
	models.ResourceSeries:  models.ChangeNewSeries,
}

// record writes everything the index keeps about a new instance
func (s *InstanceService) record(tx *index.Tx, instance *parser.ParsedInstance, created index.CreateResult, dicomInfo, jsonInfo models.FileInfo) error {
	instanceRef := created.At(models.ResourceInstance)
	seriesRef := created.At(models.ResourceSeries)

	if _, err := tx.AttachBlob(instanceRef.ID, dicomInfo); err != nil {
		return err
	}
	if _, err := tx.AttachBlob(instanceRef.ID, jsonInfo); err != nil {
		return err
	}

	for level := models.ResourcePatient; level <= models.ResourceInstance; level++ {
		if !created.IsCreated(level) {
			continue
		}
		ref := created.At(level)
		if err := tx.SetMainDicomTags(ref.ID, level, instance.Summary); err != nil {
			return err
		}
		if err := tx.SetIdentifierTags(ref.ID, level, instance.Summary); err != nil {
			return err
		}
	}

	if err := s.writeInstanceMetadata(tx, instanceRef.ID, instance); err != nil {
		return err
	}
	if created.IsCreated(models.ResourceSeries) {
		if expected, ok := instance.ExpectedNumberOfInstances(); ok {
			if err := tx.SetMetadata(seriesRef.ID, models.MetadataExpectedNumberOfInstances, strconv.Itoa(expected)); err != nil {
				return err
			}
		}
		if aet := instance.Origin.RemoteAETOrDefault(); aet != "" {
			if err := tx.SetMetadata(seriesRef.ID, models.MetadataRemoteAET, aet); err != nil {
				return err
			}
		}
	}

	for level := models.ResourcePatient; level <= models.ResourceSeries; level++ {
		if created.IsCreated(level) {
			if _, err := tx.AddChange(newResourceChange[level], created.At(level)); err != nil {
				return err
			}
		}
	}
	if _, err := tx.AddChange(models.ChangeNewInstance, instanceRef); err != nil {
		return err
	}
	for level := models.ResourceSeries; level >= models.ResourcePatient; level-- {
		ref := created.At(level)
		if err := tx.MarkUnstable(ref); err != nil {
			return err
		}
		if _, err := tx.AddChange(models.ChangeNewChildInstance, ref); err != nil {
			return err
		}
	}

	_, status, err := tx.SeriesStatus(seriesRef.ID)
	if err != nil {
		return err
	}
	if status == "Complete" {
		if _, err := tx.AddChange(models.ChangeCompletedSeries, seriesRef); err != nil {
			return err
		}
	}
	return nil
}

func (s *InstanceService) writeInstanceMetadata(tx *index.Tx, id int64, instance *parser.ParsedInstance) error {
	origin := instance.Origin
	metadata := map[models.MetadataType]string{
		models.MetadataReceptionDate: toolbox.FormatISO(time.Now()),
		models.MetadataOrigin:        origin.RequestOrigin.String(),
	}
	optional := map[models.MetadataType]string{
		models.MetadataRemoteAET:      origin.RemoteAETOrDefault(),
		models.MetadataCalledAET:      origin.CalledAET,
		models.MetadataRemoteIP:       origin.RemoteIP,
		models.MetadataHTTPUsername:   origin.HTTPUsername,
		models.MetadataTransferSyntax: instance.TransferSyntax,
		models.MetadataSopClassUID:    instance.SOPClassUID,
	}
	for k, v := range optional {
		if v != "" {
			metadata[k] = v
		}
	}
	if n, ok := instance.IndexInSeries(); ok {
		metadata[models.MetadataIndexInSeries] = strconv.Itoa(n)
	}
	if instance.PixelDataOffset >= 0 {
		metadata[models.MetadataPixelDataOffset] = strconv.FormatInt(instance.PixelDataOffset, 10)
	}
	for k, v := range instance.Metadata {
		metadata[k] = v
	}

	for k, v := range metadata {
		if err := tx.SetMetadata(id, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Parsed returns the parsed DICOM file of an instance through the cache
func (s *InstanceService) Parsed(ctx context.Context, publicID string) (*parser.ParsedInstance, error) {
	if p, ok := s.parsed.Get(publicID); ok {
		return p, nil
	}

	info, err := s.attachment(ctx, models.ResourceInstance, publicID, models.ContentDicom)
	if err != nil {
		return nil, err
	}
	data, err := s.files.Read(ctx, info)
	if err != nil {
		return nil, err
	}
	p, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored instance %s: %w", publicID, err)
	}
	s.parsed.Add(publicID, p)
	return p, nil
}
