package index_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/testutil"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFiles stands in for the storage accessor
type fakeFiles struct {
	mu      sync.Mutex
	data    map[string][]byte
	removed []string
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{data: make(map[string][]byte)}
}

func (f *fakeFiles) put(info models.FileInfo, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[info.UUID] = data
}

func (f *fakeFiles) Read(ctx context.Context, info models.FileInfo) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[info.UUID]
	if !ok {
		return nil, errcode.New(errcode.InexistentFile, info.UUID)
	}
	return data, nil
}

func (f *fakeFiles) Remove(ctx context.Context, info models.FileInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, info.UUID)
	f.removed = append(f.removed, info.UUID)
	return nil
}

func (f *fakeFiles) removedUUIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fixture struct {
	idx     *index.Index
	files   *fakeFiles
	changes *testutil.ChangeRecorder
}

func newFixture(t *testing.T, opts index.Options) *fixture {
	files := newFakeFiles()
	changes := &testutil.ChangeRecorder{}
	idx := index.New(testutil.NewBackend(t), files, changes, opts)
	return &fixture{idx: idx, files: files, changes: changes}
}

type instance struct {
	patient, study, series, sop string
	tags                        models.DicomMap
	size                        int64
}

func (i instance) hasher() toolbox.InstanceHasher {
	return toolbox.NewInstanceHasher(i.patient, i.study, i.series, i.sop)
}

func (i instance) allTags() models.DicomMap {
	tags := models.DicomMap{
		models.TagPatientID:         i.patient,
		models.TagStudyInstanceUID:  i.study,
		models.TagSeriesInstanceUID: i.series,
		models.TagSOPInstanceUID:    i.sop,
	}
	for k, v := range i.tags {
		tags[k] = v
	}
	return tags
}

// store mimics the index part of the ingestion pipeline
func (f *fixture) store(t *testing.T, inst instance) (index.CreateResult, error) {
	t.Helper()
	size := inst.size
	if size == 0 {
		size = 100
	}
	tags := inst.allTags()

	dicomInfo := models.FileInfo{
		UUID: toolbox.GenerateUUID(), ContentType: models.ContentDicom,
		UncompressedSize: size, CompressedSize: size, CompressionType: models.CompressionNone,
	}
	doc := models.DicomJSON{}
	for tag, value := range tags {
		doc[tag.String()] = models.StringElement(tag, value)
	}
	jsonData, err := json.Marshal(doc)
	require.NoError(t, err)
	jsonInfo := models.FileInfo{
		UUID: toolbox.GenerateUUID(), ContentType: models.ContentDicomAsJSON,
		UncompressedSize: int64(len(jsonData)), CompressedSize: int64(len(jsonData)), CompressionType: models.CompressionNone,
	}
	f.files.put(dicomInfo, []byte("dicom"))
	f.files.put(jsonInfo, jsonData)

	var res index.CreateResult
	err = f.idx.Apply(context.Background(), func(tx *index.Tx) error {
		if _, found, err := tx.LookupResource(inst.hasher().HashInstance()); err != nil || found {
			return err
		}
		if err := tx.EnsureCapacity(dicomInfo.CompressedSize+jsonInfo.CompressedSize, inst.hasher().HashPatient()); err != nil {
			return err
		}
		var err error
		res, err = tx.CreateOrLookup(inst.hasher())
		if err != nil {
			return err
		}
		instanceRef := res.At(models.ResourceInstance)
		if _, err := tx.AttachBlob(instanceRef.ID, dicomInfo); err != nil {
			return err
		}
		if _, err := tx.AttachBlob(instanceRef.ID, jsonInfo); err != nil {
			return err
		}
		for level := models.ResourcePatient; level <= models.ResourceInstance; level++ {
			if !res.IsCreated(level) {
				continue
			}
			ref := res.At(level)
			if err := tx.SetMainDicomTags(ref.ID, level, tags); err != nil {
				return err
			}
			if err := tx.SetIdentifierTags(ref.ID, level, tags); err != nil {
				return err
			}
			if level != models.ResourceInstance {
				if _, err := tx.AddChange(newChange[level], ref); err != nil {
					return err
				}
			}
		}
		if _, err := tx.AddChange(models.ChangeNewInstance, instanceRef); err != nil {
			return err
		}
		for level := models.ResourceSeries; level >= models.ResourcePatient; level-- {
			if err := tx.MarkUnstable(res.At(level)); err != nil {
				return err
			}
			if _, err := tx.AddChange(models.ChangeNewChildInstance, res.At(level)); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

var newChange = map[models.ResourceType]models.ChangeType{
	models.ResourcePatient: models.ChangeNewPatient,
	models.ResourceStudy:   models.ChangeNewStudy,
	models.ResourceSeries:  models.ChangeNewSeries,
}

func sample(patient, study, series, sop string) instance {
	return instance{patient: patient, study: study, series: series, sop: sop}
}

func TestCreateOrLookupWalk(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()
	h := toolbox.NewInstanceHasher("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	var first index.CreateResult
	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		var err error
		first, err = tx.CreateOrLookup(h)
		return err
	}))
	assert.True(t, first.WasNew)
	assert.Equal(t, [4]bool{true, true, true, true}, first.Created)
	assert.Equal(t, h.HashInstance(), first.At(models.ResourceInstance).PublicID)

	// Same series, new instance: only the instance is created
	h2 := toolbox.NewInstanceHasher("P1", "1.2.3", "1.2.3.4", "1.2.3.4.6")
	var second index.CreateResult
	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		var err error
		second, err = tx.CreateOrLookup(h2)
		return err
	}))
	assert.Equal(t, [4]bool{false, false, false, true}, second.Created)
	assert.Equal(t, first.At(models.ResourceSeries).ID, second.At(models.ResourceSeries).ID)

	// Existing instance: nothing created
	var third index.CreateResult
	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		var err error
		third, err = tx.CreateOrLookup(h)
		return err
	}))
	assert.False(t, third.WasNew)
	assert.Equal(t, first.Levels, third.Levels)

	stats, err := f.idx.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountPatients)
	assert.Equal(t, int64(1), stats.CountStudies)
	assert.Equal(t, int64(1), stats.CountSeries)
	assert.Equal(t, int64(2), stats.CountInstances)
}

func TestAttachBlobUniquePerType(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	res, err := f.store(t, sample("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)

	err = f.idx.Apply(context.Background(), func(tx *index.Tx) error {
		_, err := tx.AttachBlob(res.At(models.ResourceInstance).ID, models.FileInfo{
			UUID: toolbox.GenerateUUID(), ContentType: models.ContentDicom, CompressionType: models.CompressionNone,
		})
		return err
	})
	assert.True(t, errcode.Is(err, errcode.InternalError), "%v", err)
}

func TestFailedTransactionRollsBack(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := f.idx.Apply(ctx, func(tx *index.Tx) error {
		if _, err := tx.CreateOrLookup(toolbox.NewInstanceHasher("P1", "1", "2", "3")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ids, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.changes.All())
}

func TestPanickingTransactionRollsBack(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_ = f.idx.Apply(ctx, func(tx *index.Tx) error {
			if _, err := tx.CreateOrLookup(toolbox.NewInstanceHasher("P1", "1", "2", "3")); err != nil {
				return err
			}
			panic("boom")
		})
	})

	// The single sqlite connection is released: a new transaction proceeds
	done := make(chan error, 1)
	go func() {
		_, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("index transaction still held after a panic")
	}

	ids, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.changes.All())
}

func TestStoreChangeOrder(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	_, err := f.store(t, sample("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)

	batches := f.changes.Batches()
	require.Len(t, batches, 1)
	var types []models.ChangeType
	for _, c := range batches[0] {
		types = append(types, c.ChangeType)
	}
	assert.Equal(t, []models.ChangeType{
		models.ChangeNewPatient, models.ChangeNewStudy, models.ChangeNewSeries, models.ChangeNewInstance,
		models.ChangeNewChildInstance, models.ChangeNewChildInstance, models.ChangeNewChildInstance,
	}, types)
	assert.Equal(t, toolbox.ComputeSHA1("P1|1.2.3|1.2.3.4|1.2.3.4.5"), batches[0][3].PublicID)

	// NewChildInstance is not persisted
	assert.Zero(t, batches[0][4].Seq)
}

func TestChangesAreMonotonic(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.store(t, sample(fmt.Sprintf("P%d", i), "1.2", "1.2.3", fmt.Sprintf("1.2.3.%d", i)))
		require.NoError(t, err)
	}

	page, err := f.idx.GetChanges(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, page.Done)
	require.Len(t, page.Changes, 20)
	for i := 1; i < len(page.Changes); i++ {
		assert.Greater(t, page.Changes[i].Seq, page.Changes[i-1].Seq)
	}
	assert.Equal(t, page.Changes[len(page.Changes)-1].Seq, page.Last)

	page, err = f.idx.GetChanges(ctx, 0, 3)
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Len(t, page.Changes, 3)

	next, err := f.idx.GetChanges(ctx, page.Last, 100)
	require.NoError(t, err)
	assert.True(t, next.Done)
	assert.Len(t, next.Changes, 17)

	last, err := f.idx.GetLastChange(ctx)
	require.NoError(t, err)
	require.Len(t, last.Changes, 1)
	assert.Equal(t, models.ChangeNewInstance, last.Changes[0].ChangeType)

	require.NoError(t, f.idx.ClearChanges(ctx))
	page, err = f.idx.GetChanges(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Changes)
}

func TestCascadeDelete(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()

	first, err := f.store(t, sample("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)
	second, err := f.store(t, sample("P1", "1.2.3", "1.2.3.4", "1.2.3.4.6"))
	require.NoError(t, err)
	f.changes.Reset()

	// The series keeps another instance
	res, err := f.idx.Delete(ctx, models.ResourceInstance, first.At(models.ResourceInstance).PublicID)
	require.NoError(t, err)
	require.Len(t, res.Deleted, 1)
	require.NotNil(t, res.RemainingAncestor)
	assert.Equal(t, models.ResourceSeries, res.RemainingAncestor.Level)
	assert.Equal(t, first.At(models.ResourceSeries).PublicID, res.RemainingAncestor.PublicID)
	assert.Len(t, f.files.removedUUIDs(), 2)

	// Last instance: the whole branch goes, leaves first
	res, err = f.idx.Delete(ctx, models.ResourceInstance, second.At(models.ResourceInstance).PublicID)
	require.NoError(t, err)
	assert.Nil(t, res.RemainingAncestor)
	require.Len(t, res.Deleted, 4)
	levels := []models.ResourceType{}
	for _, c := range res.Deleted {
		assert.Equal(t, models.ChangeDeleted, c.ChangeType)
		levels = append(levels, c.ResourceType)
	}
	assert.Equal(t, []models.ResourceType{
		models.ResourceInstance, models.ResourceSeries, models.ResourceStudy, models.ResourcePatient,
	}, levels)
	assert.Len(t, f.files.removedUUIDs(), 4)

	for level := models.ResourcePatient; level <= models.ResourceInstance; level++ {
		ids, err := f.idx.ListResources(ctx, level, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, ids, level.String())
	}

	stats, err := f.idx.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDiskSize)
}

func TestDeletePatientRemovesSubtree(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()

	res, err := f.store(t, sample("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.NoError(t, err)
	_, err = f.store(t, sample("P1", "1.2.3", "1.2.3.7", "1.2.3.7.1"))
	require.NoError(t, err)
	_, err = f.store(t, sample("P2", "9.9", "9.9.9", "9.9.9.9"))
	require.NoError(t, err)

	del, err := f.idx.Delete(ctx, models.ResourcePatient, res.At(models.ResourcePatient).PublicID)
	require.NoError(t, err)
	assert.Len(t, del.Deleted, 6)
	assert.Equal(t, models.ResourcePatient, del.Deleted[len(del.Deleted)-1].ResourceType)
	assert.Nil(t, del.RemainingAncestor)

	patients, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{toolbox.ComputeSHA1("P2")}, patients)

	_, err = f.idx.Delete(ctx, models.ResourcePatient, res.At(models.ResourcePatient).PublicID)
	assert.True(t, errcode.Is(err, errcode.UnknownResource))
}

func TestRecyclingKeepsQuota(t *testing.T) {
	numbered := func(n int) instance {
		return instance{
			patient: fmt.Sprintf("P%d", n), study: "0", series: "0.0", sop: "0.0.0", size: 1000,
			tags: models.DicomMap{models.TagPatientName: fmt.Sprintf("N%d", n)},
		}
	}

	// Size the quota to two instances, JSON attachment included
	opts := index.DefaultOptions()
	other := newFixture(t, opts)
	_, err := other.store(t, numbered(0))
	require.NoError(t, err)
	stats, err := other.idx.Statistics(context.Background())
	require.NoError(t, err)
	perInstance := stats.TotalDiskSize

	opts.MaximumStorageSize = 2 * perInstance
	f := newFixture(t, opts)
	ctx := context.Background()

	var patients []string
	for n := 1; n <= 3; n++ {
		res, err := f.store(t, numbered(n))
		require.NoError(t, err)
		patients = append(patients, res.At(models.ResourcePatient).PublicID)

		stats, err := f.idx.Statistics(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, stats.TotalDiskSize, opts.MaximumStorageSize)
	}

	remaining, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, patients[1:], remaining)

	var deleted []string
	for _, c := range f.changes.All() {
		if c.ChangeType == models.ChangeDeleted && c.ResourceType == models.ResourcePatient {
			deleted = append(deleted, c.PublicID)
		}
	}
	assert.Equal(t, []string{patients[0]}, deleted)
}

func TestProtectedPatientsAreNotRecycled(t *testing.T) {
	opts := index.DefaultOptions()
	opts.MaximumPatientCount = 2
	f := newFixture(t, opts)
	ctx := context.Background()

	p1, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)
	p2, err := f.store(t, sample("P2", "2", "2.1", "2.1.1"))
	require.NoError(t, err)

	p1ID := p1.At(models.ResourcePatient).PublicID
	require.NoError(t, f.idx.SetProtected(ctx, p1ID, true))
	protected, err := f.idx.IsProtected(ctx, p1ID)
	require.NoError(t, err)
	assert.True(t, protected)

	// P1 is the oldest but protected: P2 goes
	_, err = f.store(t, sample("P3", "3", "3.1", "3.1.1"))
	require.NoError(t, err)
	remaining, err := f.idx.ListResources(ctx, models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.Contains(t, remaining, p1ID)
	assert.NotContains(t, remaining, p2.At(models.ResourcePatient).PublicID)

	// Only the patient being stored is left as a candidate: storage is full
	_, err = f.store(t, sample("P4", "4", "4.1", "4.1.1"))
	require.NoError(t, err)
	require.NoError(t, f.idx.SetProtected(ctx, toolbox.ComputeSHA1("P4"), true))
	_, err = f.store(t, sample("P5", "5", "5.1", "5.1.1"))
	assert.True(t, errcode.Is(err, errcode.FullStorage), "%v", err)

	// Adding to an existing patient does not need recycling
	_, err = f.store(t, sample("P4", "4", "4.1", "4.1.2"))
	require.NoError(t, err)

	require.NoError(t, f.idx.SetProtected(ctx, p1ID, false))
	protected, err = f.idx.IsProtected(ctx, p1ID)
	require.NoError(t, err)
	assert.False(t, protected)
}

func TestRejectMode(t *testing.T) {
	opts := index.DefaultOptions()
	opts.MaximumPatientCount = 1
	opts.MaxStorageMode = models.MaxStorageReject
	f := newFixture(t, opts)

	_, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)
	_, err = f.store(t, sample("P2", "2", "2.1", "2.1.1"))
	assert.True(t, errcode.Is(err, errcode.FullStorage))

	patients, err := f.idx.ListResources(context.Background(), models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.Len(t, patients, 1)
}

func TestInstanceLargerThanQuota(t *testing.T) {
	opts := index.DefaultOptions()
	opts.MaximumStorageSize = 10
	f := newFixture(t, opts)
	_, err := f.store(t, instance{patient: "P1", study: "1", series: "1.1", sop: "1.1.1", size: 50})
	assert.True(t, errcode.Is(err, errcode.FullStorage))
}

func TestSetProtectedOnStudyFails(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	res, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)

	err = f.idx.Apply(context.Background(), func(tx *index.Tx) error {
		return tx.SetProtected(res.At(models.ResourceStudy).ID, true)
	})
	assert.True(t, errcode.Is(err, errcode.ParameterOutOfRange))
}

func TestLookupByIdentifier(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	for _, p := range []string{"abc", "ABD", "xyz"} {
		_, err := f.store(t, sample(p, p+".1", p+".1.1", p+".1.1.1"))
		require.NoError(t, err)
	}

	count := func(ctype models.ConstraintType, value string) int {
		var ids []int64
		require.NoError(t, f.idx.Apply(context.Background(), func(tx *index.Tx) error {
			var err error
			ids, err = tx.LookupByIdentifier(models.ResourcePatient, models.TagPatientID, ctype, value)
			return err
		}))
		return len(ids)
	}

	assert.Equal(t, 1, count(models.ConstraintEqual, "ABC"))
	assert.Equal(t, 1, count(models.ConstraintEqual, " abc "))
	assert.Equal(t, 2, count(models.ConstraintWildcard, "ab*"))
	assert.Equal(t, 2, count(models.ConstraintWildcard, "AB?"))
	assert.Equal(t, 2, count(models.ConstraintSmallerOrEqual, "ABZ"))
	assert.Equal(t, 1, count(models.ConstraintGreaterOrEqual, "B"))
	// SQL wildcards in values are neutralized
	assert.Equal(t, 0, count(models.ConstraintEqual, "A%"))

	err := f.idx.Apply(context.Background(), func(tx *index.Tx) error {
		_, err := tx.LookupByIdentifier(models.ResourcePatient, models.TagPatientName, models.ConstraintEqual, "x")
		return err
	})
	assert.True(t, errcode.Is(err, errcode.BadParameterType))
}

func TestStabilitySweep(t *testing.T) {
	opts := index.DefaultOptions()
	opts.StableAgePatient = 0
	opts.StableAgeStudy = 0
	opts.StableAgeSeries = time.Hour
	f := newFixture(t, opts)
	ctx := context.Background()

	res, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.idx.UnstableCount())

	doc, err := f.idx.Describe(ctx, models.ResourceSeries, res.At(models.ResourceSeries).PublicID)
	require.NoError(t, err)
	assert.False(t, doc.IsStable)
	assert.NotEmpty(t, doc.LastUpdate)

	f.changes.Reset()
	require.NoError(t, f.idx.SweepStable(ctx))
	assert.ElementsMatch(t, []models.ChangeType{models.ChangeStablePatient, models.ChangeStableStudy}, f.changes.Types())
	assert.Equal(t, 1, f.idx.UnstableCount())

	// A second sweep has nothing left to emit for them
	f.changes.Reset()
	require.NoError(t, f.idx.SweepStable(ctx))
	assert.Empty(t, f.changes.All())

	doc, err = f.idx.Describe(ctx, models.ResourcePatient, res.At(models.ResourcePatient).PublicID)
	require.NoError(t, err)
	assert.True(t, doc.IsStable)
	require.NotNil(t, doc.IsProtected)
	assert.False(t, *doc.IsProtected)
	assert.Equal(t, []string{res.At(models.ResourceStudy).PublicID}, doc.Studies)
}

func TestStabilitySweepSkipsDeleted(t *testing.T) {
	opts := index.DefaultOptions()
	opts.StableAgePatient = 0
	opts.StableAgeStudy = 0
	opts.StableAgeSeries = 0
	f := newFixture(t, opts)
	ctx := context.Background()

	res, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)
	_, err = f.idx.Delete(ctx, models.ResourcePatient, res.At(models.ResourcePatient).PublicID)
	require.NoError(t, err)

	f.changes.Reset()
	require.NoError(t, f.idx.SweepStable(ctx))
	assert.Empty(t, f.changes.All())
}

func TestCheckSignatures(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()
	res, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)

	stale, err := f.idx.CheckSignatures(ctx, models.ResourceSeries)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		return tx.SetMetadata(res.At(models.ResourceSeries).ID, models.MetadataMainDicomTagsSignature, "0008,0060")
	}))
	stale, err = f.idx.CheckSignatures(ctx, models.ResourceSeries)
	require.NoError(t, err)
	assert.Equal(t, []string{res.At(models.ResourceSeries).PublicID}, stale)
}

func TestReplaceAttachment(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()
	res, err := f.store(t, sample("P1", "1", "1.1", "1.1.1"))
	require.NoError(t, err)
	id := res.At(models.ResourceInstance).ID

	user := models.FileContentType(2000)
	first := models.FileInfo{UUID: toolbox.GenerateUUID(), ContentType: user, CompressionType: models.CompressionNone}
	second := models.FileInfo{UUID: toolbox.GenerateUUID(), ContentType: user, CompressionType: models.CompressionNone}

	var revision int64
	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		var err error
		revision, err = tx.ReplaceAttachment(id, first, -1)
		return err
	}))
	assert.Zero(t, revision)

	err = f.idx.Apply(ctx, func(tx *index.Tx) error {
		_, err := tx.ReplaceAttachment(id, second, 5)
		return err
	})
	assert.True(t, errcode.Is(err, errcode.BadSequenceOfCalls))

	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		var err error
		revision, err = tx.ReplaceAttachment(id, second, 0)
		return err
	}))
	assert.Equal(t, int64(1), revision)
	assert.Contains(t, f.files.removedUUIDs(), first.UUID)

	require.NoError(t, f.idx.Apply(ctx, func(tx *index.Tx) error {
		return tx.DeleteAttachment(id, user)
	}))
	assert.Contains(t, f.files.removedUUIDs(), second.UUID)
}

func TestGlobalProperties(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	ctx := context.Background()

	_, found, err := f.idx.GlobalProperty(ctx, models.PropertyJobsRegistry)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, f.idx.SetGlobalProperty(ctx, models.PropertyJobsRegistry, `{"Jobs":[]}`))
	require.NoError(t, f.idx.SetGlobalProperty(ctx, models.PropertyJobsRegistry, `{"Jobs":[1]}`))
	value, found, err := f.idx.GlobalProperty(ctx, models.PropertyJobsRegistry)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"Jobs":[1]}`, value)

	version, found, err := f.idx.GlobalProperty(ctx, models.PropertyDatabaseSchemaVersion)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, fmt.Sprint(models.SchemaVersion), version)

	assert.Error(t, f.idx.SetGlobalProperty(ctx, models.PropertyDatabaseSchemaVersion, "1"))
}
