package services_test

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/otcheredev/ris-dicom-store/internal/testutil"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTags() models.DicomMap {
	return testutil.Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5", models.DicomMap{
		models.TagPatientName:    "DOE^JOHN",
		models.TagModality:       "CT",
		models.TagInstanceNumber: "1",
	})
}

func TestStoreNewInstance(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{StoreMD5: true})
	ctx := context.Background()

	res, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	assert.Equal(t, models.StoreSuccess, res.Status)
	assert.Equal(t, toolbox.ComputeSHA1("P1|1.2.3|1.2.3.4|1.2.3.4.5"), res.PublicID)
	assert.Equal(t, toolbox.ComputeSHA1("P1"), res.ParentPatient)
	assert.Equal(t, toolbox.ComputeSHA1("P1|1.2.3"), res.ParentStudy)
	assert.Equal(t, toolbox.ComputeSHA1("P1|1.2.3|1.2.3.4"), res.ParentSeries)
	assert.Equal(t, 2, env.BlobCount(t))

	assert.Equal(t, []models.ChangeType{
		models.ChangeNewPatient, models.ChangeNewStudy, models.ChangeNewSeries, models.ChangeNewInstance,
		models.ChangeNewChildInstance, models.ChangeNewChildInstance, models.ChangeNewChildInstance,
	}, env.Changes.Types())
	assert.Len(t, env.Changes.Batches(), 1)

	metadata, err := env.Store.ListMetadata(ctx, models.ResourceInstance, res.PublicID)
	require.NoError(t, err)
	assert.Equal(t, "RestApi", metadata["Origin"])
	assert.Equal(t, "127.0.0.1", metadata["RemoteIP"])
	assert.Equal(t, "1.2.840.10008.1.2.1", metadata["TransferSyntax"])
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.7", metadata["SopClassUid"])
	assert.Equal(t, "1", metadata["IndexInSeries"])
	assert.NotEmpty(t, metadata["ReceptionDate"])
	assert.Equal(t, models.MainDicomTagsSignature(models.ResourceInstance), metadata["MainDicomTagsSignature"])

	doc, err := env.Index.Describe(ctx, models.ResourceStudy, res.ParentStudy)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", doc.MainDicomTags["StudyInstanceUID"])
	assert.Equal(t, []string{res.ParentSeries}, doc.Series)

	names, err := env.Store.ListAttachments(ctx, models.ResourceInstance, res.PublicID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dicom", "dicom-as-json"}, names)
	require.NoError(t, env.Store.VerifyMD5(ctx, models.ResourceInstance, res.PublicID, models.ContentDicom))
}

func TestStoreDuplicate(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{})

	first, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	env.Changes.Reset()

	second, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	assert.Equal(t, models.StoreAlreadyStored, second.Status)
	assert.Equal(t, first.PublicID, second.PublicID)
	assert.Equal(t, first.ParentSeries, second.ParentSeries)
	assert.Equal(t, first.ParentPatient, second.ParentPatient)

	// No orphan blob and no change
	assert.Equal(t, 2, env.BlobCount(t))
	assert.Empty(t, env.Changes.All())

	stats, err := env.Index.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CountInstances)
}

func TestStoreOverwrite(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{OverwriteInstances: true})

	first, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	env.Changes.Reset()

	tags := sampleTags()
	tags[models.TagPatientName] = "DOE^JANE"
	second, err := env.StoreTags(t, tags)
	require.NoError(t, err)
	assert.Equal(t, models.StoreSuccess, second.Status)
	assert.Equal(t, first.PublicID, second.PublicID)
	assert.Equal(t, 2, env.BlobCount(t))

	types := env.Changes.Types()
	assert.Contains(t, types, models.ChangeDeleted)
	assert.Contains(t, types, models.ChangeNewInstance)

	doc, err := env.Index.Describe(context.Background(), models.ResourcePatient, first.ParentPatient)
	require.NoError(t, err)
	assert.Equal(t, "DOE^JANE", doc.MainDicomTags["PatientName"])
}

type filterListener struct {
	mu      sync.Mutex
	reject  string
	stored  []string
	panicky bool
}

func (f *filterListener) FilterIncomingInstance(instance *parser.ParsedInstance, tags map[string]string) bool {
	if f.panicky {
		panic("filter exploded")
	}
	return tags["PatientID"] != f.reject
}

func (f *filterListener) SignalStoredInstance(publicID string, instance *parser.ParsedInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, publicID)
}

func TestStoreListeners(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{})
	listener := &filterListener{reject: "BLOCKED"}
	env.Store.RegisterListener(listener)

	res, err := env.StoreTags(t, testutil.Instance("BLOCKED", "9", "9.9", "9.9.9", nil))
	require.NoError(t, err)
	assert.Equal(t, models.StoreFilteredOut, res.Status)
	assert.Zero(t, env.BlobCount(t))
	assert.Empty(t, env.Changes.All())

	res, err = env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	assert.Equal(t, models.StoreSuccess, res.Status)
	assert.Equal(t, []string{res.PublicID}, listener.stored)

	// A panicking filter rejects instead of crashing the store
	env.Store.RegisterListener(&filterListener{panicky: true})
	res, err = env.StoreTags(t, testutil.Instance("P2", "2", "2.2", "2.2.2", nil))
	require.NoError(t, err)
	assert.Equal(t, models.StoreFilteredOut, res.Status)
}

func TestStoreStorageFull(t *testing.T) {
	opts := index.DefaultOptions()
	opts.MaximumPatientCount = 1
	opts.MaxStorageMode = models.MaxStorageReject
	env := testutil.NewEnv(t, opts, services.StoreOptions{})

	_, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)
	env.Changes.Reset()

	res, err := env.StoreTags(t, testutil.Instance("P2", "2", "2.2", "2.2.2", nil))
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.FullStorage))
	assert.Equal(t, models.StoreStorageFull, res.Status)
	assert.Equal(t, 2, env.BlobCount(t))
	assert.Empty(t, env.Changes.All())
}

func TestStoreRecyclesOldestPatient(t *testing.T) {
	opts := index.DefaultOptions()
	opts.MaximumPatientCount = 2
	env := testutil.NewEnv(t, opts, services.StoreOptions{})

	var patients []string
	for i := 1; i <= 3; i++ {
		n := strconv.Itoa(i)
		res, err := env.StoreTags(t, testutil.Instance("P"+n, n, n+".1", n+".1.1", nil))
		require.NoError(t, err)
		patients = append(patients, res.ParentPatient)
	}

	remaining, err := env.Index.ListResources(context.Background(), models.ResourcePatient, 0, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, patients[1:], remaining)
	assert.Equal(t, 4, env.BlobCount(t))
}

func TestStoreCompletedSeries(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{})

	for i := 1; i <= 2; i++ {
		n := strconv.Itoa(i)
		_, err := env.StoreTags(t, testutil.Instance("P1", "1", "1.1", "1.1."+n, models.DicomMap{
			models.TagInstanceNumber:      n,
			models.TagImagesInAcquisition: "2",
		}))
		require.NoError(t, err)
		if i == 1 {
			assert.NotContains(t, env.Changes.Types(), models.ChangeCompletedSeries)
		}
	}
	assert.Contains(t, env.Changes.Types(), models.ChangeCompletedSeries)

	doc, err := env.Index.Describe(context.Background(), models.ResourceSeries, toolbox.ComputeSHA1("P1|1|1.1"))
	require.NoError(t, err)
	assert.Equal(t, "Complete", doc.Status)
	require.NotNil(t, doc.ExpectedNumberOfInstances)
	assert.Equal(t, 2, *doc.ExpectedNumberOfInstances)
}

func TestParsedCache(t *testing.T) {
	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{Compression: models.CompressionZlibWithSize})
	ctx := context.Background()

	res, err := env.StoreTags(t, sampleTags())
	require.NoError(t, err)

	p, err := env.Store.Parsed(ctx, res.PublicID)
	require.NoError(t, err)
	assert.Equal(t, "DOE^JOHN", p.Summary.Value(models.TagPatientName))

	again, err := env.Store.Parsed(ctx, res.PublicID)
	require.NoError(t, err)
	assert.Same(t, p, again)

	_, err = env.Store.Delete(ctx, models.ResourceInstance, res.PublicID)
	require.NoError(t, err)
	_, err = env.Store.Parsed(ctx, res.PublicID)
	assert.True(t, errcode.Is(err, errcode.UnknownResource))
	assert.Zero(t, env.BlobCount(t))
}
