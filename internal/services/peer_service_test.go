package services_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/adapters"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/otcheredev/ris-dicom-store/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer accepts instances on /instances and fails the SOP instance UIDs
// listed in reject
type fakePeer struct {
	mu       sync.Mutex
	received []string
	reject   map[string]bool
}

func (p *fakePeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parsed, err := parser.Parse(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sop := parsed.Summary.Value(models.TagSOPInstanceUID)
	if p.reject[sop] {
		http.Error(w, "rejected", http.StatusInternalServerError)
		return
	}
	p.mu.Lock()
	p.received = append(p.received, sop)
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (p *fakePeer) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func newPeerEnv(t *testing.T, peer *fakePeer) (*testutil.Env, *services.PeerService, string) {
	srv := httptest.NewServer(peer)
	t.Cleanup(srv.Close)

	registry, err := adapters.NewRegistry([]models.PeerConfig{{Name: "remote", Type: models.PeerTypeOrthanc, URL: srv.URL}})
	require.NoError(t, err)

	env := testutil.NewEnv(t, index.DefaultOptions(), services.StoreOptions{})
	var study string
	for _, sop := range []string{"1.2.3.4.1", "1.2.3.4.2", "1.2.3.4.3"} {
		res, err := env.StoreTags(t, testutil.Instance("P1", "1.2.3", "1.2.3.4", sop, nil))
		require.NoError(t, err)
		study = res.ParentStudy
	}
	return env, services.NewPeerService(env.Store, registry), study
}

func runJob(t *testing.T, job jobs.Job) jobs.StepResult {
	t.Helper()
	for i := 0; i < 100; i++ {
		if r := job.Step(context.Background(), "test"); r.Code != jobs.StepContinue {
			return r
		}
	}
	t.Fatal("job did not complete")
	return jobs.StepResult{}
}

func TestPeerStoreSendsAndLogsExports(t *testing.T) {
	peer := &fakePeer{}
	env, svc, study := newPeerEnv(t, peer)
	ctx := context.Background()

	job, err := svc.NewStoreJob(ctx, "remote", []string{study}, false)
	require.NoError(t, err)
	r := runJob(t, job)
	require.Equal(t, jobs.StepSuccess, r.Code, "%v", r.Err)

	assert.ElementsMatch(t, []string{"1.2.3.4.1", "1.2.3.4.2", "1.2.3.4.3"}, peer.all())
	result := job.Result()
	assert.Equal(t, 3, result.InstancesCount)
	assert.Equal(t, 0, result.FailedInstances)
	assert.Positive(t, result.TotalUncompressed)
	assert.Equal(t, 1.0, job.Progress())

	page, err := env.Index.GetExports(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Exports, 3)
	for _, e := range page.Exports {
		assert.Equal(t, "remote", e.RemoteModality)
		assert.Equal(t, "P1", e.PatientID)
		assert.Equal(t, "1.2.3", e.StudyInstanceUID)
		assert.Equal(t, "1.2.3.4", e.SeriesInstanceUID)
		assert.Equal(t, models.ResourceInstance, e.ResourceType)
	}
}

func TestPeerStoreFailureModes(t *testing.T) {
	peer := &fakePeer{reject: map[string]bool{"1.2.3.4.2": true}}
	env, svc, study := newPeerEnv(t, peer)
	ctx := context.Background()

	strict, err := svc.NewStoreJob(ctx, "remote", []string{study}, false)
	require.NoError(t, err)
	r := runJob(t, strict)
	assert.Equal(t, jobs.StepFailure, r.Code)
	assert.True(t, errcode.Is(r.Err, errcode.NetworkProtocol))

	permissive, err := svc.NewStoreJob(ctx, "remote", []string{study}, true)
	require.NoError(t, err)
	r = runJob(t, permissive)
	assert.Equal(t, jobs.StepSuccess, r.Code)
	assert.Equal(t, 1, permissive.Result().FailedInstances)

	page, err := env.Index.GetExports(ctx, 0, 100)
	require.NoError(t, err)
	for _, e := range page.Exports {
		assert.NotEqual(t, "1.2.3.4.2", e.SOPInstanceUID)
	}
}

func TestPeerStoreValidation(t *testing.T) {
	_, svc, study := newPeerEnv(t, &fakePeer{})
	ctx := context.Background()

	_, err := svc.NewStoreJob(ctx, "missing", []string{study}, false)
	assert.True(t, errcode.Is(err, errcode.UnknownResource))

	_, err = svc.NewStoreJob(ctx, "remote", nil, false)
	assert.True(t, errcode.Is(err, errcode.BadRequest))

	_, err = svc.NewStoreJob(ctx, "remote", []string{"nope"}, false)
	assert.True(t, errcode.Is(err, errcode.UnknownResource))
	assert.Equal(t, []string{"remote"}, svc.Peers())
}

func TestPeerStoreJobSerialization(t *testing.T) {
	peer := &fakePeer{}
	_, svc, study := newPeerEnv(t, peer)
	ctx := context.Background()

	job, err := svc.NewStoreJob(ctx, "remote", []string{study}, false)
	require.NoError(t, err)
	require.Equal(t, jobs.StepContinue, job.Step(ctx, "test").Code)

	data, err := job.Serialize()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "remote", decoded["Peer"])
	assert.EqualValues(t, 1, decoded["Position"])

	restored, err := svc.Unserializer()(data)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3, restored.Progress(), 1e-9)
	r := runJob(t, restored)
	assert.Equal(t, jobs.StepSuccess, r.Code)
	assert.Len(t, peer.all(), 3)
}
