package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/adapters"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/pkg/logger"
	"github.com/rs/zerolog"
)

// JobTypePeerStore identifies transfers to a peer in the jobs registry
const JobTypePeerStore = "PeerStore"

// PeerService handles transfers of stored instances to remote peers
type PeerService struct {
	store *InstanceService
	peers *adapters.Registry
	log   zerolog.Logger
}

// NewPeerService creates a new peer service
func NewPeerService(store *InstanceService, peers *adapters.Registry) *PeerService {
	return &PeerService{
		store: store,
		peers: peers,
		log:   logger.Component("peers"),
	}
}

// Peers lists the configured peers
func (s *PeerService) Peers() []string {
	return s.peers.Names()
}

// TestConnection checks that a peer answers
func (s *PeerService) TestConnection(ctx context.Context, name string) (*models.ConnectionStatus, error) {
	peer, err := s.peers.Get(name)
	if err != nil {
		return nil, err
	}
	return peer.TestConnection(ctx)
}

// NewStoreJob resolves the resources into their instances and returns a job
// sending them to the peer, one instance per step
func (s *PeerService) NewStoreJob(ctx context.Context, peerName string, resources []string, permissive bool) (*PeerStoreJob, error) {
	if _, err := s.peers.Get(peerName); err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return nil, errcode.New(errcode.BadRequest, "no resource to send")
	}

	var instances []string
	err := s.store.index.Apply(ctx, func(tx *index.Tx) error {
		for _, publicID := range resources {
			ref, found, err := tx.LookupResource(publicID)
			if err != nil {
				return err
			}
			if !found {
				return errcode.Newf(errcode.UnknownResource, "unknown resource: %s", publicID)
			}
			if instances, err = collectInstances(tx, ref, instances); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &PeerStoreJob{
		service: s,
		state: peerStoreState{
			Peer:       peerName,
			Instances:  instances,
			Permissive: permissive,
		},
	}, nil
}

func collectInstances(tx *index.Tx, ref index.ResourceRef, out []string) ([]string, error) {
	if ref.Level == models.ResourceInstance {
		return append(out, ref.PublicID), nil
	}
	children, err := tx.GetChildren(ref.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childRef, err := tx.Ref(child)
		if err != nil {
			return nil, err
		}
		if out, err = collectInstances(tx, childRef, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Unserializer rebuilds peer transfers saved in the jobs registry
func (s *PeerService) Unserializer() jobs.Unserializer {
	return func(data json.RawMessage) (jobs.Job, error) {
		job := &PeerStoreJob{service: s}
		if err := json.Unmarshal(data, &job.state); err != nil {
			return nil, fmt.Errorf("failed to decode peer store job: %w", err)
		}
		return job, nil
	}
}

// send transfers one instance and logs it as exported
func (s *PeerService) send(ctx context.Context, peer adapters.Peer, publicID string) (int64, error) {
	info, err := s.store.attachment(ctx, models.ResourceInstance, publicID, models.ContentDicom)
	if err != nil {
		return 0, err
	}
	data, err := s.store.files.Read(ctx, info)
	if err != nil {
		return 0, err
	}
	if err := peer.Store(ctx, data); err != nil {
		return 0, err
	}

	return int64(len(data)), s.store.index.Apply(ctx, func(tx *index.Tx) error {
		ref, err := tx.Resolve(publicID, models.ResourceInstance)
		if err != nil {
			return err
		}
		tags, err := tx.MergedMainTags(ref.ID)
		if err != nil {
			return err
		}
		_, err = tx.LogExportedResource(models.ExportedResource{
			ResourceType:      models.ResourceInstance,
			PublicID:          publicID,
			RemoteModality:    peer.Name(),
			PatientID:         tags.Value(models.TagPatientID),
			StudyInstanceUID:  tags.Value(models.TagStudyInstanceUID),
			SeriesInstanceUID: tags.Value(models.TagSeriesInstanceUID),
			SOPInstanceUID:    tags.Value(models.TagSOPInstanceUID),
			Date:              time.Now().UTC(),
		})
		return err
	})
}

type peerStoreState struct {
	Peer       string   `json:"Peer"`
	Instances  []string `json:"Instances"`
	Position   int      `json:"Position"`
	Permissive bool     `json:"Permissive"`
	Failed     []string `json:"FailedInstances,omitempty"`
	Size       int64    `json:"TotalSize"`
}

// PeerStoreJob sends a fixed list of instances to a peer. Permissive jobs
// record failed instances and carry on; the others fail on the first error.
type PeerStoreJob struct {
	service *PeerService

	mu    sync.Mutex
	state peerStoreState
}

func (j *PeerStoreJob) Type() string { return JobTypePeerStore }

func (j *PeerStoreJob) Step(ctx context.Context, jobID string) jobs.StepResult {
	j.mu.Lock()
	if j.state.Position >= len(j.state.Instances) {
		j.mu.Unlock()
		return jobs.Success()
	}
	peerName := j.state.Peer
	publicID := j.state.Instances[j.state.Position]
	j.mu.Unlock()

	peer, err := j.service.peers.Get(peerName)
	if err != nil {
		return jobs.Failure(err)
	}

	size, err := j.service.send(ctx, peer, publicID)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		if !j.state.Permissive {
			return jobs.Failure(err)
		}
		j.service.log.Warn().Err(err).Str("job", jobID).Str("peer", peerName).Str("instance", publicID).Msg("Cannot send instance")
		j.state.Failed = append(j.state.Failed, publicID)
	} else {
		j.state.Size += size
	}
	j.state.Position++
	if j.state.Position >= len(j.state.Instances) {
		return jobs.Success()
	}
	return jobs.Continue()
}

func (j *PeerStoreJob) Stop(reason jobs.StopReason) {}

func (j *PeerStoreJob) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state.Position = 0
	j.state.Failed = nil
	j.state.Size = 0
	return nil
}

func (j *PeerStoreJob) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.state.Instances) == 0 {
		return 1
	}
	return float64(j.state.Position) / float64(len(j.state.Instances))
}

func (j *PeerStoreJob) Content() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return map[string]interface{}{
		"Peer":                 j.state.Peer,
		"InstancesCount":       len(j.state.Instances),
		"FailedInstancesCount": len(j.state.Failed),
		"Description":          "Transfer to peer " + j.state.Peer,
	}
}

// Result summarizes the transfer
func (j *PeerStoreJob) Result() models.PeerStoreResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return models.PeerStoreResult{
		Peer:              j.state.Peer,
		InstancesCount:    len(j.state.Instances),
		FailedInstances:   len(j.state.Failed),
		TotalUncompressed: j.state.Size,
	}
}

func (j *PeerStoreJob) Serialize() (json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return json.Marshal(j.state)
}
