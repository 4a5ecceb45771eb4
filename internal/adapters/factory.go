package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Registry manages the configured peers, keyed by name
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewRegistry creates a peer for each configuration
func NewRegistry(configs []models.PeerConfig) (*Registry, error) {
	r := &Registry{peers: make(map[string]Peer)}
	for _, config := range configs {
		if err := r.Add(config); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add creates and registers a peer
func (r *Registry) Add(config models.PeerConfig) error {
	var (
		peer Peer
		err  error
	)
	switch config.Type {
	case models.PeerTypeDICOMWeb:
		peer, err = NewDICOMWebPeer(config)
	case models.PeerTypeOrthanc:
		peer, err = NewOrthancPeer(config)
	default:
		return fmt.Errorf("unsupported peer type: %s", config.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to create peer %s: %w", config.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[config.Name]; exists {
		_ = peer.Close()
		return fmt.Errorf("duplicate peer name: %s", config.Name)
	}
	r.peers[config.Name] = peer
	return nil
}

// Get returns the peer with that name
func (r *Registry) Get(name string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, exists := r.peers[name]
	if !exists {
		return nil, errcode.Newf(errcode.UnknownResource, "unknown peer: %s", name)
	}
	return peer, nil
}

// Names lists the registered peers in alphabetical order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.peers))
	for name := range r.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll closes all peers
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errors []error
	for name, peer := range r.peers {
		if err := peer.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close peer %s: %w", name, err))
		}
		delete(r.peers, name)
	}

	if len(errors) > 0 {
		return fmt.Errorf("encountered %d errors while closing peers", len(errors))
	}
	return nil
}
