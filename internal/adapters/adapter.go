// Package adapters sends stored instances to remote peers.
package adapters

import (
	"context"

	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Peer defines the interface that all outbound peers must implement
type Peer interface {
	// Store sends one DICOM Part 10 file
	Store(ctx context.Context, dicom []byte) error

	// Connection management
	TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	Close() error

	// Peer info
	Name() string
	Type() models.PeerType
}

// BasePeer provides common functionality for all peers
type BasePeer struct {
	config models.PeerConfig
}

func (b *BasePeer) Name() string {
	return b.config.Name
}

func (b *BasePeer) Type() models.PeerType {
	return b.config.Type
}

func (b *BasePeer) GetConfig() models.PeerConfig {
	return b.config
}
