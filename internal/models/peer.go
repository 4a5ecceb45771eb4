package models

import (
	"time"
)

// PeerType represents the protocol spoken by a remote peer
type PeerType string

const (
	PeerTypeDICOMWeb PeerType = "dicomweb"
	PeerTypeOrthanc  PeerType = "orthanc"
)

// PeerConfig describes a remote store instances can be sent to
type PeerConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Type     PeerType      `yaml:"type" json:"type"`
	URL      string        `yaml:"url" json:"url"`
	Username string        `yaml:"username" json:"username,omitempty"`
	Password string        `yaml:"password" json:"-"`
	APIKey   string        `yaml:"api_key" json:"-"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// ConnectionStatus represents the status of a peer connection
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// PeerStoreRequest lists the resources sent to a peer
type PeerStoreRequest struct {
	Resources   []string `json:"Resources"`
	Synchronous bool     `json:"Synchronous"`
	Permissive  bool     `json:"Permissive"`
	Priority    int      `json:"Priority"`
}

// PeerStoreResult summarizes a transfer to a peer
type PeerStoreResult struct {
	Peer              string `json:"Peer"`
	InstancesCount    int    `json:"InstancesCount"`
	FailedInstances   int    `json:"FailedInstancesCount"`
	TotalUncompressed int64  `json:"TotalSize"`
}
