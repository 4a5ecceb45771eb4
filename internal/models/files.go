package models

import (
	"time"
)

// FileInfo describes one stored blob
type FileInfo struct {
	UUID             string          `json:"uuid"`
	ContentType      FileContentType `json:"content_type"`
	UncompressedSize int64           `json:"uncompressed_size"`
	UncompressedMD5  string          `json:"uncompressed_md5,omitempty"`
	CompressionType  CompressionType `json:"compression_type"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressedMD5    string          `json:"compressed_md5,omitempty"`
}

// HasMD5 reports whether the blob was written with MD5 tracking
func (f FileInfo) HasMD5() bool {
	return f.UncompressedMD5 != ""
}

// Change is an event of the change log
type Change struct {
	Seq          int64        `json:"seq"`
	ChangeType   ChangeType   `json:"change_type"`
	ResourceType ResourceType `json:"resource_type"`
	PublicID     string       `json:"id"`
	Date         time.Time    `json:"date"`
}

// NewChange builds a change stamped with the current time
func NewChange(changeType ChangeType, level ResourceType, publicID string) Change {
	return Change{
		ChangeType:   changeType,
		ResourceType: level,
		PublicID:     publicID,
		Date:         time.Now().UTC(),
	}
}

// ExportedResource is an entry of the outbound transfer log
type ExportedResource struct {
	Seq               int64        `json:"seq"`
	ResourceType      ResourceType `json:"resource_type"`
	PublicID          string       `json:"id"`
	RemoteModality    string       `json:"remote_modality"`
	PatientID         string       `json:"patient_id,omitempty"`
	StudyInstanceUID  string       `json:"study_instance_uid,omitempty"`
	SeriesInstanceUID string       `json:"series_instance_uid,omitempty"`
	SOPInstanceUID    string       `json:"sop_instance_uid,omitempty"`
	Date              time.Time    `json:"date"`
}

// Statistics summarizes the content of the store
type Statistics struct {
	CountPatients         int64  `json:"CountPatients"`
	CountStudies          int64  `json:"CountStudies"`
	CountSeries           int64  `json:"CountSeries"`
	CountInstances        int64  `json:"CountInstances"`
	TotalDiskSize         int64  `json:"TotalDiskSizeBytes"`
	TotalUncompressedSize int64  `json:"TotalUncompressedSizeBytes"`
	TotalDiskSizeHuman    string `json:"TotalDiskSize"`
}
