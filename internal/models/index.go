package models

import (
	"time"
)

// SchemaVersion is the version of the index schema written by this build
const SchemaVersion = 6

// Resource is a node of the Patient/Study/Series/Instance tree
type Resource struct {
	InternalID   int64        `gorm:"column:internal_id;primaryKey;autoIncrement" json:"-"`
	ResourceType ResourceType `gorm:"column:resource_type;not null;index" json:"type"`
	PublicID     string       `gorm:"column:public_id;type:varchar(64);not null;uniqueIndex" json:"id"`
	ParentID     *int64       `gorm:"column:parent_id;index" json:"-"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the table name
func (Resource) TableName() string {
	return "resources"
}

// MainDicomTagRow stores one main DICOM tag of a resource
type MainDicomTagRow struct {
	ResourceID int64  `gorm:"column:resource_id;primaryKey;autoIncrement:false"`
	TagGroup   uint16 `gorm:"column:tag_group;primaryKey;autoIncrement:false"`
	TagElement uint16 `gorm:"column:tag_element;primaryKey;autoIncrement:false"`
	Value      string `gorm:"column:value;type:text"`
}

// TableName overrides the table name
func (MainDicomTagRow) TableName() string {
	return "main_dicom_tags"
}

// DicomIdentifierRow stores one normalized identifier tag of a resource
type DicomIdentifierRow struct {
	ResourceID int64  `gorm:"column:resource_id;primaryKey;autoIncrement:false"`
	TagGroup   uint16 `gorm:"column:tag_group;primaryKey;autoIncrement:false;index:idx_identifier_value,priority:1"`
	TagElement uint16 `gorm:"column:tag_element;primaryKey;autoIncrement:false;index:idx_identifier_value,priority:2"`
	Value      string `gorm:"column:value;type:varchar(256);index:idx_identifier_value,priority:3"`
}

// TableName overrides the table name
func (DicomIdentifierRow) TableName() string {
	return "dicom_identifiers"
}

// MetadataRow stores one metadata entry of a resource
type MetadataRow struct {
	ResourceID int64        `gorm:"column:resource_id;primaryKey;autoIncrement:false"`
	Type       MetadataType `gorm:"column:type;primaryKey;autoIncrement:false"`
	Value      string       `gorm:"column:value;type:text"`
}

// TableName overrides the table name
func (MetadataRow) TableName() string {
	return "metadata"
}

// AttachedFileRow references a blob of the storage area
type AttachedFileRow struct {
	ResourceID       int64           `gorm:"column:resource_id;primaryKey;autoIncrement:false"`
	FileType         FileContentType `gorm:"column:file_type;primaryKey;autoIncrement:false"`
	UUID             string          `gorm:"column:uuid;type:varchar(36);not null;uniqueIndex"`
	CompressedSize   int64           `gorm:"column:compressed_size"`
	UncompressedSize int64           `gorm:"column:uncompressed_size"`
	CompressionType  CompressionType `gorm:"column:compression_type"`
	UncompressedMD5  string          `gorm:"column:uncompressed_md5;type:varchar(40)"`
	CompressedMD5    string          `gorm:"column:compressed_md5;type:varchar(40)"`
	Revision         int64           `gorm:"column:revision"`
}

// TableName overrides the table name
func (AttachedFileRow) TableName() string {
	return "attached_files"
}

// ToFileInfo converts the row to its value descriptor
func (r AttachedFileRow) ToFileInfo() FileInfo {
	return FileInfo{
		UUID:             r.UUID,
		ContentType:      r.FileType,
		UncompressedSize: r.UncompressedSize,
		UncompressedMD5:  r.UncompressedMD5,
		CompressionType:  r.CompressionType,
		CompressedSize:   r.CompressedSize,
		CompressedMD5:    r.CompressedMD5,
	}
}

// GlobalPropertyRow stores a singleton property
type GlobalPropertyRow struct {
	Property GlobalProperty `gorm:"column:property;primaryKey;autoIncrement:false"`
	Value    string         `gorm:"column:value;type:text"`
}

// TableName overrides the table name
func (GlobalPropertyRow) TableName() string {
	return "global_properties"
}

// PatientRecyclingRow orders the unprotected patients from least to most recently used
type PatientRecyclingRow struct {
	Seq       int64 `gorm:"column:seq;primaryKey;autoIncrement"`
	PatientID int64 `gorm:"column:patient_id;not null;uniqueIndex"`
}

// TableName overrides the table name
func (PatientRecyclingRow) TableName() string {
	return "patient_recycling_order"
}
