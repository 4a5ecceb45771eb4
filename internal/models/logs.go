package models

import (
	"time"

	"gorm.io/gorm"
)

// ChangeRow is an entry of the append-only change log
type ChangeRow struct {
	Seq          int64        `gorm:"column:seq;primaryKey;autoIncrement"`
	ChangeType   ChangeType   `gorm:"column:change_type;not null;index"`
	ResourceType ResourceType `gorm:"column:resource_type;not null"`
	PublicID     string       `gorm:"column:public_id;type:varchar(64);not null;index"`
	Date         time.Time    `gorm:"column:date;index"`
}

// TableName overrides the table name
func (ChangeRow) TableName() string {
	return "changes"
}

// BeforeCreate hook
func (c *ChangeRow) BeforeCreate(tx *gorm.DB) error {
	if c.Date.IsZero() {
		c.Date = time.Now().UTC()
	}
	return nil
}

// ToChange converts the row to its value descriptor
func (c ChangeRow) ToChange() Change {
	return Change{
		Seq:          c.Seq,
		ChangeType:   c.ChangeType,
		ResourceType: c.ResourceType,
		PublicID:     c.PublicID,
		Date:         c.Date,
	}
}

// ExportedResourceRow logs an outbound transfer
type ExportedResourceRow struct {
	Seq               int64        `gorm:"column:seq;primaryKey;autoIncrement"`
	ResourceType      ResourceType `gorm:"column:resource_type;not null"`
	PublicID          string       `gorm:"column:public_id;type:varchar(64);not null"`
	RemoteModality    string       `gorm:"column:remote_modality;type:varchar(255);index"`
	PatientID         string       `gorm:"column:patient_id;type:varchar(64)"`
	StudyInstanceUID  string       `gorm:"column:study_instance_uid;type:varchar(64)"`
	SeriesInstanceUID string       `gorm:"column:series_instance_uid;type:varchar(64)"`
	SOPInstanceUID    string       `gorm:"column:sop_instance_uid;type:varchar(64)"`
	Date              time.Time    `gorm:"column:date;index"`
}

// TableName overrides the table name
func (ExportedResourceRow) TableName() string {
	return "exported_resources"
}

// BeforeCreate hook
func (e *ExportedResourceRow) BeforeCreate(tx *gorm.DB) error {
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	return nil
}

// ToExportedResource converts the row to its value descriptor
func (e ExportedResourceRow) ToExportedResource() ExportedResource {
	return ExportedResource{
		Seq:               e.Seq,
		ResourceType:      e.ResourceType,
		PublicID:          e.PublicID,
		RemoteModality:    e.RemoteModality,
		PatientID:         e.PatientID,
		StudyInstanceUID:  e.StudyInstanceUID,
		SeriesInstanceUID: e.SeriesInstanceUID,
		SOPInstanceUID:    e.SOPInstanceUID,
		Date:              e.Date,
	}
}
