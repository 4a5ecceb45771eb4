package index

import (
	"context"

	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Backend is the passive, SQL-shaped store behind the index
type Backend interface {
	// Begin opens a transaction; listener receives the events raised by cascades
	Begin(ctx context.Context, listener TransactionListener) (Transaction, error)
	Close() error
}

// TransactionListener is notified by the backend while a transaction runs.
// The index collects these events and replays them after commit.
type TransactionListener interface {
	SignalFileDeleted(info models.FileInfo)
	SignalResourceDeleted(level models.ResourceType, publicID string)
	SignalRemainingAncestor(level models.ResourceType, publicID string)
}

// IdentifierConstraint is a lookup condition the backend answers from the
// normalized identifier tags
type IdentifierConstraint struct {
	Level  models.ResourceType
	Tag    models.DicomTag
	Type   models.ConstraintType
	Values []string // already normalized; Wildcard values use the glob syntax
}

// Transaction exposes the low-level operations of the index database
type Transaction interface {
	Commit() error
	Rollback() error

	// Resources
	CreateResource(publicID string, level models.ResourceType, parentID *int64) (int64, error)
	LookupResource(publicID string) (id int64, level models.ResourceType, found bool, err error)
	GetPublicID(id int64) (string, error)
	GetResourceType(id int64) (models.ResourceType, error)
	GetParent(id int64) (parentID int64, found bool, err error)
	GetChildren(id int64) ([]int64, error)
	GetChildrenPublicIDs(id int64) ([]string, error)
	ListPublicIDs(level models.ResourceType, since, limit int) ([]string, error)
	CountResources(level models.ResourceType) (int64, error)
	// DeleteResource removes id, its descendants and the ancestors left
	// without children, leaves first
	DeleteResource(id int64) error

	// Main DICOM tags and identifiers
	ClearMainDicomTags(id int64) error
	SetMainDicomTag(id int64, tag models.DicomTag, value string) error
	GetMainDicomTags(id int64) (models.DicomMap, error)
	SetIdentifierTag(id int64, tag models.DicomTag, value string) error
	LookupIdentifiers(queryLevel models.ResourceType, constraints []IdentifierConstraint, limit int) ([]int64, error)

	// Attachments
	AddAttachment(id int64, info models.FileInfo, revision int64) error
	GetAttachment(id int64, contentType models.FileContentType) (info models.FileInfo, revision int64, found bool, err error)
	ListAttachments(id int64) ([]models.FileContentType, error)
	DeleteAttachment(id int64, contentType models.FileContentType) error
	TotalCompressedSize() (int64, error)
	TotalUncompressedSize() (int64, error)

	// Metadata
	SetMetadata(id int64, metadata models.MetadataType, value string) error
	GetMetadata(id int64, metadata models.MetadataType) (string, bool, error)
	GetAllMetadata(id int64) (map[models.MetadataType]string, error)
	DeleteMetadata(id int64, metadata models.MetadataType) error

	// Change and export logs
	LogChange(change models.Change) (int64, error)
	GetChanges(since int64, limit int) ([]models.Change, bool, error)
	GetLastChange() ([]models.Change, error)
	ClearChanges() error
	LogExportedResource(resource models.ExportedResource) (int64, error)
	GetExportedResources(since int64, limit int) ([]models.ExportedResource, bool, error)
	GetLastExportedResource() ([]models.ExportedResource, error)
	ClearExportedResources() error

	// Global properties
	GetGlobalProperty(property models.GlobalProperty) (string, bool, error)
	SetGlobalProperty(property models.GlobalProperty, value string) error

	// Recycling; avoid is ignored when zero
	SelectPatientToRecycle(avoid int64) (int64, bool, error)
	TagMostRecentPatient(patientID int64) error
	IsProtectedPatient(patientID int64) (bool, error)
	SetProtectedPatient(patientID int64, protected bool) error
}
