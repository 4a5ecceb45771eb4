package index

import (
	"context"
	"errors"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
)

// ResourceRef identifies a resource of the tree
type ResourceRef struct {
	ID       int64               `json:"-"`
	Level    models.ResourceType `json:"Type"`
	PublicID string              `json:"ID"`
}

// CreateResult is the outcome of the bottom-up creation walk
type CreateResult struct {
	WasNew  bool
	Levels  [4]ResourceRef // Patient, Study, Series, Instance
	Created [4]bool
}

// At returns the resource of the walk at level
func (r CreateResult) At(level models.ResourceType) ResourceRef {
	return r.Levels[level-models.ResourcePatient]
}

// IsCreated reports whether the walk created the resource at level
func (r CreateResult) IsCreated(level models.ResourceType) bool {
	return r.Created[level-models.ResourcePatient]
}

// DeleteResult lists what a cascade delete removed
type DeleteResult struct {
	Deleted           []models.Change
	RemainingAncestor *ResourceRef
}

// Tx is the view of the index available inside Apply
type Tx struct {
	ctx      context.Context
	t        Transaction
	index    *Index
	events   *txEvents
	unstable []unstableResource
}

// Context returns the context of the transaction
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Backend exposes the backend transaction for read helpers
func (tx *Tx) Backend() Transaction {
	return tx.t
}

func dbError(err error, what string) error {
	if err == nil {
		return nil
	}
	var coded *errcode.Error
	if errors.As(err, &coded) {
		return err
	}
	return errcode.Wrap(errcode.Database, err, what)
}

// CreateOrLookup walks Patient to Instance, creating the missing resources
func (tx *Tx) CreateOrLookup(h toolbox.InstanceHasher) (CreateResult, error) {
	var res CreateResult
	publicIDs := [4]string{h.HashPatient(), h.HashStudy(), h.HashSeries(), h.HashInstance()}

	var parent *int64
	for idx, publicID := range publicIDs {
		level := models.ResourcePatient + models.ResourceType(idx)

		id, found, err := tx.lookup(publicID, level)
		if err != nil {
			return res, err
		}
		if !found {
			id, err = tx.t.CreateResource(publicID, level, parent)
			if err != nil {
				return res, dbError(err, "cannot create resource")
			}
			res.Created[idx] = true
		}

		res.Levels[idx] = ResourceRef{ID: id, Level: level, PublicID: publicID}
		p := id
		parent = &p
	}

	res.WasNew = res.Created[3]
	return res, nil
}

func (tx *Tx) lookup(publicID string, expected models.ResourceType) (int64, bool, error) {
	id, level, found, err := tx.t.LookupResource(publicID)
	if err != nil {
		return 0, false, dbError(err, "cannot look up resource")
	}
	if found && level != expected {
		return 0, false, errcode.Newf(errcode.Database, "resource %s is a %s, expected a %s", publicID, level, expected)
	}
	return id, found, nil
}

// LookupResource finds a resource by public id
func (tx *Tx) LookupResource(publicID string) (ResourceRef, bool, error) {
	id, level, found, err := tx.t.LookupResource(publicID)
	if err != nil || !found {
		return ResourceRef{}, false, dbError(err, "cannot look up resource")
	}
	return ResourceRef{ID: id, Level: level, PublicID: publicID}, true, nil
}

// Resolve finds a resource of the given level, failing with UnknownResource
func (tx *Tx) Resolve(publicID string, level models.ResourceType) (ResourceRef, error) {
	ref, found, err := tx.LookupResource(publicID)
	if err != nil {
		return ref, err
	}
	if !found || ref.Level != level {
		return ref, errcode.Newf(errcode.UnknownResource, "unknown %s: %s", level, publicID)
	}
	return ref, nil
}

// Ref builds the reference of an internal id
func (tx *Tx) Ref(id int64) (ResourceRef, error) {
	publicID, err := tx.t.GetPublicID(id)
	if err != nil {
		return ResourceRef{}, dbError(err, "cannot read public id")
	}
	level, err := tx.t.GetResourceType(id)
	if err != nil {
		return ResourceRef{}, dbError(err, "cannot read resource type")
	}
	return ResourceRef{ID: id, Level: level, PublicID: publicID}, nil
}

// LookupByIdentifier answers a single-tag query on the normalized identifiers
func (tx *Tx) LookupByIdentifier(level models.ResourceType, tag models.DicomTag, ctype models.ConstraintType, value string) ([]int64, error) {
	if !models.IsIdentifierTag(tag, level) {
		return nil, errcode.Newf(errcode.BadParameterType, "tag %s is not an identifier at the %s level", tag, level)
	}
	constraint := IdentifierConstraint{
		Level:  level,
		Tag:    tag,
		Type:   ctype,
		Values: []string{tx.index.norm.Normalize(value)},
	}
	ids, err := tx.t.LookupIdentifiers(level, []IdentifierConstraint{constraint}, 0)
	return ids, dbError(err, "cannot look up identifiers")
}

// GetChildren lists the internal ids of the children of id
func (tx *Tx) GetChildren(id int64) ([]int64, error) {
	children, err := tx.t.GetChildren(id)
	return children, dbError(err, "cannot list children")
}

// GetParent returns the parent of id, if any
func (tx *Tx) GetParent(id int64) (int64, bool, error) {
	parent, found, err := tx.t.GetParent(id)
	return parent, found, dbError(err, "cannot read parent")
}

// patientOf walks up to the root of id
func (tx *Tx) patientOf(id int64) (int64, error) {
	for {
		parent, found, err := tx.GetParent(id)
		if err != nil {
			return 0, err
		}
		if !found {
			return id, nil
		}
		id = parent
	}
}

// PatientOf returns the patient a resource belongs to
func (tx *Tx) PatientOf(id int64) (ResourceRef, error) {
	patient, err := tx.patientOf(id)
	if err != nil {
		return ResourceRef{}, err
	}
	return tx.Ref(patient)
}

func (tx *Tx) touchPatient(id int64) error {
	patient, err := tx.patientOf(id)
	if err != nil {
		return err
	}
	return dbError(tx.t.TagMostRecentPatient(patient), "cannot update recycling order")
}

// AttachBlob records a new attachment; a resource holds at most one
// attachment per content type. Returns the revision of the attachment.
func (tx *Tx) AttachBlob(id int64, info models.FileInfo) (int64, error) {
	_, _, found, err := tx.t.GetAttachment(id, info.ContentType)
	if err != nil {
		return 0, dbError(err, "cannot read attachment")
	}
	if found {
		return 0, errcode.Newf(errcode.InternalError, "resource already has a %s attachment", info.ContentType)
	}
	if err := tx.t.AddAttachment(id, info, 0); err != nil {
		return 0, dbError(err, "cannot add attachment")
	}
	return 0, tx.touchPatient(id)
}

// ReplaceAttachment swaps the attachment of a content type, bumping its
// revision. The previous blob is removed from storage after commit. When
// expectedRevision is non-negative it must match the current revision.
func (tx *Tx) ReplaceAttachment(id int64, info models.FileInfo, expectedRevision int64) (int64, error) {
	old, revision, found, err := tx.t.GetAttachment(id, info.ContentType)
	if err != nil {
		return 0, dbError(err, "cannot read attachment")
	}
	if !found {
		if expectedRevision > 0 {
			return 0, errcode.Newf(errcode.InexistentItem, "no %s attachment to replace", info.ContentType)
		}
		return tx.AttachBlob(id, info)
	}
	if expectedRevision >= 0 && expectedRevision != revision {
		return 0, errcode.Newf(errcode.BadSequenceOfCalls, "revision mismatch on %s: expected %d, current %d", info.ContentType, expectedRevision, revision)
	}
	if err := tx.t.DeleteAttachment(id, info.ContentType); err != nil {
		return 0, dbError(err, "cannot delete attachment")
	}
	tx.events.SignalFileDeleted(old)
	if err := tx.t.AddAttachment(id, info, revision+1); err != nil {
		return 0, dbError(err, "cannot add attachment")
	}
	return revision + 1, tx.touchPatient(id)
}

// DeleteAttachment removes an attachment; its blob is removed after commit
func (tx *Tx) DeleteAttachment(id int64, contentType models.FileContentType) error {
	info, _, found, err := tx.t.GetAttachment(id, contentType)
	if err != nil {
		return dbError(err, "cannot read attachment")
	}
	if !found {
		return errcode.Newf(errcode.InexistentItem, "no %s attachment", contentType)
	}
	if err := tx.t.DeleteAttachment(id, contentType); err != nil {
		return dbError(err, "cannot delete attachment")
	}
	tx.events.SignalFileDeleted(info)
	return nil
}

// GetAttachment returns an attachment and its revision
func (tx *Tx) GetAttachment(id int64, contentType models.FileContentType) (models.FileInfo, int64, bool, error) {
	info, revision, found, err := tx.t.GetAttachment(id, contentType)
	return info, revision, found, dbError(err, "cannot read attachment")
}

// SetMainDicomTags replaces the main tags of a resource with the tags of
// its level, and records the signature of that tag set
func (tx *Tx) SetMainDicomTags(id int64, level models.ResourceType, tags models.DicomMap) error {
	if err := tx.t.ClearMainDicomTags(id); err != nil {
		return dbError(err, "cannot clear main DICOM tags")
	}
	for tag, value := range tags.ExtractLevel(level) {
		if err := tx.t.SetMainDicomTag(id, tag, value); err != nil {
			return dbError(err, "cannot set main DICOM tag")
		}
	}
	return dbError(tx.t.SetMetadata(id, models.MetadataMainDicomTagsSignature, models.MainDicomTagsSignature(level)),
		"cannot set tags signature")
}

// SetIdentifierTags stores the normalized identifier tags of a resource
func (tx *Tx) SetIdentifierTags(id int64, level models.ResourceType, tags models.DicomMap) error {
	for _, tag := range models.IdentifierTags(level) {
		value, ok := tags.Get(tag)
		if !ok {
			continue
		}
		if err := tx.t.SetIdentifierTag(id, tag, tx.index.norm.Normalize(value)); err != nil {
			return dbError(err, "cannot set identifier tag")
		}
	}
	return nil
}

// SetMetadata writes a metadata entry; LastUpdate also refreshes the
// position of the patient in the recycling order
func (tx *Tx) SetMetadata(id int64, metadata models.MetadataType, value string) error {
	if err := tx.t.SetMetadata(id, metadata, value); err != nil {
		return dbError(err, "cannot set metadata")
	}
	if metadata == models.MetadataLastUpdate {
		return tx.touchPatient(id)
	}
	return nil
}

// GetMetadata reads a metadata entry
func (tx *Tx) GetMetadata(id int64, metadata models.MetadataType) (string, bool, error) {
	value, found, err := tx.t.GetMetadata(id, metadata)
	return value, found, dbError(err, "cannot read metadata")
}

// DeleteMetadata removes a metadata entry
func (tx *Tx) DeleteMetadata(id int64, metadata models.MetadataType) error {
	return dbError(tx.t.DeleteMetadata(id, metadata), "cannot delete metadata")
}

// AddChange appends a change; persisted types get the next sequence number
func (tx *Tx) AddChange(changeType models.ChangeType, ref ResourceRef) (models.Change, error) {
	change := models.NewChange(changeType, ref.Level, ref.PublicID)
	if changeType.Persisted() {
		seq, err := tx.t.LogChange(change)
		if err != nil {
			return change, dbError(err, "cannot log change")
		}
		change.Seq = seq
	}
	tx.events.changes = append(tx.events.changes, change)
	return change, nil
}

// LogExportedResource appends an entry to the export log
func (tx *Tx) LogExportedResource(resource models.ExportedResource) (int64, error) {
	seq, err := tx.t.LogExportedResource(resource)
	return seq, dbError(err, "cannot log exported resource")
}

// DeleteResource removes id with its descendants and the ancestors left
// childless. One Deleted change is emitted per removed resource, leaves first.
func (tx *Tx) DeleteResource(id int64) (DeleteResult, error) {
	before := len(tx.events.changes)
	tx.events.remaining = nil

	if err := tx.t.DeleteResource(id); err != nil {
		return DeleteResult{}, dbError(err, "cannot delete resource")
	}

	deleted := make([]models.Change, len(tx.events.changes)-before)
	copy(deleted, tx.events.changes[before:])
	return DeleteResult{Deleted: deleted, RemainingAncestor: tx.events.remaining}, nil
}

// RecyclePatient selects the least recently used unprotected patient,
// never returning avoid
func (tx *Tx) RecyclePatient(avoid int64) (int64, bool, error) {
	id, found, err := tx.t.SelectPatientToRecycle(avoid)
	return id, found, dbError(err, "cannot select patient to recycle")
}

// SetProtected toggles the recycling protection of a patient
func (tx *Tx) SetProtected(patientID int64, protected bool) error {
	level, err := tx.t.GetResourceType(patientID)
	if err != nil {
		return dbError(err, "cannot read resource type")
	}
	if level != models.ResourcePatient {
		return errcode.Newf(errcode.ParameterOutOfRange, "only patients can be protected, not a %s", level)
	}
	return dbError(tx.t.SetProtectedPatient(patientID, protected), "cannot change protection")
}

// IsProtected reports whether a patient is protected from recycling
func (tx *Tx) IsProtected(patientID int64) (bool, error) {
	protected, err := tx.t.IsProtectedPatient(patientID)
	return protected, dbError(err, "cannot read protection")
}

// MarkUnstable stamps LastUpdate on a resource and re-arms its stability timer
func (tx *Tx) MarkUnstable(ref ResourceRef) error {
	now := tx.index.now()
	if err := tx.SetMetadata(ref.ID, models.MetadataLastUpdate, toolbox.FormatISO(now)); err != nil {
		return err
	}
	tx.unstable = append(tx.unstable, unstableResource{ResourceRef: ref, touched: now})
	return nil
}
