package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/otcheredev/ris-dicom-store/internal/database"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Bound on the size of IN lists sent to the database
const inChunkSize = 500

// IndexBackend stores the resource index in a SQL database through gorm
type IndexBackend struct {
	db *gorm.DB
}

// NewIndexBackend creates a backend; a nil db selects the global database
func NewIndexBackend(db *gorm.DB) *IndexBackend {
	if db == nil {
		db = database.DB
	}
	return &IndexBackend{db: db}
}

// Begin opens a transaction
func (b *IndexBackend) Begin(ctx context.Context, listener index.TransactionListener) (index.Transaction, error) {
	tx := b.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &indexTx{db: tx, listener: listener}, nil
}

// Close closes the underlying connection pool
func (b *IndexBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type indexTx struct {
	db       *gorm.DB
	listener index.TransactionListener
}

func (t *indexTx) Commit() error {
	if err := t.db.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *indexTx) Rollback() error {
	if err := t.db.Rollback().Error; err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}

func upsert(db *gorm.DB, value interface{}) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// Resources

func (t *indexTx) CreateResource(publicID string, level models.ResourceType, parentID *int64) (int64, error) {
	row := models.Resource{ResourceType: level, PublicID: publicID, ParentID: parentID}
	if err := t.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to create resource: %w", err)
	}
	if level == models.ResourcePatient {
		if err := t.db.Create(&models.PatientRecyclingRow{PatientID: row.InternalID}).Error; err != nil {
			return 0, fmt.Errorf("failed to register patient for recycling: %w", err)
		}
	}
	return row.InternalID, nil
}

func (t *indexTx) LookupResource(publicID string) (int64, models.ResourceType, bool, error) {
	var row models.Resource
	found, err := database.FindOne(t.db.Where("public_id = ?", publicID), &row)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to look up resource: %w", err)
	}
	if !found {
		return 0, 0, false, nil
	}
	return row.InternalID, row.ResourceType, true, nil
}

func (t *indexTx) getResource(id int64) (*models.Resource, error) {
	var row models.Resource
	found, err := database.FindOne(t.db.Where("internal_id = ?", id), &row)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	if !found {
		return nil, errcode.Newf(errcode.UnknownResource, "no resource with internal id %d", id)
	}
	return &row, nil
}

func (t *indexTx) GetPublicID(id int64) (string, error) {
	row, err := t.getResource(id)
	if err != nil {
		return "", err
	}
	return row.PublicID, nil
}

func (t *indexTx) GetResourceType(id int64) (models.ResourceType, error) {
	row, err := t.getResource(id)
	if err != nil {
		return 0, err
	}
	return row.ResourceType, nil
}

func (t *indexTx) GetParent(id int64) (int64, bool, error) {
	row, err := t.getResource(id)
	if err != nil {
		return 0, false, err
	}
	if row.ParentID == nil {
		return 0, false, nil
	}
	return *row.ParentID, true, nil
}

func (t *indexTx) GetChildren(id int64) ([]int64, error) {
	var ids []int64
	if err := t.db.Model(&models.Resource{}).
		Where("parent_id = ?", id).
		Order("internal_id").
		Pluck("internal_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return ids, nil
}

func (t *indexTx) GetChildrenPublicIDs(id int64) ([]string, error) {
	var ids []string
	if err := t.db.Model(&models.Resource{}).
		Where("parent_id = ?", id).
		Order("internal_id").
		Pluck("public_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return ids, nil
}

func (t *indexTx) ListPublicIDs(level models.ResourceType, since, limit int) ([]string, error) {
	var ids []string
	query := t.db.Model(&models.Resource{}).
		Where("resource_type = ?", level).
		Order("internal_id")
	if since > 0 {
		query = query.Offset(since)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("public_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return ids, nil
}

func (t *indexTx) CountResources(level models.ResourceType) (int64, error) {
	var count int64
	if err := t.db.Model(&models.Resource{}).Where("resource_type = ?", level).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return count, nil
}

// DeleteResource removes the subtree of id leaves first, then walks up and
// removes the ancestors left without children. The nearest surviving
// ancestor is signalled to the listener.
func (t *indexTx) DeleteResource(id int64) error {
	row, err := t.getResource(id)
	if err != nil {
		return err
	}
	if err := t.deleteSubtree(row); err != nil {
		return err
	}

	parentID := row.ParentID
	for parentID != nil {
		parent, err := t.getResource(*parentID)
		if err != nil {
			return err
		}
		var remaining int64
		if err := t.db.Model(&models.Resource{}).Where("parent_id = ?", parent.InternalID).Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count children: %w", err)
		}
		if remaining > 0 {
			t.listener.SignalRemainingAncestor(parent.ResourceType, parent.PublicID)
			return nil
		}
		if err := t.deleteOne(parent); err != nil {
			return err
		}
		parentID = parent.ParentID
	}
	return nil
}

func (t *indexTx) deleteSubtree(row *models.Resource) error {
	var children []models.Resource
	if err := t.db.Where("parent_id = ?", row.InternalID).Order("internal_id").Find(&children).Error; err != nil {
		return fmt.Errorf("failed to list children: %w", err)
	}
	for idx := range children {
		if err := t.deleteSubtree(&children[idx]); err != nil {
			return err
		}
	}
	return t.deleteOne(row)
}

func (t *indexTx) deleteOne(row *models.Resource) error {
	var files []models.AttachedFileRow
	if err := t.db.Where("resource_id = ?", row.InternalID).Find(&files).Error; err != nil {
		return fmt.Errorf("failed to list attachments: %w", err)
	}

	id := row.InternalID
	for _, model := range []interface{}{
		&models.AttachedFileRow{},
		&models.MainDicomTagRow{},
		&models.DicomIdentifierRow{},
		&models.MetadataRow{},
	} {
		if err := t.db.Where("resource_id = ?", id).Delete(model).Error; err != nil {
			return fmt.Errorf("failed to delete resource rows: %w", err)
		}
	}
	if err := t.db.Where("patient_id = ?", id).Delete(&models.PatientRecyclingRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete recycling entry: %w", err)
	}
	if err := t.db.Where("internal_id = ?", id).Delete(&models.Resource{}).Error; err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}

	for _, f := range files {
		t.listener.SignalFileDeleted(f.ToFileInfo())
	}
	t.listener.SignalResourceDeleted(row.ResourceType, row.PublicID)
	return nil
}

// Main DICOM tags and identifiers

func (t *indexTx) ClearMainDicomTags(id int64) error {
	if err := t.db.Where("resource_id = ?", id).Delete(&models.MainDicomTagRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear main DICOM tags: %w", err)
	}
	if err := t.db.Where("resource_id = ?", id).Delete(&models.DicomIdentifierRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear identifier tags: %w", err)
	}
	return nil
}

func (t *indexTx) SetMainDicomTag(id int64, tag models.DicomTag, value string) error {
	row := models.MainDicomTagRow{ResourceID: id, TagGroup: tag.Group, TagElement: tag.Element, Value: value}
	if err := upsert(t.db, &row); err != nil {
		return fmt.Errorf("failed to set main DICOM tag: %w", err)
	}
	return nil
}

func (t *indexTx) GetMainDicomTags(id int64) (models.DicomMap, error) {
	var rows []models.MainDicomTagRow
	if err := t.db.Where("resource_id = ?", id).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get main DICOM tags: %w", err)
	}
	tags := make(models.DicomMap, len(rows))
	for _, r := range rows {
		tags[models.DicomTag{Group: r.TagGroup, Element: r.TagElement}] = r.Value
	}
	return tags, nil
}

func (t *indexTx) SetIdentifierTag(id int64, tag models.DicomTag, value string) error {
	row := models.DicomIdentifierRow{ResourceID: id, TagGroup: tag.Group, TagElement: tag.Element, Value: value}
	if err := upsert(t.db, &row); err != nil {
		return fmt.Errorf("failed to set identifier tag: %w", err)
	}
	return nil
}

// LookupIdentifiers intersects the resources matching each constraint,
// after moving them from the constraint level to queryLevel. Results are
// ordered by internal id and capped to limit when positive.
func (t *indexTx) LookupIdentifiers(queryLevel models.ResourceType, constraints []index.IdentifierConstraint, limit int) ([]int64, error) {
	if len(constraints) == 0 {
		var ids []int64
		query := t.db.Model(&models.Resource{}).Where("resource_type = ?", queryLevel).Order("internal_id")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Pluck("internal_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("failed to list resources: %w", err)
		}
		return ids, nil
	}

	var result map[int64]bool
	for _, c := range constraints {
		ids, err := t.matchIdentifier(c)
		if err != nil {
			return nil, err
		}
		ids, err = t.project(ids, c.Level, queryLevel)
		if err != nil {
			return nil, err
		}

		next := make(map[int64]bool, len(ids))
		for _, id := range ids {
			if result == nil || result[id] {
				next[id] = true
			}
		}
		result = next
		if len(result) == 0 {
			break
		}
	}

	out := make([]int64, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *indexTx) matchIdentifier(c index.IdentifierConstraint) ([]int64, error) {
	query := t.db.Model(&models.DicomIdentifierRow{}).
		Where("tag_group = ? AND tag_element = ?", c.Tag.Group, c.Tag.Element)

	switch c.Type {
	case models.ConstraintEqual:
		query = query.Where("value = ?", c.Values[0])
	case models.ConstraintSmallerOrEqual:
		query = query.Where("value <= ?", c.Values[0])
	case models.ConstraintGreaterOrEqual:
		query = query.Where("value >= ?", c.Values[0])
	case models.ConstraintWildcard:
		query = query.Where("value LIKE ?", index.WildcardToLike(c.Values[0]))
	case models.ConstraintList:
		query = query.Where("value IN ?", c.Values)
	default:
		return nil, errcode.Newf(errcode.ParameterOutOfRange, "unknown constraint type %d", int(c.Type))
	}

	var ids []int64
	if err := query.Distinct().Pluck("resource_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to look up identifiers: %w", err)
	}
	return t.filterLevel(ids, c.Level)
}

func (t *indexTx) filterLevel(ids []int64, level models.ResourceType) ([]int64, error) {
	var out []int64
	for _, chunk := range chunks(ids) {
		var part []int64
		if err := t.db.Model(&models.Resource{}).
			Where("internal_id IN ? AND resource_type = ?", chunk, level).
			Pluck("internal_id", &part).Error; err != nil {
			return nil, fmt.Errorf("failed to filter resources: %w", err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// project moves a set of resources up or down the tree
func (t *indexTx) project(ids []int64, from, to models.ResourceType) ([]int64, error) {
	for from < to && len(ids) > 0 {
		var next []int64
		for _, chunk := range chunks(ids) {
			var part []int64
			if err := t.db.Model(&models.Resource{}).
				Where("parent_id IN ?", chunk).
				Pluck("internal_id", &part).Error; err != nil {
				return nil, fmt.Errorf("failed to descend resources: %w", err)
			}
			next = append(next, part...)
		}
		ids = next
		from++
	}
	for from > to && len(ids) > 0 {
		seen := make(map[int64]bool)
		var next []int64
		for _, chunk := range chunks(ids) {
			var part []int64
			if err := t.db.Model(&models.Resource{}).
				Where("internal_id IN ? AND parent_id IS NOT NULL", chunk).
				Pluck("parent_id", &part).Error; err != nil {
				return nil, fmt.Errorf("failed to ascend resources: %w", err)
			}
			for _, p := range part {
				if !seen[p] {
					seen[p] = true
					next = append(next, p)
				}
			}
		}
		ids = next
		from--
	}
	return ids, nil
}

func chunks(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > inChunkSize {
		out = append(out, ids[:inChunkSize])
		ids = ids[inChunkSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// Attachments

func (t *indexTx) AddAttachment(id int64, info models.FileInfo, revision int64) error {
	row := models.AttachedFileRow{
		ResourceID:       id,
		FileType:         info.ContentType,
		UUID:             info.UUID,
		CompressedSize:   info.CompressedSize,
		UncompressedSize: info.UncompressedSize,
		CompressionType:  info.CompressionType,
		UncompressedMD5:  info.UncompressedMD5,
		CompressedMD5:    info.CompressedMD5,
		Revision:         revision,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add attachment: %w", err)
	}
	return nil
}

func (t *indexTx) GetAttachment(id int64, contentType models.FileContentType) (models.FileInfo, int64, bool, error) {
	var row models.AttachedFileRow
	found, err := database.FindOne(t.db.Where("resource_id = ? AND file_type = ?", id, contentType), &row)
	if err != nil {
		return models.FileInfo{}, 0, false, fmt.Errorf("failed to get attachment: %w", err)
	}
	if !found {
		return models.FileInfo{}, 0, false, nil
	}
	return row.ToFileInfo(), row.Revision, true, nil
}

func (t *indexTx) ListAttachments(id int64) ([]models.FileContentType, error) {
	var types []models.FileContentType
	if err := t.db.Model(&models.AttachedFileRow{}).
		Where("resource_id = ?", id).
		Order("file_type").
		Pluck("file_type", &types).Error; err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return types, nil
}

func (t *indexTx) DeleteAttachment(id int64, contentType models.FileContentType) error {
	if err := t.db.Where("resource_id = ? AND file_type = ?", id, contentType).Delete(&models.AttachedFileRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

func (t *indexTx) sumColumn(column string) (int64, error) {
	var total int64
	if err := t.db.Model(&models.AttachedFileRow{}).
		Select("COALESCE(SUM(" + column + "), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("failed to sum %s: %w", column, err)
	}
	return total, nil
}

func (t *indexTx) TotalCompressedSize() (int64, error) {
	return t.sumColumn("compressed_size")
}

func (t *indexTx) TotalUncompressedSize() (int64, error) {
	return t.sumColumn("uncompressed_size")
}

// Metadata

func (t *indexTx) SetMetadata(id int64, metadata models.MetadataType, value string) error {
	row := models.MetadataRow{ResourceID: id, Type: metadata, Value: value}
	if err := upsert(t.db, &row); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	return nil
}

func (t *indexTx) GetMetadata(id int64, metadata models.MetadataType) (string, bool, error) {
	var row models.MetadataRow
	found, err := database.FindOne(t.db.Where("resource_id = ? AND type = ?", id, metadata), &row)
	if err != nil {
		return "", false, fmt.Errorf("failed to get metadata: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return row.Value, true, nil
}

func (t *indexTx) GetAllMetadata(id int64) (map[models.MetadataType]string, error) {
	var rows []models.MetadataRow
	if err := t.db.Where("resource_id = ?", id).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	out := make(map[models.MetadataType]string, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Value
	}
	return out, nil
}

func (t *indexTx) DeleteMetadata(id int64, metadata models.MetadataType) error {
	if err := t.db.Where("resource_id = ? AND type = ?", id, metadata).Delete(&models.MetadataRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	return nil
}

// Global properties

func (t *indexTx) GetGlobalProperty(property models.GlobalProperty) (string, bool, error) {
	var row models.GlobalPropertyRow
	found, err := database.FindOne(t.db.Where("property = ?", property), &row)
	if err != nil {
		return "", false, fmt.Errorf("failed to get global property: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return row.Value, true, nil
}

func (t *indexTx) SetGlobalProperty(property models.GlobalProperty, value string) error {
	row := models.GlobalPropertyRow{Property: property, Value: value}
	if err := upsert(t.db, &row); err != nil {
		return fmt.Errorf("failed to set global property: %w", err)
	}
	return nil
}

// Recycling. A patient is protected when it has no row in the recycling order.

func (t *indexTx) SelectPatientToRecycle(avoid int64) (int64, bool, error) {
	var row models.PatientRecyclingRow
	query := t.db.Order("seq")
	if avoid != 0 {
		query = query.Where("patient_id <> ?", avoid)
	}
	found, err := database.FindOne(query, &row)
	if err != nil {
		return 0, false, fmt.Errorf("failed to select patient to recycle: %w", err)
	}
	if !found {
		return 0, false, nil
	}
	return row.PatientID, true, nil
}

func (t *indexTx) TagMostRecentPatient(patientID int64) error {
	result := t.db.Where("patient_id = ?", patientID).Delete(&models.PatientRecyclingRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to update recycling order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// protected
		return nil
	}
	if err := t.db.Create(&models.PatientRecyclingRow{PatientID: patientID}).Error; err != nil {
		return fmt.Errorf("failed to update recycling order: %w", err)
	}
	return nil
}

func (t *indexTx) IsProtectedPatient(patientID int64) (bool, error) {
	var count int64
	if err := t.db.Model(&models.PatientRecyclingRow{}).Where("patient_id = ?", patientID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to read protection: %w", err)
	}
	return count == 0, nil
}

func (t *indexTx) SetProtectedPatient(patientID int64, protected bool) error {
	if protected {
		if err := t.db.Where("patient_id = ?", patientID).Delete(&models.PatientRecyclingRow{}).Error; err != nil {
			return fmt.Errorf("failed to protect patient: %w", err)
		}
		return nil
	}
	isProtected, err := t.IsProtectedPatient(patientID)
	if err != nil || !isProtected {
		return err
	}
	if err := t.db.Create(&models.PatientRecyclingRow{PatientID: patientID}).Error; err != nil {
		return fmt.Errorf("failed to unprotect patient: %w", err)
	}
	return nil
}
