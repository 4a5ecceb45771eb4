package repository

import (
	"fmt"

	"github.com/otcheredev/ris-dicom-store/internal/database"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Change log

func (t *indexTx) LogChange(change models.Change) (int64, error) {
	row := models.ChangeRow{
		ChangeType:   change.ChangeType,
		ResourceType: change.ResourceType,
		PublicID:     change.PublicID,
		Date:         change.Date,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to log change: %w", err)
	}
	return row.Seq, nil
}

// GetChanges returns the changes after since; done is false when more remain
func (t *indexTx) GetChanges(since int64, limit int) ([]models.Change, bool, error) {
	var rows []models.ChangeRow
	query := t.db.Where("seq > ?", since).Order("seq")
	if limit > 0 {
		query = query.Limit(limit + 1)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("failed to get changes: %w", err)
	}

	done := true
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		done = false
	}
	changes := make([]models.Change, len(rows))
	for i, r := range rows {
		changes[i] = r.ToChange()
	}
	return changes, done, nil
}

func (t *indexTx) GetLastChange() ([]models.Change, error) {
	var row models.ChangeRow
	found, err := database.FindOne(t.db.Order("seq DESC"), &row)
	if err != nil {
		return nil, fmt.Errorf("failed to get last change: %w", err)
	}
	if !found {
		return nil, nil
	}
	return []models.Change{row.ToChange()}, nil
}

func (t *indexTx) ClearChanges() error {
	if err := t.db.Where("1 = 1").Delete(&models.ChangeRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear changes: %w", err)
	}
	return nil
}

// Export log

func (t *indexTx) LogExportedResource(resource models.ExportedResource) (int64, error) {
	row := models.ExportedResourceRow{
		ResourceType:      resource.ResourceType,
		PublicID:          resource.PublicID,
		RemoteModality:    resource.RemoteModality,
		PatientID:         resource.PatientID,
		StudyInstanceUID:  resource.StudyInstanceUID,
		SeriesInstanceUID: resource.SeriesInstanceUID,
		SOPInstanceUID:    resource.SOPInstanceUID,
		Date:              resource.Date,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to log exported resource: %w", err)
	}
	return row.Seq, nil
}

func (t *indexTx) GetExportedResources(since int64, limit int) ([]models.ExportedResource, bool, error) {
	var rows []models.ExportedResourceRow
	query := t.db.Where("seq > ?", since).Order("seq")
	if limit > 0 {
		query = query.Limit(limit + 1)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("failed to get exported resources: %w", err)
	}

	done := true
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
		done = false
	}
	out := make([]models.ExportedResource, len(rows))
	for i, r := range rows {
		out[i] = r.ToExportedResource()
	}
	return out, done, nil
}

func (t *indexTx) GetLastExportedResource() ([]models.ExportedResource, error) {
	var row models.ExportedResourceRow
	found, err := database.FindOne(t.db.Order("seq DESC"), &row)
	if err != nil {
		return nil, fmt.Errorf("failed to get last exported resource: %w", err)
	}
	if !found {
		return nil, nil
	}
	return []models.ExportedResource{row.ToExportedResource()}, nil
}

func (t *indexTx) ClearExportedResources() error {
	if err := t.db.Where("1 = 1").Delete(&models.ExportedResourceRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear exported resources: %w", err)
	}
	return nil
}
