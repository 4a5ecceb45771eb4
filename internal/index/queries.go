package index

import (
	"context"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// ResourceDocument is the JSON description of a resource
type ResourceDocument struct {
	ID            string              `json:"ID"`
	Type          models.ResourceType `json:"Type"`
	MainDicomTags map[string]string   `json:"MainDicomTags"`
	IsStable      bool                `json:"IsStable"`
	LastUpdate    string              `json:"LastUpdate,omitempty"`

	ParentPatient string   `json:"ParentPatient,omitempty"`
	ParentStudy   string   `json:"ParentStudy,omitempty"`
	ParentSeries  string   `json:"ParentSeries,omitempty"`
	Studies       []string `json:"Studies,omitempty"`
	Series        []string `json:"Series,omitempty"`
	Instances     []string `json:"Instances,omitempty"`

	IsProtected               *bool  `json:"IsProtected,omitempty"`
	ExpectedNumberOfInstances *int   `json:"ExpectedNumberOfInstances,omitempty"`
	Status                    string `json:"Status,omitempty"`
	FileSize                  int64  `json:"FileSize,omitempty"`
	FileUUID                  string `json:"FileUuid,omitempty"`
	IndexInSeries             *int   `json:"IndexInSeries,omitempty"`
}

// Describe builds the document of a resource
func (i *Index) Describe(ctx context.Context, level models.ResourceType, publicID string) (*ResourceDocument, error) {
	var doc *ResourceDocument
	err := i.Apply(ctx, func(tx *Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		doc, err = tx.describe(ref)
		return err
	})
	return doc, err
}

func (tx *Tx) describe(ref ResourceRef) (*ResourceDocument, error) {
	tags, err := tx.t.GetMainDicomTags(ref.ID)
	if err != nil {
		return nil, dbError(err, "cannot read main DICOM tags")
	}
	doc := &ResourceDocument{
		ID:            ref.PublicID,
		Type:          ref.Level,
		MainDicomTags: tags.Simplify(),
		IsStable:      ref.Level == models.ResourceInstance || !tx.index.IsUnstable(ref.ID),
	}
	if lastUpdate, ok, err := tx.GetMetadata(ref.ID, models.MetadataLastUpdate); err != nil {
		return nil, err
	} else if ok {
		doc.LastUpdate = lastUpdate
	}

	if parent, found, err := tx.GetParent(ref.ID); err != nil {
		return nil, err
	} else if found {
		parentID, err := tx.t.GetPublicID(parent)
		if err != nil {
			return nil, dbError(err, "cannot read public id")
		}
		switch ref.Level {
		case models.ResourceStudy:
			doc.ParentPatient = parentID
		case models.ResourceSeries:
			doc.ParentStudy = parentID
		case models.ResourceInstance:
			doc.ParentSeries = parentID
		}
	}

	children, err := tx.t.GetChildrenPublicIDs(ref.ID)
	if err != nil {
		return nil, dbError(err, "cannot list children")
	}
	sort.Strings(children)
	switch ref.Level {
	case models.ResourcePatient:
		doc.Studies = children
		protected, err := tx.IsProtected(ref.ID)
		if err != nil {
			return nil, err
		}
		doc.IsProtected = &protected
	case models.ResourceStudy:
		doc.Series = children
	case models.ResourceSeries:
		doc.Instances = children
		expected, status, err := tx.SeriesStatus(ref.ID)
		if err != nil {
			return nil, err
		}
		doc.Status = status
		if expected > 0 {
			doc.ExpectedNumberOfInstances = &expected
		}
	case models.ResourceInstance:
		info, _, found, err := tx.GetAttachment(ref.ID, models.ContentDicom)
		if err != nil {
			return nil, err
		}
		if found {
			doc.FileSize = info.UncompressedSize
			doc.FileUUID = info.UUID
		}
		if v, ok, err := tx.GetMetadata(ref.ID, models.MetadataIndexInSeries); err != nil {
			return nil, err
		} else if ok {
			if n, err := strconv.Atoi(v); err == nil {
				doc.IndexInSeries = &n
			}
		}
	}
	return doc, nil
}

// SeriesStatus compares the instances of a series with the expected count.
// Status is Unknown without expectation, Complete when every index in
// [1..expected] is present once, Missing when some are absent and
// Inconsistent on duplicates or out-of-range indexes.
func (tx *Tx) SeriesStatus(seriesID int64) (int, string, error) {
	value, found, err := tx.GetMetadata(seriesID, models.MetadataExpectedNumberOfInstances)
	if err != nil {
		return 0, "", err
	}
	expected, convErr := strconv.Atoi(value)
	if !found || convErr != nil || expected <= 0 {
		return 0, "Unknown", nil
	}

	instances, err := tx.GetChildren(seriesID)
	if err != nil {
		return 0, "", err
	}
	seen := make(map[int]bool, len(instances))
	for _, instance := range instances {
		v, ok, err := tx.GetMetadata(instance, models.MetadataIndexInSeries)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return expected, "Unknown", nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > expected || seen[n] {
			return expected, "Inconsistent", nil
		}
		seen[n] = true
	}
	if len(seen) == expected {
		return expected, "Complete", nil
	}
	return expected, "Missing", nil
}

// ListResources lists the public ids of a level, ordered by creation
func (i *Index) ListResources(ctx context.Context, level models.ResourceType, since, limit int) ([]string, error) {
	var ids []string
	err := i.Apply(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.t.ListPublicIDs(level, since, limit)
		return dbError(err, "cannot list resources")
	})
	return ids, err
}

// Delete removes a resource with the cascade rules of DeleteResource
func (i *Index) Delete(ctx context.Context, level models.ResourceType, publicID string) (DeleteResult, error) {
	var res DeleteResult
	err := i.Apply(ctx, func(tx *Tx) error {
		ref, err := tx.Resolve(publicID, level)
		if err != nil {
			return err
		}
		res, err = tx.DeleteResource(ref.ID)
		return err
	})
	return res, err
}

// SetProtected toggles the recycling protection of a patient
func (i *Index) SetProtected(ctx context.Context, patientPublicID string, protected bool) error {
	return i.Apply(ctx, func(tx *Tx) error {
		ref, err := tx.Resolve(patientPublicID, models.ResourcePatient)
		if err != nil {
			return err
		}
		return tx.SetProtected(ref.ID, protected)
	})
}

// IsProtected reports the recycling protection of a patient
func (i *Index) IsProtected(ctx context.Context, patientPublicID string) (bool, error) {
	var protected bool
	err := i.Apply(ctx, func(tx *Tx) error {
		ref, err := tx.Resolve(patientPublicID, models.ResourcePatient)
		if err != nil {
			return err
		}
		protected, err = tx.IsProtected(ref.ID)
		return err
	})
	return protected, err
}

// Statistics summarizes the content of the index
func (i *Index) Statistics(ctx context.Context) (models.Statistics, error) {
	var stats models.Statistics
	err := i.Apply(ctx, func(tx *Tx) error {
		counts := []*int64{&stats.CountPatients, &stats.CountStudies, &stats.CountSeries, &stats.CountInstances}
		for idx, target := range counts {
			n, err := tx.t.CountResources(models.ResourcePatient + models.ResourceType(idx))
			if err != nil {
				return dbError(err, "cannot count resources")
			}
			*target = n
		}
		var err error
		if stats.TotalDiskSize, err = tx.t.TotalCompressedSize(); err != nil {
			return dbError(err, "cannot compute storage size")
		}
		if stats.TotalUncompressedSize, err = tx.t.TotalUncompressedSize(); err != nil {
			return dbError(err, "cannot compute storage size")
		}
		return nil
	})
	stats.TotalDiskSizeHuman = humanize.IBytes(uint64(stats.TotalDiskSize))
	return stats, err
}

// ChangesPage is a page of the change log
type ChangesPage struct {
	Changes []models.Change `json:"Changes"`
	Done    bool            `json:"Done"`
	Last    int64           `json:"Last"`
}

// GetChanges reads the change log after since
func (i *Index) GetChanges(ctx context.Context, since int64, limit int) (ChangesPage, error) {
	var page ChangesPage
	err := i.Apply(ctx, func(tx *Tx) error {
		changes, done, err := tx.t.GetChanges(since, limit)
		if err != nil {
			return dbError(err, "cannot read changes")
		}
		page = ChangesPage{Changes: changes, Done: done, Last: since}
		if len(changes) > 0 {
			page.Last = changes[len(changes)-1].Seq
		}
		return nil
	})
	return page, err
}

// GetLastChange reads the most recent entry of the change log
func (i *Index) GetLastChange(ctx context.Context) (ChangesPage, error) {
	var page ChangesPage
	err := i.Apply(ctx, func(tx *Tx) error {
		changes, err := tx.t.GetLastChange()
		if err != nil {
			return dbError(err, "cannot read changes")
		}
		page = ChangesPage{Changes: changes, Done: true}
		if len(changes) > 0 {
			page.Last = changes[len(changes)-1].Seq
		}
		return nil
	})
	return page, err
}

// ClearChanges empties the change log
func (i *Index) ClearChanges(ctx context.Context) error {
	return i.Apply(ctx, func(tx *Tx) error {
		return dbError(tx.t.ClearChanges(), "cannot clear changes")
	})
}

// ExportsPage is a page of the export log
type ExportsPage struct {
	Exports []models.ExportedResource `json:"Exports"`
	Done    bool                      `json:"Done"`
	Last    int64                     `json:"Last"`
}

// GetExports reads the export log after since
func (i *Index) GetExports(ctx context.Context, since int64, limit int) (ExportsPage, error) {
	var page ExportsPage
	err := i.Apply(ctx, func(tx *Tx) error {
		exports, done, err := tx.t.GetExportedResources(since, limit)
		if err != nil {
			return dbError(err, "cannot read exports")
		}
		page = ExportsPage{Exports: exports, Done: done, Last: since}
		if len(exports) > 0 {
			page.Last = exports[len(exports)-1].Seq
		}
		return nil
	})
	return page, err
}

// ClearExports empties the export log
func (i *Index) ClearExports(ctx context.Context) error {
	return i.Apply(ctx, func(tx *Tx) error {
		return dbError(tx.t.ClearExportedResources(), "cannot clear exports")
	})
}

// CheckSignatures returns the resources of a level whose stored main tags
// were written with another tag set than the current one
func (i *Index) CheckSignatures(ctx context.Context, level models.ResourceType) ([]string, error) {
	expected := models.MainDicomTagsSignature(level)
	var stale []string
	err := i.Apply(ctx, func(tx *Tx) error {
		ids, err := tx.t.ListPublicIDs(level, 0, 0)
		if err != nil {
			return dbError(err, "cannot list resources")
		}
		for _, publicID := range ids {
			ref, err := tx.Resolve(publicID, level)
			if err != nil {
				return err
			}
			signature, _, err := tx.GetMetadata(ref.ID, models.MetadataMainDicomTagsSignature)
			if err != nil {
				return err
			}
			if signature != expected {
				stale = append(stale, publicID)
			}
		}
		return nil
	})
	return stale, err
}

// GlobalProperty reads a global property
func (i *Index) GlobalProperty(ctx context.Context, property models.GlobalProperty) (string, bool, error) {
	var value string
	var found bool
	err := i.Apply(ctx, func(tx *Tx) error {
		var err error
		value, found, err = tx.t.GetGlobalProperty(property)
		return dbError(err, "cannot read global property")
	})
	return value, found, err
}

// SetGlobalProperty writes a global property
func (i *Index) SetGlobalProperty(ctx context.Context, property models.GlobalProperty, value string) error {
	if property == models.PropertyDatabaseSchemaVersion {
		return errcode.New(errcode.ParameterOutOfRange, "the schema version is read-only")
	}
	return i.Apply(ctx, func(tx *Tx) error {
		return dbError(tx.t.SetGlobalProperty(property, value), "cannot write global property")
	})
}
