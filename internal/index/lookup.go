package index

import (
	"context"
	"sort"
	"strings"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Lookup is a /tools/find query
type Lookup struct {
	Level       models.ResourceType
	Constraints []DatabaseConstraint
	Since       int
	Limit       int // 0 = no limit
}

// LookupAnswer is one resource matched by a lookup
type LookupAnswer struct {
	ResourceRef
	// Main tags of the resource and its ancestors
	Tags models.DicomMap
	// Instance whose DicomAsJson can stand for the resource
	SampleInstance int64
}

type lookupPlan struct {
	identifiers []IdentifierConstraint
	residual    []DatabaseConstraint
	needsDisk   bool
	readDisk    bool
}

func (i *Index) planLookup(q Lookup) (lookupPlan, error) {
	var plan lookupPlan
	for _, raw := range q.Constraints {
		for _, c := range raw.SplitRange() {
			if err := c.Validate(); err != nil {
				return plan, err
			}
			if c.Level > q.Level {
				// Tags below the query level only exist in the instance JSON
				plan.residual = append(plan.residual, c)
				plan.needsDisk = true
				continue
			}
			if c.IsIdentifier() {
				plan.identifiers = append(plan.identifiers, c.ToIdentifier(i.norm))
				continue
			}
			plan.residual = append(plan.residual, c)
			if !i.answeredFromDatabase(c, q.Level) {
				plan.needsDisk = true
			}
		}
	}
	return plan, nil
}

func (i *Index) answeredFromDatabase(c DatabaseConstraint, queryLevel models.ResourceType) bool {
	if models.IsMainDicomTag(c.Tag, c.Level) {
		return true
	}
	return c.Tag == models.TagModalitiesInStudy && queryLevel == models.ResourceStudy
}

// ApplyLookup runs a query and calls visit for each answer, in internal id
// order. The returned flag is false when more answers exist beyond the limit.
func (i *Index) ApplyLookup(ctx context.Context, q Lookup, visit func(LookupAnswer) error) (bool, error) {
	if !q.Level.Valid() {
		return false, errcode.Newf(errcode.ParameterOutOfRange, "bad query level %d", int(q.Level))
	}
	if q.Since < 0 || q.Limit < 0 {
		return false, errcode.New(errcode.ParameterOutOfRange, "since and limit must be non-negative")
	}

	limit := q.Limit
	if max := i.opts.LimitFindResults; max > 0 && (limit == 0 || limit > max) {
		limit = max
	}

	plan, err := i.planLookup(q)
	if err != nil {
		return false, err
	}
	// Without storage access, tags missing from the database never match
	plan.readDisk = plan.needsDisk && i.opts.StorageAccessOnFind != models.FindDatabaseOnly
	if plan.readDisk && i.files == nil {
		return false, errcode.New(errcode.InternalError, "no storage to read DICOM JSON from")
	}

	var answers []LookupAnswer
	complete := true

	err = i.Apply(ctx, func(tx *Tx) error {
		backendCap := 0
		if len(plan.residual) == 0 && limit > 0 {
			backendCap = q.Since + limit + 1
		}
		candidates, err := tx.t.LookupIdentifiers(q.Level, plan.identifiers, backendCap)
		if err != nil {
			return dbError(err, "cannot look up identifiers")
		}
		sort.Slice(candidates, func(a, b int) bool { return candidates[a] < candidates[b] })

		matched := 0
		for _, id := range candidates {
			answer, ok, err := i.evaluate(tx, id, q.Level, plan)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			matched++
			if matched <= q.Since {
				continue
			}
			if limit > 0 && len(answers) == limit {
				complete = false
				break
			}
			answers = append(answers, answer)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, answer := range answers {
		if err := visit(answer); err != nil {
			return false, err
		}
	}
	return complete, nil
}

func (i *Index) evaluate(tx *Tx, id int64, level models.ResourceType, plan lookupPlan) (LookupAnswer, bool, error) {
	ref, err := tx.Ref(id)
	if err != nil {
		return LookupAnswer{}, false, err
	}
	answer := LookupAnswer{ResourceRef: ref}

	answer.Tags, err = tx.mergedMainTags(id, level)
	if err != nil {
		return answer, false, err
	}
	answer.SampleInstance, err = tx.sampleInstance(id)
	if err != nil {
		return answer, false, err
	}

	tags := answer.Tags
	if plan.readDisk {
		tags, err = tx.readInstanceTags(answer.SampleInstance)
		if err != nil {
			return answer, false, err
		}
		tags.Merge(answer.Tags)
	}

	for idx := range plan.residual {
		if !plan.residual[idx].IsMatchMap(i.norm, tags) {
			return answer, false, nil
		}
	}
	return answer, true, nil
}

// mergedMainTags collects the main tags of id and of its ancestors; for
// studies the modalities of the child series are added as ModalitiesInStudy
func (tx *Tx) mergedMainTags(id int64, level models.ResourceType) (models.DicomMap, error) {
	tags, err := tx.t.GetMainDicomTags(id)
	if err != nil {
		return nil, dbError(err, "cannot read main DICOM tags")
	}
	if tags == nil {
		tags = models.DicomMap{}
	}

	current := id
	for {
		parent, found, err := tx.GetParent(current)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		parentTags, err := tx.t.GetMainDicomTags(parent)
		if err != nil {
			return nil, dbError(err, "cannot read main DICOM tags")
		}
		tags.Merge(parentTags)
		current = parent
	}

	if level == models.ResourceStudy {
		modalities, err := tx.childModalities(id)
		if err != nil {
			return nil, err
		}
		if len(modalities) > 0 {
			tags[models.TagModalitiesInStudy] = strings.Join(modalities, `\`)
		}
	}
	return tags, nil
}

// MergedMainTags returns the main tags of id merged with those of its ancestors
func (tx *Tx) MergedMainTags(id int64) (models.DicomMap, error) {
	return tx.mergedMainTags(id, 0)
}

func (tx *Tx) childModalities(studyID int64) ([]string, error) {
	series, err := tx.GetChildren(studyID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var modalities []string
	for _, s := range series {
		tags, err := tx.t.GetMainDicomTags(s)
		if err != nil {
			return nil, dbError(err, "cannot read main DICOM tags")
		}
		if m, ok := tags.Get(models.TagModality); ok && m != "" && !seen[m] {
			seen[m] = true
			modalities = append(modalities, m)
		}
	}
	sort.Strings(modalities)
	return modalities, nil
}

// sampleInstance descends along first children down to an instance
func (tx *Tx) sampleInstance(id int64) (int64, error) {
	for {
		level, err := tx.t.GetResourceType(id)
		if err != nil {
			return 0, dbError(err, "cannot read resource type")
		}
		if level == models.ResourceInstance {
			return id, nil
		}
		children, err := tx.GetChildren(id)
		if err != nil {
			return 0, err
		}
		if len(children) == 0 {
			return 0, errcode.Newf(errcode.Database, "resource %d has no child", id)
		}
		id = children[0]
	}
}

func (tx *Tx) readInstanceTags(instance int64) (models.DicomMap, error) {
	info, _, found, err := tx.GetAttachment(instance, models.ContentDicomAsJSON)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errcode.Newf(errcode.InexistentFile, "instance %d has no DICOM JSON attachment", instance)
	}
	data, err := tx.index.files.Read(tx.ctx, info)
	if err != nil {
		return nil, err
	}
	tags, err := models.ParseDicomAsJSON(data)
	if err != nil {
		return nil, errcode.Wrap(errcode.CorruptedFile, err, "cannot decode DICOM JSON")
	}
	return tags, nil
}
