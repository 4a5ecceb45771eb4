package index_test

import (
	"context"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tagSliceThickness = models.DicomTag{Group: 0x0018, Element: 0x0050}

func lookupFixture(t *testing.T, opts index.Options) *fixture {
	f := newFixture(t, opts)
	for _, inst := range []instance{
		{patient: "P1", study: "1", series: "1.1", sop: "1.1.1", tags: models.DicomMap{
			models.TagPatientName: "DOE^JOHN", models.TagStudyDate: "20200101", models.TagModality: "CT",
			tagSliceThickness: "5",
		}},
		{patient: "P2", study: "2", series: "2.1", sop: "2.1.1", tags: models.DicomMap{
			models.TagPatientName: "SMITH", models.TagStudyDate: "20210505", models.TagModality: "MR",
			tagSliceThickness: "2.5",
		}},
		{patient: "P3", study: "3", series: "3.1", sop: "3.1.1", tags: models.DicomMap{
			models.TagPatientName: "Doe^Jane", models.TagStudyDate: "20220101", models.TagModality: "MR",
		}},
	} {
		_, err := f.store(t, inst)
		require.NoError(t, err)
	}
	// A second series with another modality in the first study
	_, err := f.store(t, instance{patient: "P1", study: "1", series: "1.2", sop: "1.2.1", tags: models.DicomMap{
		models.TagPatientName: "DOE^JOHN", models.TagStudyDate: "20200101", models.TagModality: "PT",
	}})
	require.NoError(t, err)
	return f
}

func constraint(t *testing.T, level models.ResourceType, tag models.DicomTag, value string) index.DatabaseConstraint {
	c, err := index.NewConstraint(level, tag, value, false, true)
	require.NoError(t, err)
	return c
}

func find(t *testing.T, f *fixture, q index.Lookup) ([]index.LookupAnswer, bool) {
	t.Helper()
	var answers []index.LookupAnswer
	complete, err := f.idx.ApplyLookup(context.Background(), q, func(a index.LookupAnswer) error {
		answers = append(answers, a)
		return nil
	})
	require.NoError(t, err)
	return answers, complete
}

func patientIDs(answers []index.LookupAnswer) []string {
	var out []string
	for _, a := range answers {
		out = append(out, a.Tags.Value(models.TagPatientID))
	}
	return out
}

func TestLookupIdentifierConstraint(t *testing.T) {
	f := lookupFixture(t, index.DefaultOptions())

	answers, complete := find(t, f, index.Lookup{
		Level:       models.ResourcePatient,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourcePatient, models.TagPatientID, "p1")},
	})
	assert.True(t, complete)
	require.Len(t, answers, 1)
	assert.Equal(t, models.ResourcePatient, answers[0].Level)
	assert.Equal(t, "DOE^JOHN", answers[0].Tags.Value(models.TagPatientName))

	// Patient identifiers projected down to the series level
	answers, _ = find(t, f, index.Lookup{
		Level:       models.ResourceSeries,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourcePatient, models.TagPatientID, `P1\P3`)},
	})
	assert.Len(t, answers, 3)
}

func TestLookupMainTagConstraints(t *testing.T) {
	f := lookupFixture(t, index.DefaultOptions())

	answers, _ := find(t, f, index.Lookup{
		Level:       models.ResourcePatient,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourcePatient, models.TagPatientName, "doe*")},
	})
	assert.ElementsMatch(t, []string{"P1", "P3"}, patientIDs(answers))

	answers, _ = find(t, f, index.Lookup{
		Level:       models.ResourceStudy,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceStudy, models.TagStudyDate, "20200101-20211231")},
	})
	assert.ElementsMatch(t, []string{"P1", "P2"}, patientIDs(answers))

	// Constraints on the parent level apply to the children
	answers, _ = find(t, f, index.Lookup{
		Level: models.ResourceSeries,
		Constraints: []index.DatabaseConstraint{
			constraint(t, models.ResourcePatient, models.TagPatientName, "DOE^JOHN"),
			constraint(t, models.ResourceSeries, models.TagModality, "PT"),
		},
	})
	require.Len(t, answers, 1)
	assert.Equal(t, "PT", answers[0].Tags.Value(models.TagModality))
}

func TestLookupModalitiesInStudy(t *testing.T) {
	f := lookupFixture(t, index.DefaultOptions())

	answers, _ := find(t, f, index.Lookup{
		Level:       models.ResourceStudy,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceStudy, models.TagModalitiesInStudy, "MR")},
	})
	assert.ElementsMatch(t, []string{"P2", "P3"}, patientIDs(answers))

	answers, _ = find(t, f, index.Lookup{
		Level:       models.ResourceStudy,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceStudy, models.TagModalitiesInStudy, `PT\US`)},
	})
	require.Len(t, answers, 1)
	assert.Equal(t, `CT\PT`, answers[0].Tags.Value(models.TagModalitiesInStudy))
}

func TestLookupSinceAndLimit(t *testing.T) {
	f := lookupFixture(t, index.DefaultOptions())

	answers, complete := find(t, f, index.Lookup{Level: models.ResourceSeries, Limit: 2})
	assert.False(t, complete)
	assert.Len(t, answers, 2)

	answers, complete = find(t, f, index.Lookup{Level: models.ResourceSeries, Since: 2, Limit: 2})
	assert.True(t, complete)
	assert.Len(t, answers, 2)

	answers, complete = find(t, f, index.Lookup{Level: models.ResourceSeries, Since: 3, Limit: 2})
	assert.True(t, complete)
	assert.Len(t, answers, 1)

	// Residual constraints count after filtering
	answers, complete = find(t, f, index.Lookup{
		Level:       models.ResourceSeries,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceSeries, models.TagModality, "MR")},
		Limit:       1,
	})
	assert.False(t, complete)
	assert.Equal(t, []string{"P2"}, patientIDs(answers))

	opts := index.DefaultOptions()
	opts.LimitFindResults = 1
	f = lookupFixture(t, opts)
	answers, complete = find(t, f, index.Lookup{Level: models.ResourcePatient})
	assert.False(t, complete)
	assert.Len(t, answers, 1)
}

func TestLookupReadsInstanceJSON(t *testing.T) {
	f := lookupFixture(t, index.DefaultOptions())

	answers, _ := find(t, f, index.Lookup{
		Level:       models.ResourceInstance,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceInstance, tagSliceThickness, "2.5")},
	})
	assert.Equal(t, []string{"P2"}, patientIDs(answers))

	// Instance tags can filter a series through its sample instance
	answers, _ = find(t, f, index.Lookup{
		Level:       models.ResourceSeries,
		Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceInstance, tagSliceThickness, "5")},
	})
	assert.Equal(t, []string{"P1"}, patientIDs(answers))
}

func TestLookupStorageAccessMode(t *testing.T) {
	cases := map[models.FindStorageAccessMode][]string{
		models.FindDatabaseOnly:          nil,
		models.FindDiskOnAnswer:          {"P1"},
		models.FindDiskOnLookupAndAnswer: {"P1"},
	}
	for mode, expected := range cases {
		opts := index.DefaultOptions()
		opts.StorageAccessOnFind = mode
		f := lookupFixture(t, opts)

		// Tags outside the database are read from disk when allowed,
		// otherwise they are missing and the constraint fails
		answers, complete := find(t, f, index.Lookup{
			Level:       models.ResourceInstance,
			Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceInstance, tagSliceThickness, "5")},
		})
		assert.True(t, complete)
		assert.Equal(t, expected, patientIDs(answers), "mode %d", mode)

		// Main tags are always answered by the database
		answers, _ = find(t, f, index.Lookup{
			Level:       models.ResourceSeries,
			Constraints: []index.DatabaseConstraint{constraint(t, models.ResourceSeries, models.TagModality, "CT")},
		})
		assert.Len(t, answers, 1)
	}
}

func TestLookupRejectsBadQueries(t *testing.T) {
	f := newFixture(t, index.DefaultOptions())
	visit := func(index.LookupAnswer) error { return nil }

	_, err := f.idx.ApplyLookup(context.Background(), index.Lookup{Level: 7}, visit)
	assert.True(t, errcode.Is(err, errcode.ParameterOutOfRange))

	_, err = f.idx.ApplyLookup(context.Background(), index.Lookup{Level: models.ResourceStudy, Limit: -1}, visit)
	assert.True(t, errcode.Is(err, errcode.ParameterOutOfRange))
}
