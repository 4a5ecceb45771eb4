package testutil

import (
	"bytes"
	"sort"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Secondary Capture Image Storage
const defaultSOPClassUID = "1.2.840.10008.5.1.4.1.1.7"

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

// DicomFile encodes an explicit VR little endian Part 10 file with the given
// textual tags. The file meta group is derived from the dataset.
func DicomFile(t testing.TB, tags models.DicomMap) []byte {
	t.Helper()

	values := tags.Clone()
	if !values.Has(models.TagSOPClassUID) {
		values[models.TagSOPClassUID] = defaultSOPClassUID
	}

	meta := []struct {
		tag   tag.Tag
		value interface{}
	}{
		{tag.FileMetaInformationVersion, []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, []string{values.Value(models.TagSOPClassUID)}},
		{tag.MediaStorageSOPInstanceUID, []string{values.Value(models.TagSOPInstanceUID)}},
		{tag.TransferSyntaxUID, []string{explicitVRLittleEndian}},
	}

	var elements []*dicom.Element
	for _, m := range meta {
		elem, err := dicom.NewElement(m.tag, m.value)
		require.NoError(t, err)
		elements = append(elements, elem)
	}

	keys := values.Tags()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		elem, err := dicom.NewElement(tag.Tag{Group: k.Group, Element: k.Element}, []string{values[k]})
		require.NoError(t, err, "tag %s", k)
		elements = append(elements, elem)
	}

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: elements}))
	return buf.Bytes()
}

// Instance returns the tags of an instance identified by its four UIDs
func Instance(patientID, studyUID, seriesUID, sopUID string, extra models.DicomMap) models.DicomMap {
	tags := models.DicomMap{
		models.TagPatientID:         patientID,
		models.TagStudyInstanceUID:  studyUID,
		models.TagSeriesInstanceUID: seriesUID,
		models.TagSOPInstanceUID:    sopUID,
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}
