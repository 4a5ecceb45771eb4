package parser_test

import (
	"encoding/binary"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/testutil"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstance(t *testing.T) {
	data := testutil.DicomFile(t, testutil.Instance("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5", models.DicomMap{
		models.TagPatientName:         "DOE^JOHN",
		models.TagModality:            "CT",
		models.TagInstanceNumber:      "7",
		models.TagImagesInAcquisition: "12",
	}))

	p, err := parser.Parse(data)
	require.NoError(t, err)

	assert.Equal(t, toolbox.ComputeSHA1("P1|1.2.3|1.2.3.4|1.2.3.4.5"), p.PublicID())
	assert.Equal(t, "DOE^JOHN", p.Summary.Value(models.TagPatientName))
	assert.Equal(t, "1.2.840.10008.1.2.1", p.TransferSyntax)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.7", p.SOPClassUID)
	assert.Equal(t, int64(-1), p.PixelDataOffset)
	assert.True(t, p.HasTag(models.TagModality))

	index, ok := p.IndexInSeries()
	require.True(t, ok)
	assert.Equal(t, 7, index)
	expected, ok := p.ExpectedNumberOfInstances()
	require.True(t, ok)
	assert.Equal(t, 12, expected)

	// The JSON document round-trips through the attachment decoder
	raw, err := p.JSONBytes()
	require.NoError(t, err)
	tags, err := models.ParseDicomAsJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "CT", tags.Value(models.TagModality))
	assert.Equal(t, "PatientName", p.JSON[models.TagPatientName.String()].Name)
	// File meta elements stay out of the document
	_, found := p.JSON[models.TagTransferSyntaxUID.String()]
	assert.False(t, found)
}

func TestParseRejectsBadFiles(t *testing.T) {
	_, err := parser.Parse(nil)
	assert.True(t, errcode.Is(err, errcode.BadFileFormat))

	_, err = parser.Parse([]byte("definitely not a dicom file, far too short"))
	assert.True(t, errcode.Is(err, errcode.BadFileFormat))

	// No SOPInstanceUID
	data := testutil.DicomFile(t, models.DicomMap{
		models.TagPatientID:         "P1",
		models.TagStudyInstanceUID:  "1.2",
		models.TagSeriesInstanceUID: "1.2.3",
	})
	_, err = parser.Parse(data)
	assert.True(t, errcode.Is(err, errcode.BadFileFormat))
}

func TestParseAllowsEmptyPatientID(t *testing.T) {
	data := testutil.DicomFile(t, models.DicomMap{
		models.TagStudyInstanceUID:  "1.2",
		models.TagSeriesInstanceUID: "1.2.3",
		models.TagSOPInstanceUID:    "1.2.3.4",
	})
	p, err := parser.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, toolbox.ComputeSHA1(""), p.Hasher.HashPatient())
}

func pixelDataHeader(explicit bool, length uint32) []byte {
	out := []byte{0xe0, 0x7f, 0x10, 0x00}
	if explicit {
		out = append(out, 'O', 'W', 0, 0)
	}
	return binary.LittleEndian.AppendUint32(out, length)
}

func TestFindPixelDataOffset(t *testing.T) {
	prefix := make([]byte, 200)

	explicit := append(append([]byte{}, prefix...), pixelDataHeader(true, 4)...)
	explicit = append(explicit, 1, 2, 3, 4)
	assert.Equal(t, int64(212), parser.FindPixelDataOffset(explicit, "1.2.840.10008.1.2.1"))

	implicit := append(append([]byte{}, prefix...), pixelDataHeader(false, 4)...)
	implicit = append(implicit, 1, 2, 3, 4)
	assert.Equal(t, int64(208), parser.FindPixelDataOffset(implicit, "1.2.840.10008.1.2"))

	assert.Equal(t, int64(-1), parser.FindPixelDataOffset(prefix, "1.2.840.10008.1.2.1"))

	// An icon image earlier in the file is ignored
	icon := append(append([]byte{}, pixelDataHeader(true, 2)...), 9, 9)
	withIcon := append(append(icon, prefix...), pixelDataHeader(true, 4)...)
	assert.Equal(t, int64(len(icon)+len(prefix)+12), parser.FindPixelDataOffset(withIcon, "1.2.840.10008.1.2.1"))
}
