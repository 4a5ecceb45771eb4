// Package parser turns DICOM Part 10 files into the summary, JSON document
// and identifiers consumed by the store.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// MaxStringLength is the longest value kept inline in DicomAsJson
const MaxStringLength = 256

const (
	implicitVRLittleEndian = "1.2.840.10008.1.2"
	explicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// ParsedInstance is a received instance ready to be stored
type ParsedInstance struct {
	Buffer  []byte
	Summary models.DicomMap
	JSON    models.DicomJSON
	Hasher  toolbox.InstanceHasher
	Origin  models.Origin

	TransferSyntax  string
	SOPClassUID     string
	PixelDataOffset int64 // -1 without pixel data

	// Metadata supplied by the caller, written along with the computed ones
	Metadata map[models.MetadataType]string
}

// Parse decodes a DICOM file. The four identifying UIDs must be present;
// PatientID may be empty.
func Parse(data []byte) (*ParsedInstance, error) {
	if err := Sniff(data); err != nil {
		return nil, errcode.Wrap(errcode.BadFileFormat, err, "not a DICOM file")
	}

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, errcode.Wrap(errcode.BadFileFormat, err, "cannot parse DICOM file")
	}

	p := &ParsedInstance{
		Buffer:          data,
		Summary:         models.DicomMap{},
		JSON:            models.DicomJSON{},
		PixelDataOffset: -1,
		Metadata:        map[models.MetadataType]string{},
	}

	hasPixelData := false
	for _, elem := range ds.Elements {
		t := models.DicomTag{Group: elem.Tag.Group, Element: elem.Tag.Element}
		if t.Group == 0x0002 {
			if t == models.TagTransferSyntaxUID {
				p.TransferSyntax = firstString(elem)
			}
			continue
		}
		if t == models.TagPixelData {
			hasPixelData = true
		}
		if s, ok := stringValue(elem); ok {
			p.Summary[t] = s
		}
		p.JSON[t.String()] = toJSONElement(elem)
	}

	p.SOPClassUID = p.Summary.Value(models.TagSOPClassUID)
	p.Hasher = toolbox.NewInstanceHasher(
		p.Summary.Value(models.TagPatientID),
		p.Summary.Value(models.TagStudyInstanceUID),
		p.Summary.Value(models.TagSeriesInstanceUID),
		p.Summary.Value(models.TagSOPInstanceUID),
	)
	if p.Hasher.StudyInstanceUID == "" || p.Hasher.SeriesInstanceUID == "" || p.Hasher.SOPInstanceUID == "" {
		return nil, errcode.New(errcode.BadFileFormat, "missing StudyInstanceUID, SeriesInstanceUID or SOPInstanceUID")
	}

	if hasPixelData {
		p.PixelDataOffset = FindPixelDataOffset(data, p.TransferSyntax)
	}
	return p, nil
}

// PublicID returns the public id of the instance
func (p *ParsedInstance) PublicID() string {
	return p.Hasher.HashInstance()
}

// HasTag reports whether the summary holds t
func (p *ParsedInstance) HasTag(t models.DicomTag) bool {
	return p.Summary.Has(t)
}

// GetTag returns the string value of t
func (p *ParsedInstance) GetTag(t models.DicomTag) (string, bool) {
	return p.Summary.Get(t)
}

// IndexInSeries is the position of the instance inside its series
func (p *ParsedInstance) IndexInSeries() (int, bool) {
	for _, t := range []models.DicomTag{models.TagInstanceNumber, models.TagImageIndex} {
		if v, ok := p.Summary.Get(t); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// ExpectedNumberOfInstances is the size of the series announced by the instance
func (p *ParsedInstance) ExpectedNumberOfInstances() (int, bool) {
	for _, t := range []models.DicomTag{models.TagImagesInAcquisition, models.TagNumberOfSlices} {
		if v, ok := p.Summary.Get(t); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}

// JSONBytes encodes the DicomAsJson document
func (p *ParsedInstance) JSONBytes() ([]byte, error) {
	data, err := json.Marshal(p.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to encode DICOM JSON: %w", err)
	}
	return data, nil
}

func trimValue(s string) string {
	return strings.TrimRight(s, " \x00")
}

func firstString(elem *dicom.Element) string {
	if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
		return trimValue(values[0])
	}
	return ""
}

// stringValue renders textual and numeric values; multiple values are
// joined with a backslash
func stringValue(elem *dicom.Element) (string, bool) {
	if elem.Value == nil {
		return "", false
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = trimValue(s)
		}
		return strings.Join(parts, `\`), true
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`), true
	case []float64:
		parts := make([]string, len(v))
		for i, f := range v {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, `\`), true
	}
	return "", false
}

func tagName(t tag.Tag) string {
	info, err := tag.Find(t)
	if err != nil || info.Name == "" {
		return "Unknown Tag & Data"
	}
	return info.Name
}

var jsonNull = json.RawMessage("null")

func toJSONElement(elem *dicom.Element) models.DicomJSONElement {
	out := models.DicomJSONElement{Name: tagName(elem.Tag), Type: models.JSONTypeNull, Value: jsonNull}
	if elem.Value == nil {
		return out
	}

	if items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue); ok {
		docs := make([]models.DicomJSON, 0, len(items))
		for _, item := range items {
			doc := models.DicomJSON{}
			children, _ := item.GetValue().([]*dicom.Element)
			for _, child := range children {
				t := models.DicomTag{Group: child.Tag.Group, Element: child.Tag.Element}
				doc[t.String()] = toJSONElement(child)
			}
			docs = append(docs, doc)
		}
		raw, err := json.Marshal(docs)
		if err != nil {
			return out
		}
		out.Type = models.JSONTypeSequence
		out.Value = raw
		return out
	}

	if s, ok := stringValue(elem); ok {
		if len(s) > MaxStringLength {
			out.Type = models.JSONTypeTooLong
			return out
		}
		raw, _ := json.Marshal(s)
		out.Type = models.JSONTypeString
		out.Value = raw
		return out
	}

	switch elem.Value.GetValue().(type) {
	case []byte, dicom.PixelDataInfo:
		out.Type = models.JSONTypeBinary
	}
	return out
}

// FindPixelDataOffset locates the first byte of the value of the top-level
// PixelData element, or -1. The last occurrence of the tag is used since
// icon images nested in sequences come before it.
func FindPixelDataOffset(data []byte, transferSyntax string) int64 {
	marker := []byte{0xe0, 0x7f, 0x10, 0x00}
	if transferSyntax == explicitVRBigEndian {
		marker = []byte{0x7f, 0xe0, 0x00, 0x10}
	}
	idx := bytes.LastIndex(data, marker)
	if idx < 0 {
		return -1
	}

	// Implicit VR: tag + 4-byte length
	if transferSyntax == implicitVRLittleEndian {
		offset := idx + 8
		if offset > len(data) {
			return -1
		}
		return int64(offset)
	}

	// Explicit VR OB/OW: tag + VR + 2 reserved bytes + 4-byte length
	if idx+6 > len(data) {
		return -1
	}
	vr := string(data[idx+4 : idx+6])
	if vr != "OB" && vr != "OW" && vr != "UN" {
		return -1
	}
	offset := idx + 12
	if offset > len(data) {
		return -1
	}
	return int64(offset)
}

// ErrNotDICOM is returned by Sniff for payloads without the DICM magic
var ErrNotDICOM = errors.New("missing DICM preamble")

// Sniff checks the Part 10 preamble without parsing the dataset
func Sniff(data []byte) error {
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return ErrNotDICOM
	}
	return nil
}
