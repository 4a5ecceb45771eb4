package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Media Storage Directory Storage
const dicomDirSOPClassUID = "1.2.840.10008.1.3.10"

const explicitVRLittleEndian = "1.2.840.10008.1.2.1"

var (
	tagFileSetID                  = tag.Tag{Group: 0x0004, Element: 0x1130}
	tagOffsetFirstRootRecord      = tag.Tag{Group: 0x0004, Element: 0x1200}
	tagOffsetLastRootRecord       = tag.Tag{Group: 0x0004, Element: 0x1202}
	tagFileSetConsistencyFlag     = tag.Tag{Group: 0x0004, Element: 0x1212}
	tagDirectoryRecordSequence    = tag.Tag{Group: 0x0004, Element: 0x1220}
	tagOffsetNextRecord           = tag.Tag{Group: 0x0004, Element: 0x1400}
	tagRecordInUseFlag            = tag.Tag{Group: 0x0004, Element: 0x1410}
	tagOffsetLowerLevelEntity     = tag.Tag{Group: 0x0004, Element: 0x1420}
	tagDirectoryRecordType        = tag.Tag{Group: 0x0004, Element: 0x1430}
	tagReferencedFileID           = tag.Tag{Group: 0x0004, Element: 0x1500}
	tagReferencedSOPClassInFile   = tag.Tag{Group: 0x0004, Element: 0x1510}
	tagReferencedSOPInstInFile    = tag.Tag{Group: 0x0004, Element: 0x1511}
	tagReferencedTransferSyntaxIn = tag.Tag{Group: 0x0004, Element: 0x1512}
)

var recordTags = map[string][]models.DicomTag{
	"PATIENT": {models.TagPatientID, models.TagPatientName},
	"STUDY": {models.TagStudyDate, models.TagStudyTime, models.TagAccessionNumber,
		models.TagStudyDescription, models.TagStudyInstanceUID, models.TagStudyID},
	"SERIES": {models.TagModality, models.TagSeriesInstanceUID, models.TagSeriesNumber},
	"IMAGE":  {models.TagInstanceNumber},
}

type dirRecord struct {
	kind     string
	tags     models.DicomMap
	fileID   []string
	sopClass string
	sopUID   string
	syntax   string
	children []*dirRecord
	index    map[string]*dirRecord
}

func (r *dirRecord) child(kind, key string, tags models.DicomMap) *dirRecord {
	if c, ok := r.index[key]; ok {
		return c
	}
	c := &dirRecord{kind: kind, tags: tags, index: make(map[string]*dirRecord)}
	r.index[key] = c
	r.children = append(r.children, c)
	return c
}

// dicomDir accumulates the directory records of a media export. Records
// are linked by byte offsets from the start of the file: siblings through
// (0004,1400), the first child through (0004,1420).
type dicomDir struct {
	root *dirRecord
}

func newDicomDir() *dicomDir {
	return &dicomDir{root: &dirRecord{index: make(map[string]*dirRecord)}}
}

// add registers an instance stored at folder/filename
func (d *dicomDir) add(folder, filename string, summary models.DicomMap, sopClass, transferSyntax string) {
	patient := d.root.child("PATIENT", summary.Value(models.TagPatientID), summary)
	study := patient.child("STUDY", summary.Value(models.TagStudyInstanceUID), summary)
	series := study.child("SERIES", summary.Value(models.TagSeriesInstanceUID), summary)
	image := series.child("IMAGE", summary.Value(models.TagSOPInstanceUID), summary)
	image.fileID = []string{folder, filename}
	image.sopClass = sopClass
	image.sopUID = summary.Value(models.TagSOPInstanceUID)
	image.syntax = transferSyntax
}

type elementValue struct {
	tag   tag.Tag
	value interface{}
}

func newElements(values []elementValue) ([]*dicom.Element, error) {
	elems := make([]*dicom.Element, 0, len(values))
	for _, v := range values {
		elem, err := newElement(v.tag, v.value)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}
	return elems, nil
}

func newElement(t tag.Tag, value interface{}) (*dicom.Element, error) {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		return nil, fmt.Errorf("failed to build DICOMDIR element %s: %w", t, err)
	}
	return elem, nil
}

func (r *dirRecord) item() ([]*dicom.Element, error) {
	values := []elementValue{
		{tagOffsetNextRecord, []int{0}},
		{tagRecordInUseFlag, []int{0xffff}},
		{tagOffsetLowerLevelEntity, []int{0}},
		{tagDirectoryRecordType, []string{r.kind}},
	}
	if r.kind == "IMAGE" {
		values = append(values,
			elementValue{tagReferencedFileID, r.fileID},
			elementValue{tagReferencedSOPClassInFile, []string{r.sopClass}},
			elementValue{tagReferencedSOPInstInFile, []string{r.sopUID}},
			elementValue{tagReferencedTransferSyntaxIn, []string{r.syntax}},
		)
	}

	elems, err := newElements(values)
	if err != nil {
		return nil, err
	}
	for _, t := range recordTags[r.kind] {
		value, ok := r.tags.Get(t)
		if !ok {
			continue
		}
		elem, err := newElement(tag.Tag{Group: t.Group, Element: t.Element}, []string{value})
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
	}
	sort.Slice(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
	return elems, nil
}

// preorder lists the records depth-first, each parent before its children
func (r *dirRecord) preorder(out []*dirRecord) []*dirRecord {
	for _, c := range r.children {
		out = append(out, c)
		out = c.preorder(out)
	}
	return out
}

// encode writes the DICOMDIR as an explicit VR little endian Part 10 file
func (d *dicomDir) encode() ([]byte, error) {
	records := d.root.preorder(nil)
	items := make([][]*dicom.Element, 0, len(records))
	for _, r := range records {
		item, err := r.item()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	values := []elementValue{
		{tag.FileMetaInformationVersion, []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, []string{dicomDirSOPClassUID}},
		{tag.MediaStorageSOPInstanceUID, []string{toolbox.GenerateDicomUID()}},
		{tag.TransferSyntaxUID, []string{explicitVRLittleEndian}},
		{tagFileSetID, []string{""}},
		{tagOffsetFirstRootRecord, []int{0}},
		{tagOffsetLastRootRecord, []int{0}},
		{tagFileSetConsistencyFlag, []int{0}},
		{tagDirectoryRecordSequence, items},
	}

	elems, err := newElements(values)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		return nil, fmt.Errorf("failed to write DICOMDIR: %w", err)
	}
	data := buf.Bytes()
	if err := d.link(data, records); err != nil {
		return nil, fmt.Errorf("failed to link DICOMDIR records: %w", err)
	}
	return data, nil
}

var errDirectoryLayout = errors.New("unexpected DICOMDIR layout")

// link fills the offset fields in place, once the position of every
// record in the encoded file is known
func (d *dicomDir) link(data []byte, records []*dirRecord) error {
	sequence, layouts, err := recordLayouts(data)
	if err != nil {
		return err
	}
	if len(layouts) != len(records) {
		return errDirectoryLayout
	}

	position := make(map[*dirRecord]int, len(records))
	for i, r := range records {
		position[r] = i
	}
	offsetOf := func(r *dirRecord) uint32 {
		return uint32(layouts[position[r]].start)
	}

	var siblings func(parent *dirRecord)
	siblings = func(parent *dirRecord) {
		for i, c := range parent.children {
			l := layouts[position[c]]
			if i+1 < len(parent.children) {
				binary.LittleEndian.PutUint32(data[l.next:], offsetOf(parent.children[i+1]))
			}
			if len(c.children) > 0 {
				binary.LittleEndian.PutUint32(data[l.lower:], offsetOf(c.children[0]))
			}
			siblings(c)
		}
	}
	siblings(d.root)

	if len(d.root.children) == 0 {
		return nil
	}
	header := data[:sequence]
	first := findULValue(header, tagOffsetFirstRootRecord)
	last := findULValue(header, tagOffsetLastRootRecord)
	if first < 0 || last < 0 {
		return errDirectoryLayout
	}
	binary.LittleEndian.PutUint32(data[first:], offsetOf(d.root.children[0]))
	binary.LittleEndian.PutUint32(data[last:], offsetOf(d.root.children[len(d.root.children)-1]))
	return nil
}

// recordLayout locates one directory record: the offset of its item and
// the value positions of its two link fields
type recordLayout struct {
	start int
	next  int
	lower int
}

const undefinedLength = 0xffffffff

var (
	itemTag          = tag.Tag{Group: 0xfffe, Element: 0xe000}
	itemDelimiter    = tag.Tag{Group: 0xfffe, Element: 0xe00d}
	sequenceDelimiter = tag.Tag{Group: 0xfffe, Element: 0xe0dd}
)

// VRs whose explicit header carries a 32-bit length
var longLengthVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OW": true, "SQ": true,
	"UC": true, "UN": true, "UR": true, "UT": true,
}

func tagAt(data []byte, pos int) tag.Tag {
	return tag.Tag{
		Group:   binary.LittleEndian.Uint16(data[pos:]),
		Element: binary.LittleEndian.Uint16(data[pos+2:]),
	}
}

// elementHeader returns a tag's explicit VR marker as it appears in the file
func elementHeader(t tag.Tag, vr string) []byte {
	h := make([]byte, 6)
	binary.LittleEndian.PutUint16(h, t.Group)
	binary.LittleEndian.PutUint16(h[2:], t.Element)
	copy(h[4:], vr)
	return h
}

// findULValue returns the value position of a 4-byte UL element, or -1
func findULValue(data []byte, t tag.Tag) int {
	h := append(elementHeader(t, "UL"), 4, 0)
	i := bytes.Index(data, h)
	if i < 0 || i+len(h)+4 > len(data) {
		return -1
	}
	return i + len(h)
}

// recordLayouts walks the directory record sequence of an explicit VR
// little endian file. It returns the offset of the sequence element and
// the records in file order.
func recordLayouts(data []byte) (int, []recordLayout, error) {
	header := append(elementHeader(tagDirectoryRecordSequence, "SQ"), 0, 0)
	sequence := bytes.Index(data, header)
	if sequence < 0 || sequence+12 > len(data) {
		return 0, nil, errDirectoryLayout
	}
	pos := sequence + 12
	end := len(data)
	if length := binary.LittleEndian.Uint32(data[sequence+8:]); length != undefinedLength {
		end = pos + int(length)
	}

	var layouts []recordLayout
	for pos+8 <= end {
		t := tagAt(data, pos)
		if t == sequenceDelimiter {
			break
		}
		if t != itemTag {
			return 0, nil, errDirectoryLayout
		}
		layout := recordLayout{start: pos, next: -1, lower: -1}
		itemEnd := end
		if length := binary.LittleEndian.Uint32(data[pos+4:]); length != undefinedLength {
			itemEnd = pos + 8 + int(length)
		}
		pos += 8

		for pos+8 <= itemEnd {
			t := tagAt(data, pos)
			if t == itemDelimiter {
				pos += 8
				break
			}
			vr := string(data[pos+4 : pos+6])
			valueStart := pos + 8
			length := int(binary.LittleEndian.Uint16(data[pos+6:]))
			if longLengthVRs[vr] {
				if pos+12 > itemEnd {
					return 0, nil, errDirectoryLayout
				}
				valueStart = pos + 12
				raw := binary.LittleEndian.Uint32(data[pos+8:])
				if raw == undefinedLength {
					return 0, nil, errDirectoryLayout
				}
				length = int(raw)
			}
			switch t {
			case tagOffsetNextRecord:
				layout.next = valueStart
			case tagOffsetLowerLevelEntity:
				layout.lower = valueStart
			}
			pos = valueStart + length
		}
		if pos > itemEnd || layout.next < 0 || layout.lower < 0 {
			return 0, nil, errDirectoryLayout
		}
		layouts = append(layouts, layout)
	}
	return sequence, layouts, nil
}
