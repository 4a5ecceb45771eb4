package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DicomTag is a (group, element) pair
type DicomTag struct {
	Group   uint16
	Element uint16
}

func (t DicomTag) String() string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}

func (t DicomTag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DicomTag) UnmarshalText(b []byte) error {
	v, err := ParseDicomTag(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Less orders tags by group then element
func (t DicomTag) Less(o DicomTag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

var (
	TagPatientName                 = DicomTag{0x0010, 0x0010}
	TagPatientID                   = DicomTag{0x0010, 0x0020}
	TagPatientBirthDate            = DicomTag{0x0010, 0x0030}
	TagPatientSex                  = DicomTag{0x0010, 0x0040}
	TagOtherPatientIDs             = DicomTag{0x0010, 0x1000}
	TagStudyDate                   = DicomTag{0x0008, 0x0020}
	TagStudyTime                   = DicomTag{0x0008, 0x0030}
	TagStudyID                     = DicomTag{0x0020, 0x0010}
	TagStudyDescription            = DicomTag{0x0008, 0x1030}
	TagAccessionNumber             = DicomTag{0x0008, 0x0050}
	TagStudyInstanceUID            = DicomTag{0x0020, 0x000d}
	TagRequestedProcedureDesc      = DicomTag{0x0032, 0x1060}
	TagInstitutionName             = DicomTag{0x0008, 0x0080}
	TagRequestingPhysician         = DicomTag{0x0032, 0x1032}
	TagReferringPhysicianName      = DicomTag{0x0008, 0x0090}
	TagModalitiesInStudy           = DicomTag{0x0008, 0x0061}
	TagSeriesDate                  = DicomTag{0x0008, 0x0021}
	TagSeriesTime                  = DicomTag{0x0008, 0x0031}
	TagModality                    = DicomTag{0x0008, 0x0060}
	TagManufacturer                = DicomTag{0x0008, 0x0070}
	TagStationName                 = DicomTag{0x0008, 0x1010}
	TagSeriesDescription           = DicomTag{0x0008, 0x103e}
	TagBodyPartExamined            = DicomTag{0x0018, 0x0015}
	TagProtocolName                = DicomTag{0x0018, 0x1030}
	TagSeriesNumber                = DicomTag{0x0020, 0x0011}
	TagSeriesInstanceUID           = DicomTag{0x0020, 0x000e}
	TagOperatorsName               = DicomTag{0x0008, 0x1070}
	TagPerformedProcedureStepDesc  = DicomTag{0x0040, 0x0254}
	TagImagesInAcquisition         = DicomTag{0x0020, 0x1002}
	TagNumberOfSlices              = DicomTag{0x0054, 0x0081}
	TagInstanceCreationDate        = DicomTag{0x0008, 0x0012}
	TagInstanceCreationTime        = DicomTag{0x0008, 0x0013}
	TagAcquisitionNumber           = DicomTag{0x0020, 0x0012}
	TagImageIndex                  = DicomTag{0x0054, 0x1330}
	TagInstanceNumber              = DicomTag{0x0020, 0x0013}
	TagNumberOfFrames              = DicomTag{0x0028, 0x0008}
	TagSOPInstanceUID              = DicomTag{0x0008, 0x0018}
	TagSOPClassUID                 = DicomTag{0x0008, 0x0016}
	TagImagePositionPatient        = DicomTag{0x0020, 0x0032}
	TagImageComments               = DicomTag{0x0020, 0x4000}
	TagTransferSyntaxUID           = DicomTag{0x0002, 0x0010}
	TagMediaStorageSOPClassUID     = DicomTag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID  = DicomTag{0x0002, 0x0003}
	TagPixelData                   = DicomTag{0x7fe0, 0x0010}
	TagSpecificCharacterSet        = DicomTag{0x0008, 0x0005}
	TagNumberOfStudyRelatedSeries  = DicomTag{0x0020, 0x1206}
	TagNumberOfSeriesRelatedInstan = DicomTag{0x0020, 0x1209}
)

type mainTag struct {
	tag  DicomTag
	name string
}

var mainTags = map[ResourceType][]mainTag{
	ResourcePatient: {
		{TagPatientName, "PatientName"},
		{TagPatientID, "PatientID"},
		{TagPatientBirthDate, "PatientBirthDate"},
		{TagPatientSex, "PatientSex"},
		{TagOtherPatientIDs, "OtherPatientIDs"},
	},
	ResourceStudy: {
		{TagStudyDate, "StudyDate"},
		{TagStudyTime, "StudyTime"},
		{TagStudyID, "StudyID"},
		{TagStudyDescription, "StudyDescription"},
		{TagAccessionNumber, "AccessionNumber"},
		{TagStudyInstanceUID, "StudyInstanceUID"},
		{TagRequestedProcedureDesc, "RequestedProcedureDescription"},
		{TagInstitutionName, "InstitutionName"},
		{TagRequestingPhysician, "RequestingPhysician"},
		{TagReferringPhysicianName, "ReferringPhysicianName"},
	},
	ResourceSeries: {
		{TagSeriesDate, "SeriesDate"},
		{TagSeriesTime, "SeriesTime"},
		{TagModality, "Modality"},
		{TagManufacturer, "Manufacturer"},
		{TagStationName, "StationName"},
		{TagSeriesDescription, "SeriesDescription"},
		{TagBodyPartExamined, "BodyPartExamined"},
		{TagProtocolName, "ProtocolName"},
		{TagSeriesNumber, "SeriesNumber"},
		{TagSeriesInstanceUID, "SeriesInstanceUID"},
		{TagOperatorsName, "OperatorsName"},
		{TagPerformedProcedureStepDesc, "PerformedProcedureStepDescription"},
		{TagImagesInAcquisition, "ImagesInAcquisition"},
		{TagNumberOfSlices, "NumberOfSlices"},
	},
	ResourceInstance: {
		{TagInstanceCreationDate, "InstanceCreationDate"},
		{TagInstanceCreationTime, "InstanceCreationTime"},
		{TagAcquisitionNumber, "AcquisitionNumber"},
		{TagImageIndex, "ImageIndex"},
		{TagInstanceNumber, "InstanceNumber"},
		{TagNumberOfFrames, "NumberOfFrames"},
		{TagSOPInstanceUID, "SOPInstanceUID"},
		{TagImagePositionPatient, "ImagePositionPatient"},
		{TagImageComments, "ImageComments"},
	},
}

var extraTagNames = map[DicomTag]string{
	TagModalitiesInStudy:          "ModalitiesInStudy",
	TagSOPClassUID:                "SOPClassUID",
	TagTransferSyntaxUID:          "TransferSyntaxUID",
	TagMediaStorageSOPClassUID:    "MediaStorageSOPClassUID",
	TagMediaStorageSOPInstanceUID: "MediaStorageSOPInstanceUID",
	TagSpecificCharacterSet:       "SpecificCharacterSet",
}

// MainDicomTags lists the tags stored in the index for a level
func MainDicomTags(level ResourceType) []DicomTag {
	entries := mainTags[level]
	tags := make([]DicomTag, len(entries))
	for i, e := range entries {
		tags[i] = e.tag
	}
	return tags
}

// IsMainDicomTag reports whether t is stored in the index at level
func IsMainDicomTag(t DicomTag, level ResourceType) bool {
	for _, e := range mainTags[level] {
		if e.tag == t {
			return true
		}
	}
	return false
}

// MainDicomTagLevel returns the level at which t is a main tag
func MainDicomTagLevel(t DicomTag) (ResourceType, bool) {
	for level := ResourcePatient; level <= ResourceInstance; level++ {
		if IsMainDicomTag(t, level) {
			return level, true
		}
	}
	return 0, false
}

// MainDicomTagsSignature describes the set of main tags stored at a level
func MainDicomTagsSignature(level ResourceType) string {
	tags := MainDicomTags(level)
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.String()
	}
	return strings.Join(parts, ";")
}

// IdentifierTags are the normalized tags indexed for lookups at a level
func IdentifierTags(level ResourceType) []DicomTag {
	switch level {
	case ResourcePatient:
		return []DicomTag{TagPatientID}
	case ResourceStudy:
		return []DicomTag{TagStudyInstanceUID, TagAccessionNumber}
	case ResourceSeries:
		return []DicomTag{TagSeriesInstanceUID}
	case ResourceInstance:
		return []DicomTag{TagSOPInstanceUID}
	}
	return nil
}

// IsIdentifierTag reports whether t is indexed at level
func IsIdentifierTag(t DicomTag, level ResourceType) bool {
	for _, id := range IdentifierTags(level) {
		if id == t {
			return true
		}
	}
	return false
}

// TagName returns the keyword of a tag known to the index, or its numeric form
func TagName(t DicomTag) string {
	for _, entries := range mainTags {
		for _, e := range entries {
			if e.tag == t {
				return e.name
			}
		}
	}
	if name, ok := extraTagNames[t]; ok {
		return name
	}
	return t.String()
}

// ParseDicomTag accepts "0010,0020", "00100020" or a keyword of a known tag
func ParseDicomTag(s string) (DicomTag, error) {
	s = strings.TrimSpace(s)
	hex := strings.ReplaceAll(s, ",", "")
	if len(hex) == 8 {
		if n, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return DicomTag{Group: uint16(n >> 16), Element: uint16(n)}, nil
		}
	}
	for _, entries := range mainTags {
		for _, e := range entries {
			if strings.EqualFold(e.name, s) {
				return e.tag, nil
			}
		}
	}
	for t, name := range extraTagNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return DicomTag{}, fmt.Errorf("unknown DICOM tag: %q", s)
}

// DicomMap is a flat tag to value map
type DicomMap map[DicomTag]string

// Get returns the value of t and whether it is present
func (m DicomMap) Get(t DicomTag) (string, bool) {
	v, ok := m[t]
	return v, ok
}

// Value returns the value of t or an empty string
func (m DicomMap) Value(t DicomTag) string {
	return m[t]
}

// Has reports whether t is present
func (m DicomMap) Has(t DicomTag) bool {
	_, ok := m[t]
	return ok
}

// Clone returns an independent copy
func (m DicomMap) Clone() DicomMap {
	out := make(DicomMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge adds the tags of other that are absent from m
func (m DicomMap) Merge(other DicomMap) {
	for k, v := range other {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
}

// ExtractLevel keeps only the main tags of level
func (m DicomMap) ExtractLevel(level ResourceType) DicomMap {
	out := make(DicomMap)
	for _, t := range MainDicomTags(level) {
		if v, ok := m[t]; ok {
			out[t] = v
		}
	}
	return out
}

// Tags returns the tags of m in ascending order
func (m DicomMap) Tags() []DicomTag {
	tags := make([]DicomTag, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Less(tags[j]) })
	return tags
}

// Simplify converts the map to keyword keys, used in JSON answers
func (m DicomMap) Simplify() map[string]string {
	out := make(map[string]string, len(m))
	for t, v := range m {
		out[TagName(t)] = v
	}
	return out
}
