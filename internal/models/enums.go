package models

import (
	"fmt"
	"strings"
)

// ResourceType is the level of a resource in the Patient/Study/Series/Instance tree
type ResourceType int

const (
	ResourcePatient ResourceType = iota + 1
	ResourceStudy
	ResourceSeries
	ResourceInstance
)

var resourceTypeNames = map[ResourceType]string{
	ResourcePatient:  "Patient",
	ResourceStudy:    "Study",
	ResourceSeries:   "Series",
	ResourceInstance: "Instance",
}

func (r ResourceType) String() string {
	if s, ok := resourceTypeNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ResourceType(%d)", int(r))
}

// Plural returns the REST collection name of the level
func (r ResourceType) Plural() string {
	switch r {
	case ResourcePatient:
		return "patients"
	case ResourceStudy:
		return "studies"
	case ResourceSeries:
		return "series"
	case ResourceInstance:
		return "instances"
	}
	return ""
}

// Valid reports whether r is one of the four levels
func (r ResourceType) Valid() bool {
	return r >= ResourcePatient && r <= ResourceInstance
}

// Child returns the level below r
func (r ResourceType) Child() (ResourceType, bool) {
	if r < ResourcePatient || r >= ResourceInstance {
		return 0, false
	}
	return r + 1, true
}

// Parent returns the level above r
func (r ResourceType) Parent() (ResourceType, bool) {
	if r <= ResourcePatient || r > ResourceInstance {
		return 0, false
	}
	return r - 1, true
}

// ParseResourceType accepts "Patient", "patients", "STUDY", "image", ...
func ParseResourceType(s string) (ResourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient", "patients":
		return ResourcePatient, nil
	case "study", "studies":
		return ResourceStudy, nil
	case "series":
		return ResourceSeries, nil
	case "instance", "instances", "image", "images":
		return ResourceInstance, nil
	}
	return 0, fmt.Errorf("unknown resource type: %q", s)
}

func (r ResourceType) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ResourceType) UnmarshalText(b []byte) error {
	v, err := ParseResourceType(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// FileContentType identifies the kind of an attachment
type FileContentType int

const (
	ContentDicom               FileContentType = 1
	ContentDicomAsJSON         FileContentType = 2
	ContentDicomUntilPixelData FileContentType = 3

	ContentStartUser FileContentType = 1024
	ContentEndUser   FileContentType = 65535
)

// IsUserDefined reports whether the content type belongs to the user range
func (c FileContentType) IsUserDefined() bool {
	return c >= ContentStartUser && c <= ContentEndUser
}

// CompressionType is the codec applied to a stored attachment
type CompressionType int

const (
	CompressionNone         CompressionType = 1
	CompressionZlibWithSize CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionZlibWithSize:
		return "ZlibWithSize"
	}
	return fmt.Sprintf("CompressionType(%d)", int(c))
}

// ParseCompressionType maps configuration values to a codec
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "zlib", "zlibwithsize":
		return CompressionZlibWithSize, nil
	}
	return 0, fmt.Errorf("unknown compression type: %q", s)
}

// MetadataType is the key of a metadata entry
type MetadataType int

const (
	MetadataIndexInSeries             MetadataType = 1
	MetadataReceptionDate             MetadataType = 2
	MetadataRemoteAET                 MetadataType = 3
	MetadataExpectedNumberOfInstances MetadataType = 4
	MetadataModifiedFrom              MetadataType = 5
	MetadataAnonymizedFrom            MetadataType = 6
	MetadataLastUpdate                MetadataType = 7
	MetadataOrigin                    MetadataType = 8
	MetadataTransferSyntax            MetadataType = 9
	MetadataSopClassUID               MetadataType = 10
	MetadataRemoteIP                  MetadataType = 11
	MetadataCalledAET                 MetadataType = 12
	MetadataHTTPUsername              MetadataType = 13
	MetadataPixelDataOffset           MetadataType = 14
	MetadataMainDicomTagsSignature    MetadataType = 15

	MetadataStartUser MetadataType = 1024
	MetadataEndUser   MetadataType = 65535
)

var metadataNames = map[MetadataType]string{
	MetadataIndexInSeries:             "IndexInSeries",
	MetadataReceptionDate:             "ReceptionDate",
	MetadataRemoteAET:                 "RemoteAET",
	MetadataExpectedNumberOfInstances: "ExpectedNumberOfInstances",
	MetadataModifiedFrom:              "ModifiedFrom",
	MetadataAnonymizedFrom:            "AnonymizedFrom",
	MetadataLastUpdate:                "LastUpdate",
	MetadataOrigin:                    "Origin",
	MetadataTransferSyntax:            "TransferSyntax",
	MetadataSopClassUID:               "SopClassUid",
	MetadataRemoteIP:                  "RemoteIP",
	MetadataCalledAET:                 "CalledAET",
	MetadataHTTPUsername:              "HttpUsername",
	MetadataPixelDataOffset:           "PixelDataOffset",
	MetadataMainDicomTagsSignature:    "MainDicomTagsSignature",
}

// IsUserDefined reports whether the metadata belongs to the user range
func (m MetadataType) IsUserDefined() bool {
	return m >= MetadataStartUser && m <= MetadataEndUser
}

// ChangeType is the kind of an entry of the change log
type ChangeType int

const (
	ChangeCompletedSeries   ChangeType = 1
	ChangeNewInstance       ChangeType = 2
	ChangeNewPatient        ChangeType = 3
	ChangeNewSeries         ChangeType = 4
	ChangeNewStudy          ChangeType = 5
	ChangeAnonymizedStudy   ChangeType = 6
	ChangeAnonymizedSeries  ChangeType = 7
	ChangeModifiedStudy     ChangeType = 8
	ChangeModifiedSeries    ChangeType = 9
	ChangeAnonymizedPatient ChangeType = 10
	ChangeModifiedPatient   ChangeType = 11
	ChangeStablePatient     ChangeType = 12
	ChangeStableStudy       ChangeType = 13
	ChangeStableSeries      ChangeType = 14
	ChangeUpdatedAttachment ChangeType = 15
	ChangeUpdatedMetadata   ChangeType = 16

	// Not persisted in the change log
	ChangeDeleted          ChangeType = 4096
	ChangeNewChildInstance ChangeType = 4097
)

var changeNames = map[ChangeType]string{
	ChangeCompletedSeries:   "CompletedSeries",
	ChangeNewInstance:       "NewInstance",
	ChangeNewPatient:        "NewPatient",
	ChangeNewSeries:         "NewSeries",
	ChangeNewStudy:          "NewStudy",
	ChangeAnonymizedStudy:   "AnonymizedStudy",
	ChangeAnonymizedSeries:  "AnonymizedSeries",
	ChangeModifiedStudy:     "ModifiedStudy",
	ChangeModifiedSeries:    "ModifiedSeries",
	ChangeAnonymizedPatient: "AnonymizedPatient",
	ChangeModifiedPatient:   "ModifiedPatient",
	ChangeStablePatient:     "StablePatient",
	ChangeStableStudy:       "StableStudy",
	ChangeStableSeries:      "StableSeries",
	ChangeUpdatedAttachment: "UpdatedAttachment",
	ChangeUpdatedMetadata:   "UpdatedMetadata",
	ChangeDeleted:           "Deleted",
	ChangeNewChildInstance:  "NewChildInstance",
}

func (c ChangeType) String() string {
	if s, ok := changeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ChangeType(%d)", int(c))
}

func (c ChangeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Persisted reports whether changes of this type go to the change log
func (c ChangeType) Persisted() bool {
	return c < ChangeDeleted
}

// GlobalProperty keys the singleton properties of the index
type GlobalProperty int

const (
	PropertyDatabaseSchemaVersion GlobalProperty = 1
	PropertyFlushSleep            GlobalProperty = 2
	PropertyAnonymizationSequence GlobalProperty = 3
	PropertyDatabasePatchLevel    GlobalProperty = 4
	PropertyJobsRegistry          GlobalProperty = 5
	PropertyGetTotalSizeIsFast    GlobalProperty = 6
)

// StoreStatus is the outcome of an ingestion
type StoreStatus int

const (
	StoreSuccess StoreStatus = iota + 1
	StoreAlreadyStored
	StoreFailure
	StoreFilteredOut
	StoreStorageFull
)

func (s StoreStatus) String() string {
	switch s {
	case StoreSuccess:
		return "Success"
	case StoreAlreadyStored:
		return "AlreadyStored"
	case StoreFailure:
		return "Failure"
	case StoreFilteredOut:
		return "FilteredOut"
	case StoreStorageFull:
		return "StorageFull"
	}
	return fmt.Sprintf("StoreStatus(%d)", int(s))
}

func (s StoreStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RequestOrigin is the channel through which an instance was received
type RequestOrigin int

const (
	OriginUnknown RequestOrigin = iota
	OriginDicomProtocol
	OriginRestAPI
	OriginPlugins
	OriginLua
	OriginWebDav
)

func (o RequestOrigin) String() string {
	switch o {
	case OriginDicomProtocol:
		return "DicomProtocol"
	case OriginRestAPI:
		return "RestApi"
	case OriginPlugins:
		return "Plugins"
	case OriginLua:
		return "Lua"
	case OriginWebDav:
		return "WebDav"
	}
	return "Unknown"
}

// FindStorageAccessMode controls when lookups may read attachments from disk
type FindStorageAccessMode int

const (
	FindDatabaseOnly FindStorageAccessMode = iota
	FindDiskOnAnswer
	FindDiskOnLookupAndAnswer
)

// ParseFindStorageAccessMode maps configuration values to a mode
func ParseFindStorageAccessMode(s string) (FindStorageAccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always", "disklookupandanswer", "diskonlookupandanswer":
		return FindDiskOnLookupAndAnswer, nil
	case "answers", "diskonanswer":
		return FindDiskOnAnswer, nil
	case "never", "databaseonly":
		return FindDatabaseOnly, nil
	}
	return 0, fmt.Errorf("unknown storage access mode: %q", s)
}

// MaxStorageMode is the policy applied when the storage quota is reached
type MaxStorageMode int

const (
	MaxStorageRecycle MaxStorageMode = iota
	MaxStorageReject
)

// ParseMaxStorageMode maps configuration values to a policy
func ParseMaxStorageMode(s string) (MaxStorageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "recycle":
		return MaxStorageRecycle, nil
	case "reject":
		return MaxStorageReject, nil
	}
	return 0, fmt.Errorf("unknown maximum storage mode: %q", s)
}

// ConstraintType is the comparison applied by a lookup constraint
type ConstraintType int

const (
	ConstraintEqual ConstraintType = iota
	ConstraintSmallerOrEqual
	ConstraintGreaterOrEqual
	ConstraintWildcard
	ConstraintList
)
