package models

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Process-wide registries of user-defined metadata and attachment types,
// filled from configuration at startup.
var (
	registryMu sync.RWMutex

	userMetadata       = make(map[MetadataType]string)
	userMetadataByName = make(map[string]MetadataType)

	userContent       = make(map[FileContentType]userContentType)
	userContentByName = make(map[string]FileContentType)
)

type userContentType struct {
	name string
	mime string
}

// RegisterUserMetadata declares a named metadata in the user range
func RegisterUserMetadata(id MetadataType, name string) error {
	if !id.IsUserDefined() {
		return fmt.Errorf("metadata %d (%s) is outside the user range [%d..%d]", id, name, MetadataStartUser, MetadataEndUser)
	}
	if name == "" {
		return fmt.Errorf("empty name for user metadata %d", id)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := userMetadata[id]; ok && existing != name {
		return fmt.Errorf("metadata %d is already registered as %s", id, existing)
	}
	if _, ok := parseCoreMetadata(name); ok {
		return fmt.Errorf("metadata name %s is reserved", name)
	}
	userMetadata[id] = name
	userMetadataByName[name] = id
	return nil
}

// RegisterUserContentType declares a named attachment type in the user range
func RegisterUserContentType(id FileContentType, name, mime string) error {
	if !id.IsUserDefined() {
		return fmt.Errorf("content type %d (%s) is outside the user range [%d..%d]", id, name, ContentStartUser, ContentEndUser)
	}
	if name == "" {
		return fmt.Errorf("empty name for user content type %d", id)
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := userContent[id]; ok && existing.name != name {
		return fmt.Errorf("content type %d is already registered as %s", id, existing.name)
	}
	userContent[id] = userContentType{name: name, mime: mime}
	userContentByName[name] = id
	return nil
}

// ResetUserRegistries forgets every user-defined type
func ResetUserRegistries() {
	registryMu.Lock()
	defer registryMu.Unlock()

	userMetadata = make(map[MetadataType]string)
	userMetadataByName = make(map[string]MetadataType)
	userContent = make(map[FileContentType]userContentType)
	userContentByName = make(map[string]FileContentType)
}

func (m MetadataType) String() string {
	if s, ok := metadataNames[m]; ok {
		return s
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	if s, ok := userMetadata[m]; ok {
		return s
	}
	return strconv.Itoa(int(m))
}

func parseCoreMetadata(name string) (MetadataType, bool) {
	for id, s := range metadataNames {
		if strings.EqualFold(s, name) {
			return id, true
		}
	}
	return 0, false
}

// ParseMetadataType resolves a metadata by name or by numeric id
func ParseMetadataType(s string) (MetadataType, error) {
	if id, ok := parseCoreMetadata(s); ok {
		return id, nil
	}

	registryMu.RLock()
	id, ok := userMetadataByName[s]
	registryMu.RUnlock()
	if ok {
		return id, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown metadata: %q", s)
	}
	return MetadataType(n), nil
}

func (c FileContentType) String() string {
	switch c {
	case ContentDicom:
		return "dicom"
	case ContentDicomAsJSON:
		return "dicom-as-json"
	case ContentDicomUntilPixelData:
		return "dicom-until-pixel-data"
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	if u, ok := userContent[c]; ok {
		return u.name
	}
	return strconv.Itoa(int(c))
}

// MimeType is the MIME type used when the attachment is served over HTTP
func (c FileContentType) MimeType() string {
	switch c {
	case ContentDicom, ContentDicomUntilPixelData:
		return "application/dicom"
	case ContentDicomAsJSON:
		return "application/json"
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	if u, ok := userContent[c]; ok {
		return u.mime
	}
	return "application/octet-stream"
}

// ParseFileContentType resolves an attachment type by name or by numeric id
func ParseFileContentType(s string) (FileContentType, error) {
	switch strings.ToLower(s) {
	case "dicom":
		return ContentDicom, nil
	case "dicom-as-json":
		return ContentDicomAsJSON, nil
	case "dicom-until-pixel-data":
		return ContentDicomUntilPixelData, nil
	}

	registryMu.RLock()
	id, ok := userContentByName[s]
	registryMu.RUnlock()
	if ok {
		return id, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown content type: %q", s)
	}
	return FileContentType(n), nil
}
