package models

import (
	"encoding/json"
	"fmt"
)

// Value kinds of a DicomAsJson element
const (
	JSONTypeString   = "String"
	JSONTypeSequence = "Sequence"
	JSONTypeNull     = "Null"
	JSONTypeBinary   = "Binary"
	JSONTypeTooLong  = "TooLong"
)

// DicomJSONElement is one entry of the DicomAsJson attachment
type DicomJSONElement struct {
	Name  string          `json:"Name"`
	Type  string          `json:"Type"`
	Value json.RawMessage `json:"Value"`
}

// DicomJSON is the DicomAsJson attachment: "gggg,eeee" -> element
type DicomJSON map[string]DicomJSONElement

// StringElement builds a String entry
func StringElement(tag DicomTag, value string) DicomJSONElement {
	raw, _ := json.Marshal(value)
	return DicomJSONElement{Name: TagName(tag), Type: JSONTypeString, Value: raw}
}

// ParseDicomAsJSON decodes the top-level String elements of a DicomAsJson
// attachment; sequences and binary values are skipped
func ParseDicomAsJSON(data []byte) (DicomMap, error) {
	var doc DicomJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode DICOM JSON: %w", err)
	}
	return doc.ToDicomMap()
}

// ToDicomMap keeps the String elements
func (d DicomJSON) ToDicomMap() (DicomMap, error) {
	out := make(DicomMap, len(d))
	for key, element := range d {
		if element.Type != JSONTypeString {
			continue
		}
		tag, err := ParseDicomTag(key)
		if err != nil {
			return nil, err
		}
		var value string
		if err := json.Unmarshal(element.Value, &value); err != nil {
			return nil, fmt.Errorf("bad value for tag %s: %w", key, err)
		}
		out[tag] = value
	}
	return out, nil
}

// Simplify converts the document to keyword keys, recursing into sequences
func (d DicomJSON) Simplify() map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for key, element := range d {
		name := element.Name
		if name == "" {
			name = key
		}
		switch element.Type {
		case JSONTypeString:
			var s string
			_ = json.Unmarshal(element.Value, &s)
			out[name] = s
		case JSONTypeSequence:
			var items []DicomJSON
			_ = json.Unmarshal(element.Value, &items)
			simplified := make([]map[string]interface{}, len(items))
			for i, item := range items {
				simplified[i] = item.Simplify()
			}
			out[name] = simplified
		default:
			out[name] = nil
		}
	}
	return out
}
