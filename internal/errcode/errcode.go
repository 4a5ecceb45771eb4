package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Code is the closed set of error kinds surfaced by the store
type Code int

const (
	InternalError Code = iota + 1
	BadRequest
	BadFileFormat
	BadParameterType
	ParameterOutOfRange
	InexistentItem
	InexistentFile
	UnknownResource
	BadRange
	BadSequenceOfCalls
	AlreadyExistingTag
	CorruptedFile
	Database
	IncompatibleDatabaseVersion
	FullStorage
	CannotStoreInstance
	NetworkProtocol
	NotImplemented
	CanceledJob
	UnsupportedMediaType
	Forbidden
)

// StartPlugins is the first code available to plugin-defined errors
const StartPlugins Code = 1000000

var names = map[Code]string{
	InternalError:               "InternalError",
	BadRequest:                  "BadRequest",
	BadFileFormat:               "BadFileFormat",
	BadParameterType:            "BadParameterType",
	ParameterOutOfRange:         "ParameterOutOfRange",
	InexistentItem:              "InexistentItem",
	InexistentFile:              "InexistentFile",
	UnknownResource:             "UnknownResource",
	BadRange:                    "BadRange",
	BadSequenceOfCalls:          "BadSequenceOfCalls",
	AlreadyExistingTag:          "AlreadyExistingTag",
	CorruptedFile:               "CorruptedFile",
	Database:                    "Database",
	IncompatibleDatabaseVersion: "IncompatibleDatabaseVersion",
	FullStorage:                 "FullStorage",
	CannotStoreInstance:         "CannotStoreInstance",
	NetworkProtocol:             "NetworkProtocol",
	NotImplemented:              "NotImplemented",
	CanceledJob:                 "CanceledJob",
	UnsupportedMediaType:        "UnsupportedMediaType",
	Forbidden:                   "Forbidden",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	if p, ok := lookupPlugin(c); ok {
		return p.Message
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// HTTPStatus maps a code to the status returned at the HTTP boundary
func (c Code) HTTPStatus() int {
	switch c {
	case BadRequest, BadFileFormat, BadParameterType, ParameterOutOfRange, AlreadyExistingTag, BadSequenceOfCalls:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case InexistentItem, InexistentFile, UnknownResource:
		return http.StatusNotFound
	case UnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case BadRange:
		return http.StatusRequestedRangeNotSatisfiable
	case FullStorage:
		return http.StatusInsufficientStorage
	case NotImplemented:
		return http.StatusNotImplemented
	}
	if p, ok := lookupPlugin(c); ok {
		return p.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Error carries a code, optional details and an optional cause
type Error struct {
	Code    Code
	Details string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Details != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Details, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Details)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(code Code, details string) *Error {
	return &Error{Code: code, Details: details}
}

// Newf creates an error of the given kind with formatted details
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Details: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error
func Wrap(code Code, err error, details string) *Error {
	return &Error{Code: code, Details: details, Err: err}
}

// CodeOf extracts the code carried by err, InternalError if there is none
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// PluginError describes a plugin-defined error
type PluginError struct {
	Plugin     string
	Code       Code
	HTTPStatus int
	Message    string
}

var (
	pluginMu     sync.RWMutex
	pluginErrors = make(map[Code]PluginError)
)

// RegisterPluginError registers an error in the plugin range and returns its global code
func RegisterPluginError(plugin string, localCode int, httpStatus int, message string) (Code, error) {
	if localCode < 0 {
		return 0, New(ParameterOutOfRange, "negative plugin error code")
	}
	code := StartPlugins + Code(localCode)

	pluginMu.Lock()
	defer pluginMu.Unlock()

	if existing, ok := pluginErrors[code]; ok && existing.Plugin != plugin {
		return 0, Newf(AlreadyExistingTag, "error code %d already registered by plugin %s", code, existing.Plugin)
	}
	pluginErrors[code] = PluginError{
		Plugin:     plugin,
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    message,
	}
	return code, nil
}

func lookupPlugin(c Code) (PluginError, bool) {
	if c < StartPlugins {
		return PluginError{}, false
	}
	pluginMu.RLock()
	defer pluginMu.RUnlock()
	p, ok := pluginErrors[c]
	return p, ok
}
