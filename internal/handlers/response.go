package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/rs/zerolog/log"
)

// maxRequestBody bounds JSON and metadata request bodies
const maxRequestBody = 1 << 20

type errorResponse struct {
	Status    string `json:"Status"`
	HTTPError int    `json:"HttpStatus"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	Details   string `json:"Details,omitempty"`
	Method    string `json:"Method"`
	URI       string `json:"Uri"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, s)
}

// writeError answers with the status carried by the error code
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errcode.CodeOf(err)
	status := code.HTTPStatus()

	resp := errorResponse{
		Status:    "Failure",
		HTTPError: status,
		ErrorCode: int(code),
		Message:   code.String(),
		Method:    r.Method,
		URI:       r.URL.RequestURI(),
	}
	var e *errcode.Error
	if errors.As(err, &e) {
		resp.Details = e.Details
	}

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")

	writeJSON(w, status, resp)
}

type levelKey struct{}

// withLevel binds the resource level of a route group
func withLevel(level models.ResourceType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), levelKey{}, level)))
		})
	}
}

// levelParam returns the level bound by withLevel
func levelParam(r *http.Request) (models.ResourceType, error) {
	level, ok := r.Context().Value(levelKey{}).(models.ResourceType)
	if !ok {
		return 0, errcode.New(errcode.UnknownResource, "no resource level in route")
	}
	return level, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errcode.Newf(errcode.BadParameterType, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	if !r.URL.Query().Has(name) {
		return false
	}
	v := r.URL.Query().Get(name)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// readBody reads a bounded request body
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, errcode.Wrap(errcode.BadRequest, err, "cannot read request body")
	}
	if len(data) > maxRequestBody {
		return nil, errcode.New(errcode.BadRequest, "request body too large")
	}
	return data, nil
}

// decodeJSON decodes a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errcode.Wrap(errcode.BadFileFormat, err, "invalid JSON body")
	}
	return nil
}

// resourcePath is the REST location of a resource
func resourcePath(level models.ResourceType, publicID string) string {
	return "/" + level.Plural() + "/" + publicID
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
