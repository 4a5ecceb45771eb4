package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/patients", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Failure", body["Status"])
	assert.EqualValues(t, errcode.InternalError, body["ErrorCode"])
}

func TestRequestOrigin(t *testing.T) {
	var origin models.Origin
	var found bool
	h := RequestOrigin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin, found = GetOrigin(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/instances", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.SetBasicAuth("alice", "secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, found)
	assert.Equal(t, models.OriginRestAPI, origin.RequestOrigin)
	assert.Equal(t, "10.0.0.7", origin.RemoteIP)
	assert.Equal(t, "alice", origin.HTTPUsername)

	_, found = GetOrigin(req.Context())
	assert.False(t, found)
}

func TestLoggingKeepsStatus(t *testing.T) {
	h := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statistics", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
