package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		BadRequest:           http.StatusBadRequest,
		Forbidden:            http.StatusForbidden,
		UnknownResource:      http.StatusNotFound,
		InexistentFile:       http.StatusNotFound,
		UnsupportedMediaType: http.StatusUnsupportedMediaType,
		InternalError:        http.StatusInternalServerError,
		CorruptedFile:        http.StatusInternalServerError,
		FullStorage:          http.StatusInsufficientStorage,
	}
	for code, status := range cases {
		assert.Equal(t, status, code.HTTPStatus(), code.String())
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("reading attachment: %w", New(CorruptedFile, "md5 mismatch"))

	assert.Equal(t, CorruptedFile, CodeOf(err))
	assert.True(t, Is(err, CorruptedFile))
	assert.False(t, Is(err, BadRange))
	assert.Equal(t, InternalError, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(0), CodeOf(nil))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk gone")
	err := Wrap(Database, cause, "commit")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Database")
	assert.Contains(t, err.Error(), "commit")
}

func TestRegisterPluginError(t *testing.T) {
	code, err := RegisterPluginError("sample", 42, http.StatusTeapot, "Sample failure")
	require.NoError(t, err)

	assert.Equal(t, StartPlugins+42, code)
	assert.Equal(t, http.StatusTeapot, code.HTTPStatus())
	assert.Equal(t, "Sample failure", code.String())

	_, err = RegisterPluginError("other", 42, http.StatusBadRequest, "clash")
	assert.True(t, Is(err, AlreadyExistingTag))
}
