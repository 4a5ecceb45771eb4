package adapters

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDICOMWebStore(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dicom-web/studies", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		assert.Equal(t, "multipart/related", mediaType)
		assert.Equal(t, "application/dicom", params["type"])

		mr := multipart.NewReader(r.Body, params["boundary"])
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "application/dicom", part.Header.Get("Content-Type"))
		received, err = io.ReadAll(part)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	registry, err := NewRegistry([]models.PeerConfig{{
		Name:   "pacs",
		Type:   models.PeerTypeDICOMWeb,
		URL:    srv.URL + "/dicom-web/",
		APIKey: "secret",
	}})
	require.NoError(t, err)
	defer registry.CloseAll()

	peer, err := registry.Get("pacs")
	require.NoError(t, err)
	require.NoError(t, peer.Store(context.Background(), []byte("payload")))
	assert.Equal(t, []byte("payload"), received)
}

func TestOrthancStoreFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "pw", pass)
		http.Error(w, "disk full", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	peer, err := NewOrthancPeer(models.PeerConfig{Name: "other", Type: models.PeerTypeOrthanc, URL: srv.URL, Username: "alice", Password: "pw"})
	require.NoError(t, err)

	err = peer.Store(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.NetworkProtocol))
	assert.Contains(t, err.Error(), "507")
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/studies", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	peer, err := NewDICOMWebPeer(models.PeerConfig{Name: "pacs", Type: models.PeerTypeDICOMWeb, URL: srv.URL})
	require.NoError(t, err)
	status, err := peer.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsConnected)
}

func TestRegistry(t *testing.T) {
	_, err := NewRegistry([]models.PeerConfig{{Name: "x", Type: "dimse", URL: "http://x"}})
	assert.Error(t, err)

	_, err = NewRegistry([]models.PeerConfig{
		{Name: "x", Type: models.PeerTypeOrthanc, URL: "http://x"},
		{Name: "x", Type: models.PeerTypeOrthanc, URL: "http://y"},
	})
	assert.Error(t, err)

	r, err := NewRegistry([]models.PeerConfig{
		{Name: "b", Type: models.PeerTypeOrthanc, URL: "http://b"},
		{Name: "a", Type: models.PeerTypeDICOMWeb, URL: "http://a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err = r.Get("c")
	assert.True(t, errcode.Is(err, errcode.UnknownResource))
	require.NoError(t, r.CloseAll())
	assert.Empty(t, r.Names())
}
