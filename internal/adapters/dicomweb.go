package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

const defaultTimeout = 30 * time.Second

// httpPeer holds the HTTP client and credentials shared by REST peers
type httpPeer struct {
	BasePeer
	client   *http.Client
	baseURL  string
	username string
	password string
	apiKey   string
}

func newHTTPPeer(config models.PeerConfig) (httpPeer, error) {
	if config.URL == "" {
		return httpPeer{}, fmt.Errorf("peer %s has no URL", config.Name)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return httpPeer{
		BasePeer: BasePeer{config: config},
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL:  strings.TrimRight(config.URL, "/"),
		username: config.Username,
		password: config.Password,
		apiKey:   config.APIKey,
	}, nil
}

// do executes a request and fails on any status other than the accepted ones
func (p *httpPeer) do(req *http.Request, accepted ...int) error {
	p.addAuth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.NetworkProtocol, err, fmt.Sprintf("cannot reach peer %s", p.Name()))
	}
	defer resp.Body.Close()

	for _, status := range accepted {
		if resp.StatusCode == status {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errcode.Newf(errcode.NetworkProtocol, "peer %s returned status %d: %s", p.Name(), resp.StatusCode, string(body))
}

// addAuth adds authentication to the request
func (p *httpPeer) addAuth(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	} else if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}
}

func (p *httpPeer) check(ctx context.Context, path, accept string) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	err = p.do(req, http.StatusOK, http.StatusNoContent)

	status.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		status.ErrorMessage = err.Error()
		return status, err
	}
	status.IsConnected = true
	return status, nil
}

// Close closes the peer
func (p *httpPeer) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// DICOMWebPeer sends instances with STOW-RS
type DICOMWebPeer struct {
	httpPeer
}

// NewDICOMWebPeer creates a DICOMweb peer. The URL is the DICOMweb root,
// for instance http://pacs:8042/dicom-web.
func NewDICOMWebPeer(config models.PeerConfig) (*DICOMWebPeer, error) {
	base, err := newHTTPPeer(config)
	if err != nil {
		return nil, err
	}
	return &DICOMWebPeer{httpPeer: base}, nil
}

func (d *DICOMWebPeer) Type() models.PeerType {
	return models.PeerTypeDICOMWeb
}

// Store posts the instance as a single-part multipart/related body
func (d *DICOMWebPeer) Store(ctx context.Context, dicom []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "application/dicom")
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err := part.Write(dicom); err != nil {
		return fmt.Errorf("failed to create multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to create multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/studies", &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	req.Header.Set("Accept", "application/dicom+json")

	return d.do(req, http.StatusOK, http.StatusAccepted)
}

// TestConnection runs an empty QIDO-RS query
func (d *DICOMWebPeer) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return d.check(ctx, "/studies?limit=1", "application/dicom+json")
}

// OrthancPeer sends instances to the REST API of another store
type OrthancPeer struct {
	httpPeer
}

// NewOrthancPeer creates a REST peer whose URL is the root of the remote API
func NewOrthancPeer(config models.PeerConfig) (*OrthancPeer, error) {
	base, err := newHTTPPeer(config)
	if err != nil {
		return nil, err
	}
	return &OrthancPeer{httpPeer: base}, nil
}

func (o *OrthancPeer) Type() models.PeerType {
	return models.PeerTypeOrthanc
}

// Store posts the raw file to /instances
func (o *OrthancPeer) Store(ctx context.Context, dicom []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/instances", bytes.NewReader(dicom))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/dicom")
	return o.do(req, http.StatusOK)
}

// TestConnection reads the statistics of the remote store
func (o *OrthancPeer) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return o.check(ctx, "/statistics", "application/json")
}
