package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quillhost/quill/pkg/pluginsdk"
)

const (
	userAgent = "quill-registry/1.0"

	// maxArtifactSize caps a single artifact download (100MB).
	maxArtifactSize = 100 * 1024 * 1024
)

// HTTPTransport talks to a catalog served over HTTP: an index document at
// /index.json, per-plugin versions at /plugins/<id>/versions.json, and
// artifacts at whatever URLs the catalog names.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// NewHTTPTransport creates a transport for the registry at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FetchIndex downloads and decodes the catalog index.
func (t *HTTPTransport) FetchIndex(ctx context.Context) (*pluginsdk.CatalogIndex, error) {
	indexURL, err := url.JoinPath(t.baseURL, "index.json")
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL: %w", err)
	}

	body, err := t.get(ctx, indexURL, 16*1024*1024)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var index pluginsdk.CatalogIndex
	if err := json.NewDecoder(body).Decode(&index); err != nil {
		return nil, fmt.Errorf("decode catalog index: %w", err)
	}
	return &index, nil
}

// FetchVersions downloads the published versions of a plugin.
func (t *HTTPTransport) FetchVersions(ctx context.Context, id string) ([]pluginsdk.VersionInfo, error) {
	versionsURL, err := url.JoinPath(t.baseURL, "plugins", url.PathEscape(id), "versions.json")
	if err != nil {
		return nil, fmt.Errorf("invalid registry URL: %w", err)
	}

	body, err := t.get(ctx, versionsURL, 1024*1024)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var versions []pluginsdk.VersionInfo
	if err := json.NewDecoder(body).Decode(&versions); err != nil {
		return nil, fmt.Errorf("decode versions: %w", err)
	}
	return versions, nil
}

// Download fetches an artifact, capped at maxArtifactSize.
func (t *HTTPTransport) Download(ctx context.Context, artifactURL string) ([]byte, error) {
	body, err := t.get(ctx, artifactURL, maxArtifactSize)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (t *HTTPTransport) get(ctx context.Context, rawURL string, maxSize int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet, readErr := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("registry returned %d and failed to read body: %w", resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(snippet))
	}

	return readCloser{io.LimitReader(resp.Body, maxSize), resp.Body}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
