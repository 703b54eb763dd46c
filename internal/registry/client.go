// Package registry discovers plugins from an external catalog and caches
// the results behind a time-based staleness policy.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quillhost/quill/pkg/pluginsdk"
)

// DefaultFreshnessWindow is the maximum age of cached catalog data before a
// re-sync is attempted.
const DefaultFreshnessWindow = 24 * time.Hour

// DefaultSearchLimit caps search results when the caller does not choose.
const DefaultSearchLimit = 50

// MaxSearchLimit is the hard cap enforced even for larger caller limits.
const MaxSearchLimit = 50

// Transport fetches catalog data from a remote registry. Its wire protocol
// is out of scope here; see HTTPTransport for the production implementation.
type Transport interface {
	FetchIndex(ctx context.Context) (*pluginsdk.CatalogIndex, error)
	FetchVersions(ctx context.Context, id string) ([]pluginsdk.VersionInfo, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Option configures a Client.
type Option func(*Client)

// WithFreshnessWindow sets the cache staleness window.
func WithFreshnessWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.freshness = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client serves plugin discovery from a cached catalog index. Reads never
// fail because of a sync failure: the cache, possibly stale, is served and
// the failure logged, so discovery problems cannot block installed plugins.
type Client struct {
	transport Transport
	freshness time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	entries  []*pluginsdk.CatalogEntry
	byID     map[string]*pluginsdk.CatalogEntry
	lastSync time.Time
}

// NewClient creates a registry client over the given transport.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		freshness: DefaultFreshnessWindow,
		logger:    slog.Default().With("component", "registry"),
		now:       time.Now,
		byID:      make(map[string]*pluginsdk.CatalogEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastSync returns the time of the last successful catalog sync.
func (c *Client) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// Refresh forces a catalog sync regardless of cache freshness.
func (c *Client) Refresh(ctx context.Context) error {
	index, err := c.transport.FetchIndex(ctx)
	if err != nil {
		return pluginsdk.NewError(pluginsdk.KindRegistry, "fetch catalog index", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = index.Plugins
	c.byID = make(map[string]*pluginsdk.CatalogEntry, len(index.Plugins))
	for _, entry := range index.Plugins {
		c.byID[entry.ID] = entry
	}
	c.lastSync = c.now()

	c.logger.Info("synced plugin catalog", "plugins", len(c.entries))
	return nil
}

// ensureSync refreshes the cache when it is older than the freshness window.
// A failed sync is logged and the stale cache is served.
func (c *Client) ensureSync(ctx context.Context) {
	c.mu.RLock()
	fresh := c.now().Sub(c.lastSync) <= c.freshness && !c.lastSync.IsZero()
	c.mu.RUnlock()
	if fresh {
		return
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("catalog sync failed, serving cached data", "error", err)
	}
}

// SearchOptions filters a catalog search. The zero Limit means no results;
// use DefaultSearchOptions for the usual cap.
type SearchOptions struct {
	// Category filters by catalog category.
	Category string

	// Type filters by plugin type.
	Type pluginsdk.PluginType

	// Limit caps the number of results. 0 means none; values above
	// MaxSearchLimit are clamped; negative means DefaultSearchLimit.
	Limit int
}

// DefaultSearchOptions returns the default search options.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Limit: DefaultSearchLimit}
}

// Search matches query case-insensitively against name, description, and
// keywords, in catalog sync order.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) []*pluginsdk.Summary {
	c.ensureSync(ctx)

	limit := opts.Limit
	if limit < 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	if limit == 0 {
		return nil
	}

	queryLower := strings.ToLower(query)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var results []*pluginsdk.Summary
	for _, entry := range c.entries {
		if opts.Category != "" && !strings.EqualFold(entry.Category, opts.Category) {
			continue
		}
		if opts.Type != "" && entry.Type != opts.Type {
			continue
		}
		if !matchesQuery(entry, queryLower) {
			continue
		}
		results = append(results, &pluginsdk.Summary{Entry: entry})
		if len(results) >= limit {
			break
		}
	}
	return results
}

func matchesQuery(entry *pluginsdk.CatalogEntry, queryLower string) bool {
	if queryLower == "" {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Name), queryLower) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Description), queryLower) {
		return true
	}
	for _, kw := range entry.Keywords {
		if strings.Contains(strings.ToLower(kw), queryLower) {
			return true
		}
	}
	return false
}

// GetPlugin returns the catalog entry for a plugin id.
func (c *Client) GetPlugin(ctx context.Context, id string) (*pluginsdk.CatalogEntry, error) {
	c.ensureSync(ctx)

	c.mu.RLock()
	entry, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin %q not in catalog", id)
	}
	return entry, nil
}

// GetVersions lists the published versions of a plugin.
func (c *Client) GetVersions(ctx context.Context, id string) ([]pluginsdk.VersionInfo, error) {
	if _, err := c.GetPlugin(ctx, id); err != nil {
		return nil, err
	}
	versions, err := c.transport.FetchVersions(ctx, id)
	if err != nil {
		return nil, pluginsdk.NewError(pluginsdk.KindRegistry, "fetch versions for "+id, err)
	}
	return versions, nil
}

// Download resolves and fetches the artifact for a plugin. An empty version
// selects the latest published one. The returned VersionInfo carries the
// expected checksum for the caller to verify.
func (c *Client) Download(ctx context.Context, id, version string) ([]byte, *pluginsdk.VersionInfo, error) {
	entry, err := c.GetPlugin(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	info := pluginsdk.VersionInfo{
		Version:  entry.Version,
		URL:      entry.URL,
		Checksum: entry.Checksum,
		Format:   entry.Format,
	}
	if version != "" && version != entry.Version {
		versions, err := c.GetVersions(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		found := false
		for _, v := range versions {
			if v.Version == version {
				info = v
				found = true
				break
			}
		}
		if !found {
			return nil, nil, pluginsdk.Errorf(pluginsdk.KindNotFound, "plugin %s has no version %s", id, version)
		}
	}

	if info.URL == "" {
		return nil, nil, pluginsdk.Errorf(pluginsdk.KindRegistry, "plugin %s@%s has no artifact", id, info.Version)
	}

	data, err := c.transport.Download(ctx, info.URL)
	if err != nil {
		return nil, nil, pluginsdk.NewError(pluginsdk.KindRegistry, "download "+id, err)
	}

	c.logger.Info("downloaded plugin artifact", "id", id, "version", info.Version, "size", len(data))
	return data, &info, nil
}
