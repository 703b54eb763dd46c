package pluginsdk

import "time"

// CatalogIndex is the document a registry serves, listing all published
// plugins in publication order.
type CatalogIndex struct {
	Plugins     []*CatalogEntry `json:"plugins"`
	GeneratedAt time.Time       `json:"generatedAt,omitempty"`
}

// CatalogEntry describes one plugin available in a registry.
type CatalogEntry struct {
	// ID is the unique plugin identifier.
	ID string `json:"id"`

	// Name is the human-readable plugin name.
	Name string `json:"name"`

	// Description explains what the plugin does.
	Description string `json:"description,omitempty"`

	// Version is the latest published version.
	Version string `json:"version"`

	// Type classifies the plugin (tool, agent, ui, integration, workflow).
	Type PluginType `json:"type,omitempty"`

	// Category classifies the plugin for browsing (e.g., "productivity").
	Category string `json:"category,omitempty"`

	// Keywords are searchable tags.
	Keywords []string `json:"keywords,omitempty"`

	// Author is the plugin author or organization.
	Author string `json:"author,omitempty"`

	// URL is the download location for the latest artifact.
	URL string `json:"url,omitempty"`

	// Checksum is the hex-encoded SHA-256 of the artifact.
	Checksum string `json:"checksum,omitempty"`

	// Format is the artifact format (tar.gz, zip).
	Format string `json:"format,omitempty"`

	// PublishedAt is when the latest version was published.
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// VersionInfo describes one published version of a plugin.
type VersionInfo struct {
	Version     string    `json:"version"`
	URL         string    `json:"url,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	Format      string    `json:"format,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Summary is the search-result view of a catalog entry, augmented with the
// caller's local installation status.
type Summary struct {
	Entry *CatalogEntry `json:"entry"`

	// Installed reports whether the plugin is installed locally.
	Installed bool `json:"installed,omitempty"`

	// InstalledVersion is the locally installed version, if any.
	InstalledVersion string `json:"installedVersion,omitempty"`
}
