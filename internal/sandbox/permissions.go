package sandbox

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/quillhost/quill/pkg/pluginsdk"
)

// Gate enforces a plugin's permission grants. The grant set is copied at
// construction and never mutated afterwards, so a sandbox cannot widen its
// own permissions at runtime.
type Gate struct {
	root   string
	grants pluginsdk.Permissions
}

// NewGate builds a permission gate for a plugin rooted at dir.
func NewGate(dir string, grants pluginsdk.Permissions) *Gate {
	return &Gate{
		root:   filepath.Clean(dir),
		grants: freezeGrants(grants),
	}
}

// freezeGrants deep-copies the slices so the caller's manifest cannot be
// used to mutate the gate after construction.
func freezeGrants(p pluginsdk.Permissions) pluginsdk.Permissions {
	p.Filesystem.Read = append([]string(nil), p.Filesystem.Read...)
	p.Filesystem.Write = append([]string(nil), p.Filesystem.Write...)
	p.Network.Domains = append([]string(nil), p.Network.Domains...)
	p.Model.Access = append([]string(nil), p.Model.Access...)
	return p
}

// Root returns the plugin's private directory.
func (g *Gate) Root() string {
	return g.root
}

// Grants returns a frozen copy of the grant set.
func (g *Gate) Grants() pluginsdk.Permissions {
	return freezeGrants(g.grants)
}

// CheckRead authorizes a read of p (relative to the plugin directory) and
// returns the resolved absolute path.
func (g *Gate) CheckRead(p string) (string, error) {
	return g.checkPath(p, g.grants.Filesystem.Read, "read")
}

// CheckWrite authorizes a write of p and returns the resolved absolute path.
func (g *Gate) CheckWrite(p string) (string, error) {
	return g.checkPath(p, g.grants.Filesystem.Write, "write")
}

// checkPath canonicalizes p against the plugin root and matches it against
// the grant patterns. Containment is checked before grants: an escaping path
// is a security violation regardless of what was granted.
func (g *Gate) checkPath(p string, patterns []string, op string) (string, error) {
	rel, abs, err := g.resolve(p)
	if err != nil {
		return "", err
	}

	for _, pattern := range patterns {
		if matchPath(pattern, rel) {
			return abs, nil
		}
	}
	return "", pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "filesystem %s of %q not granted", op, p)
}

// resolve returns the slash-form path of p relative to the plugin root and
// its absolute form, rejecting anything that escapes the root.
func (g *Gate) resolve(p string) (string, string, error) {
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Clean(filepath.Join(g.root, filepath.FromSlash(p)))
	}

	rel, err := filepath.Rel(g.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", "", pluginsdk.Errorf(pluginsdk.KindPathTraversal, "path %q escapes plugin directory", p)
	}
	return filepath.ToSlash(rel), abs, nil
}

// matchPath matches a slash-form relative path against a grant pattern.
// "data/*" matches direct children, "data/**" matches recursively.
func matchPath(pattern, rel string) bool {
	pattern = path.Clean(strings.TrimPrefix(pattern, "./"))
	if pattern == rel {
		return true
	}
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	if ok, err := path.Match(pattern, rel); err == nil && ok {
		return true
	}
	return false
}

// CheckFetch authorizes an outbound request to rawURL. External access must
// be granted and the host must match the domain allow-list.
func (g *Gate) CheckFetch(rawURL string) error {
	if !g.grants.Network.External {
		return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "external network access not granted")
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return pluginsdk.NewError(pluginsdk.KindValidation, fmt.Sprintf("invalid url %q", rawURL), err)
	}

	host := strings.ToLower(u.Hostname())
	for _, domain := range g.grants.Network.Domains {
		if matchDomain(host, strings.ToLower(domain)) {
			return nil
		}
	}
	return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "network access to %q not granted", host)
}

// matchDomain matches a hostname against an allow-list entry. "*.example.com"
// and ".example.com" match subdomains; a bare domain matches exactly.
func matchDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(host, pattern)
	}
	return false
}

// AgentOp names an agent runtime operation for permission checks.
type AgentOp string

const (
	AgentCreate  AgentOp = "create"
	AgentExecute AgentOp = "execute"
	AgentManage  AgentOp = "manage"
)

// CheckAgent authorizes an agent runtime operation.
func (g *Gate) CheckAgent(op AgentOp) error {
	allowed := false
	switch op {
	case AgentCreate:
		allowed = g.grants.Agent.Create
	case AgentExecute:
		allowed = g.grants.Agent.Execute
	case AgentManage:
		allowed = g.grants.Agent.Manage
	}
	if !allowed {
		return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "agent %s not granted", op)
	}
	return nil
}

// CheckModel authorizes inference against a specific model id.
func (g *Gate) CheckModel(modelID string) error {
	if !g.grants.Model.Execute {
		return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "model execution not granted")
	}
	for _, id := range g.grants.Model.Access {
		if id == modelID || id == "*" {
			return nil
		}
	}
	return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "model %q not granted", modelID)
}

// MemoryOp names a memory engine operation for permission checks.
type MemoryOp string

const (
	MemoryStore  MemoryOp = "store"
	MemorySearch MemoryOp = "search"
)

// CheckMemory authorizes a memory engine operation.
func (g *Gate) CheckMemory(op MemoryOp) error {
	allowed := false
	switch op {
	case MemoryStore:
		allowed = g.grants.Memory.Store
	case MemorySearch:
		allowed = g.grants.Memory.Search
	}
	if !allowed {
		return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "memory %s not granted", op)
	}
	return nil
}

// UISurface names a host UI surface for permission checks.
type UISurface string

const (
	UIPanels   UISurface = "panels"
	UIMenus    UISurface = "menus"
	UICommands UISurface = "commands"
)

// CheckUI authorizes registration on a host UI surface.
func (g *Gate) CheckUI(surface UISurface) error {
	allowed := false
	switch surface {
	case UIPanels:
		allowed = g.grants.UI.Panels
	case UIMenus:
		allowed = g.grants.UI.Menus
	case UICommands:
		allowed = g.grants.UI.Commands
	}
	if !allowed {
		return pluginsdk.Errorf(pluginsdk.KindPermissionDenied, "ui %s not granted", surface)
	}
	return nil
}
