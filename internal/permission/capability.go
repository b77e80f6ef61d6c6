package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Category is the capability discriminator.
type Category string

const (
	CategoryFileSystem Category = "filesystem"
	CategoryNetwork    Category = "network"
	CategoryUI         Category = "ui"
	CategorySystem     Category = "system"
)

// FileSystemScope grants read and/or write access beneath Paths.
// Paths are absolute slash paths or doublestar globs.
type FileSystemScope struct {
	Read  bool
	Write bool
	Paths []string
}

// NetworkScope grants access to Hosts; "*.example.com" covers subdomains.
type NetworkScope struct {
	Hosts     []string
	HTTPSOnly bool
}

// Capability is a tagged union: Category selects which scope field is meaningful.
type Capability struct {
	Category Category
	FS       FileSystemScope
	Net      NetworkScope
	UI       UIFlags
	Sys      SystemFlags
}

func FileSystem(read, write bool, paths ...string) Capability {
	return Capability{Category: CategoryFileSystem, FS: FileSystemScope{Read: read, Write: write, Paths: paths}}
}

func Network(httpsOnly bool, hosts ...string) Capability {
	return Capability{Category: CategoryNetwork, Net: NetworkScope{Hosts: hosts, HTTPSOnly: httpsOnly}}
}

func UI(f UIFlags) Capability         { return Capability{Category: CategoryUI, UI: f} }
func System(f SystemFlags) Capability { return Capability{Category: CategorySystem, Sys: f} }

// Validate rejects malformed capabilities and wildcard or empty scopes.
func (c Capability) Validate() error {
	switch c.Category {
	case CategoryFileSystem:
		if !c.FS.Read && !c.FS.Write {
			return fmt.Errorf("%w: filesystem access needs read or write", ErrInvalidCapability)
		}
		if len(c.FS.Paths) == 0 {
			return fmt.Errorf("%w: filesystem without paths", ErrScopeTooLarge)
		}
		for _, p := range c.FS.Paths {
			if broadPath(p) {
				return fmt.Errorf("%w: filesystem path %q", ErrScopeTooLarge, p)
			}
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("%w: bad path pattern %q", ErrInvalidCapability, p)
			}
		}
	case CategoryNetwork:
		if len(c.Net.Hosts) == 0 {
			return fmt.Errorf("%w: network without hosts", ErrScopeTooLarge)
		}
		for _, h := range c.Net.Hosts {
			if broadHost(h) {
				return fmt.Errorf("%w: network host %q", ErrScopeTooLarge, h)
			}
		}
	case CategoryUI:
		if c.UI == 0 {
			return fmt.Errorf("%w: empty ui flags", ErrInvalidCapability)
		}
		if _, err := NewUIFlags(uint8(c.UI)); err != nil {
			return err
		}
	case CategorySystem:
		if c.Sys == 0 {
			return fmt.Errorf("%w: empty system flags", ErrInvalidCapability)
		}
		if _, err := NewSystemFlags(uint8(c.Sys)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidCapability, c.Category)
	}
	return nil
}

// broadPath reports paths that reduce to the filesystem root once trailing
// wildcard segments are stripped.
func broadPath(p string) bool {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	for {
		trimmed := strings.TrimSuffix(strings.TrimSuffix(p, "/**"), "/*")
		if trimmed == p {
			break
		}
		p = trimmed
	}
	switch p {
	case "", "/", ".", "*", "**", "~", "~/":
		return true
	}
	// A Windows drive root such as C: or C:/.
	if len(p) <= 3 && len(p) >= 2 && p[1] == ':' {
		return true
	}
	return false
}

// broadHost rejects wildcards that match everything or a whole top-level domain.
func broadHost(h string) bool {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" || h == "*" || h == "**" || h == "*.*" {
		return true
	}
	if strings.HasPrefix(h, "*.") {
		rest := h[2:]
		return !strings.Contains(rest, ".") || strings.Contains(rest, "*")
	}
	return strings.Contains(h, "*")
}

// Covers reports whether c grants everything r asks for. Categories never
// cover each other.
func (c Capability) Covers(r Capability) bool {
	if c.Category != r.Category {
		return false
	}
	switch c.Category {
	case CategoryFileSystem:
		if (r.FS.Read && !c.FS.Read) || (r.FS.Write && !c.FS.Write) {
			return false
		}
		return allCovered(r.FS.Paths, c.FS.Paths, pathCovered)
	case CategoryNetwork:
		if c.Net.HTTPSOnly && !r.Net.HTTPSOnly {
			return false
		}
		return allCovered(r.Net.Hosts, c.Net.Hosts, hostCovered)
	case CategoryUI:
		return c.UI.Contains(r.UI)
	case CategorySystem:
		return c.Sys.Contains(r.Sys)
	}
	return false
}

func allCovered(req, granted []string, covered func(g, r string) bool) bool {
	if len(req) == 0 {
		return false
	}
	for _, r := range req {
		ok := false
		for _, g := range granted {
			if covered(g, r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func hasMeta(p string) bool { return strings.ContainsAny(p, "*?[{") }

// pathCovered: a literal grant covers itself and everything beneath it; a
// glob grant covers what it matches.
func pathCovered(g, r string) bool {
	g, r = cleanPath(g), cleanPath(r)
	if hasMeta(r) {
		if g == r {
			return true
		}
		// A requested glob is covered when its static base is.
		base, _ := doublestar.SplitPattern(r)
		return !hasMeta(g) && within(g, base)
	}
	if hasMeta(g) {
		ok, _ := doublestar.Match(g, r)
		return ok
	}
	return within(g, r)
}

func within(base, p string) bool {
	return p == base || strings.HasPrefix(p, strings.TrimSuffix(base, "/")+"/")
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if hasMeta(p) {
		return p
	}
	return path.Clean(p)
}

func hostCovered(g, r string) bool {
	g, r = strings.ToLower(strings.TrimSpace(g)), strings.ToLower(strings.TrimSpace(r))
	if g == r {
		return true
	}
	if strings.HasPrefix(g, "*.") {
		return strings.HasSuffix(r, g[1:])
	}
	return false
}

// scopeJSON is the canonical persisted/wire form.
type scopeJSON struct {
	Type      Category `json:"type"`
	Read      bool     `json:"read,omitempty"`
	Write     bool     `json:"write,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	Hosts     []string `json:"hosts,omitempty"`
	HTTPSOnly bool     `json:"https_only,omitempty"`
	Flags     []string `json:"flags,omitempty"`
}

func (c Capability) wire() scopeJSON {
	w := scopeJSON{Type: c.Category}
	switch c.Category {
	case CategoryFileSystem:
		w.Read, w.Write, w.Paths = c.FS.Read, c.FS.Write, c.FS.Paths
	case CategoryNetwork:
		w.Hosts, w.HTTPSOnly = c.Net.Hosts, c.Net.HTTPSOnly
	case CategoryUI:
		w.Flags = c.UI.Names()
	case CategorySystem:
		w.Flags = c.Sys.Names()
	}
	return w
}

func (c Capability) MarshalJSON() ([]byte, error) { return json.Marshal(c.wire()) }

func (c *Capability) UnmarshalJSON(b []byte) error {
	var w scopeJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Capability{Category: w.Type}
	switch w.Type {
	case CategoryFileSystem:
		out.FS = FileSystemScope{Read: w.Read, Write: w.Write, Paths: w.Paths}
	case CategoryNetwork:
		out.Net = NetworkScope{Hosts: w.Hosts, HTTPSOnly: w.HTTPSOnly}
	case CategoryUI:
		f, err := ParseUIFlags(w.Flags...)
		if err != nil {
			return err
		}
		out.UI = f
	case CategorySystem:
		f, err := ParseSystemFlags(w.Flags...)
		if err != nil {
			return err
		}
		out.Sys = f
	default:
		return fmt.Errorf("%w: unknown capability type %q", ErrInvalidCapability, w.Type)
	}
	*c = out
	return nil
}

// Canonical returns the order-independent JSON used for hashing.
func (c Capability) Canonical() []byte {
	w := c.wire()
	w.Paths = sortedCopy(w.Paths, cleanPath)
	w.Hosts = sortedCopy(w.Hosts, strings.ToLower)
	b, _ := json.Marshal(w)
	return b
}

// ScopeHash identifies the exact scope within a category.
func (c Capability) ScopeHash() string {
	sum := sha256.Sum256(c.Canonical())
	return hex.EncodeToString(sum[:16])
}

// Same reports whether two capabilities have the identical scope.
func (c Capability) Same(o Capability) bool {
	return c.Category == o.Category && c.ScopeHash() == o.ScopeHash()
}

func (c Capability) String() string {
	switch c.Category {
	case CategoryFileSystem:
		mode := ""
		if c.FS.Read {
			mode += "r"
		}
		if c.FS.Write {
			mode += "w"
		}
		return fmt.Sprintf("filesystem(%s) %s", mode, strings.Join(c.FS.Paths, ","))
	case CategoryNetwork:
		s := "network " + strings.Join(c.Net.Hosts, ",")
		if c.Net.HTTPSOnly {
			s += " (https only)"
		}
		return s
	case CategoryUI:
		return "ui " + strings.Join(c.UI.Names(), ",")
	case CategorySystem:
		return "system " + strings.Join(c.Sys.Names(), ",")
	}
	return string(c.Category)
}

func sortedCopy(in []string, norm func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = norm(strings.TrimSpace(s))
	}
	sort.Strings(out)
	return out
}

// Descriptor is a requested capability with the plugin's stated reason.
type Descriptor struct {
	Capability Capability `json:"capability"`
	Reason     string     `json:"reason,omitempty"`
}

// UnmarshalJSON accepts the flat manifest form {"type":...,"reason":...}.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var head struct {
		Capability json.RawMessage `json:"capability"`
		Reason     string          `json:"reason"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	raw := head.Capability
	if len(raw) == 0 {
		raw = b
	}
	if err := json.Unmarshal(raw, &d.Capability); err != nil {
		return err
	}
	d.Reason = head.Reason
	return nil
}
