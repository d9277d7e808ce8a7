package acl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Entry is one user of an identity directory.
type Entry struct {
	DisplayName string
	Level       Level
	// Accounts limits the upstream accounts the user may act on. Nil means
	// every account.
	Accounts []string
}

// Directory is a loaded identity directory.
type Directory struct {
	Users map[string]Entry
	// Default applies to sessions without a bound identity. Zero means the
	// provider's open level.
	Default Level
}

// Usernames returns the known usernames, sorted.
func (d *Directory) Usernames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Users))
	for name := range d.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loader produces the current directory for a provider.
type Loader interface {
	Load(ctx context.Context) (*Directory, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*Directory, error)

func (f LoaderFunc) Load(ctx context.Context) (*Directory, error) { return f(ctx) }

// StaticLoader always returns d.
func StaticLoader(d *Directory) Loader {
	return LoaderFunc(func(context.Context) (*Directory, error) { return d, nil })
}

// FileLoader reads a directory document from disk on every Load. Files
// ending in .yaml or .yml are parsed as YAML, everything else as JSON with
// comments and trailing commas allowed.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (*Directory, error) {
	b, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("read identity directory: %w", err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(l.Path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	d, err := ParseDirectory(b, format)
	if err != nil {
		return nil, fmt.Errorf("parse identity directory %s: %w", l.Path, err)
	}
	return d, nil
}

// Format selects the encoding of a directory document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// directoryDoc is the on-disk shape. Both the capabilityLevel and the
// shorter role spellings are accepted.
type directoryDoc struct {
	Users map[string]struct {
		DisplayName     string `json:"displayName" yaml:"displayName"`
		CapabilityLevel string   `json:"capabilityLevel" yaml:"capabilityLevel"`
		Role            string   `json:"role" yaml:"role"`
		AllowedAccounts []string `json:"allowedAccounts" yaml:"allowedAccounts"`
	} `json:"users" yaml:"users"`
	DefaultCapabilityLevel string `json:"defaultCapabilityLevel" yaml:"defaultCapabilityLevel"`
	DefaultRole            string `json:"defaultRole" yaml:"defaultRole"`
}

// ParseDirectory decodes a directory document.
func ParseDirectory(data []byte, format Format) (*Directory, error) {
	var doc directoryDoc
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, err
		}
	}

	d := &Directory{Users: make(map[string]Entry, len(doc.Users))}
	for name, u := range doc.Users {
		raw := firstNonEmpty(u.CapabilityLevel, u.Role)
		if raw == "" {
			return nil, fmt.Errorf("user %q: missing capabilityLevel", name)
		}
		lvl, err := ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", name, err)
		}
		display := u.DisplayName
		if display == "" {
			display = name
		}
		d.Users[name] = Entry{DisplayName: display, Level: lvl, Accounts: slices.Clone(u.AllowedAccounts)}
	}
	if raw := firstNonEmpty(doc.DefaultCapabilityLevel, doc.DefaultRole); raw != "" {
		lvl, err := ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("default level: %w", err)
		}
		d.Default = lvl
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
