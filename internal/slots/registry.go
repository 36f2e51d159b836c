// Package slots loads the ordered field registry that drives intake collection.
//
// The registry is a declarative YAML document with an `order` list and a
// `definitions` map. Snapshots are immutable; reloads swap the pointer.
package slots

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// FieldType is the validation contract of a field.
type FieldType string

const (
	FieldTypeEnum      FieldType = "enum"
	FieldTypeMultiEnum FieldType = "multienum"
	FieldTypeInt       FieldType = "int"
	FieldTypeEmail     FieldType = "email"
	FieldTypeDateRange FieldType = "daterange"
	FieldTypeYesNo     FieldType = "yesno"
	FieldTypeString    FieldType = "string"
)

// Well-known field names referenced by the controller's gating rules.
const (
	FieldPlatform      = "platform"
	FieldDeviceModel   = "device_model"
	FieldQuantity      = "quantity"
	FieldRentalDates   = "rental_dates"
	FieldLocation      = "location"
	FieldVPNOK         = "vpn_ok"
	FieldNeedOSVersion = "need_os_version"
	FieldOSVersion     = "os_version"
	FieldAccessories   = "accessories"
	FieldContactEmail  = "contact_email"
)

// FieldDef describes a single field.
type FieldDef struct {
	Name     string    `yaml:"-"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Values   []string  `yaml:"values"`
	Prompt   string    `yaml:"prompt"`
	Error    string    `yaml:"error"`
}

// Allows reports whether v is one of the field's allowed values.
func (d FieldDef) Allows(v string) bool {
	for _, allowed := range d.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

// Registry is an immutable snapshot of the field configuration.
type Registry struct {
	Order []string
	Defs  map[string]FieldDef

	modTime time.Time
}

type document struct {
	Order       []string            `yaml:"order"`
	Definitions map[string]FieldDef `yaml:"definitions"`
}

// Empty returns a registry with no fields; every session is trivially complete.
func Empty() *Registry {
	return &Registry{Defs: map[string]FieldDef{}}
}

// Parse decodes a registry document.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode slots document: %w", err)
	}
	reg := &Registry{Order: doc.Order, Defs: make(map[string]FieldDef, len(doc.Definitions))}
	for name, def := range doc.Definitions {
		def.Name = name
		switch def.Type {
		case FieldTypeEnum, FieldTypeMultiEnum, FieldTypeInt, FieldTypeEmail,
			FieldTypeDateRange, FieldTypeYesNo, FieldTypeString:
		default:
			def.Type = FieldTypeString
		}
		reg.Defs[name] = def
	}
	return reg, nil
}

// Def returns the definition for name.
func (r *Registry) Def(name string) (FieldDef, bool) {
	def, ok := r.Defs[name]
	return def, ok
}

// Has reports whether the registry defines name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Defs[name]
	return ok
}

// First returns the first field in order, or "" for an empty registry.
func (r *Registry) First() string {
	if len(r.Order) == 0 {
		return ""
	}
	return r.Order[0]
}

// Values returns the allowed values for name.
func (r *Registry) Values(name string) []string {
	return r.Defs[name].Values
}

// PromptFor returns the configured prompt or "Please provide <Field>.".
func (r *Registry) PromptFor(name string) string {
	if p := strings.TrimSpace(r.Defs[name].Prompt); p != "" {
		return r.Defs[name].Prompt
	}
	return fmt.Sprintf("Please provide %s.", label(name))
}

// ErrorFor returns the configured error text or "Invalid <Field>. <prompt>".
func (r *Registry) ErrorFor(name string) string {
	if e := strings.TrimSpace(r.Defs[name].Error); e != "" {
		return r.Defs[name].Error
	}
	return fmt.Sprintf("Invalid %s. %s", label(name), r.PromptFor(name))
}

func label(name string) string {
	s := strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// Loader caches the registry read from path.
type Loader struct {
	path string
	dev  bool

	mu      sync.Mutex
	current atomic.Pointer[Registry]
}

// NewLoader creates a loader. In dev mode Load re-reads the file whenever its
// modification time changes.
func NewLoader(path string, dev bool) *Loader {
	return &Loader{path: path, dev: dev}
}

// Path returns the configuration file path.
func (l *Loader) Path() string {
	return l.path
}

// Load returns the current registry snapshot. A missing or unreadable file
// yields an empty registry instead of an error.
func (l *Loader) Load(force bool) *Registry {
	cached := l.current.Load()
	if cached != nil && !force && !l.dev {
		return cached
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Loader.Load: cannot stat slots file", "path", l.path, "error", err)
		}
		if cached == nil {
			cached = Empty()
			l.current.Store(cached)
		}
		return cached
	}

	if cached != nil && !force && cached.modTime.Equal(info.ModTime()) {
		return cached
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Another caller may have reloaded while we waited.
	if latest := l.current.Load(); latest != nil && latest != cached && latest.modTime.Equal(info.ModTime()) {
		return latest
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		slog.Error("Loader.Load: failed to read slots file", "path", l.path, "error", err)
		return l.fallback(cached)
	}
	reg, err := Parse(data)
	if err != nil {
		slog.Error("Loader.Load: failed to parse slots file", "path", l.path, "error", err)
		return l.fallback(cached)
	}
	reg.modTime = info.ModTime()
	l.current.Store(reg)
	slog.Info("Loader.Load: slots loaded", "path", l.path, "fields", len(reg.Order))
	return reg
}

func (l *Loader) fallback(cached *Registry) *Registry {
	if cached != nil {
		return cached
	}
	empty := Empty()
	l.current.Store(empty)
	return empty
}
