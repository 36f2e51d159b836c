package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// DefaultSuggestionLimit caps the number of matches returned.
const DefaultSuggestionLimit = 3

// Recommendation statuses.
const (
	StatusMatch   = "match"
	StatusNoMatch = "no_match"
)

const escapeToken = "TBD"

// Device is a normalised inventory record.
type Device struct {
	Name      string   `json:"name"`
	Platform  string   `json:"platform"`
	Versions  []string `json:"versions"`
	Available bool     `json:"available"`
	Group     string   `json:"group,omitempty"`
	Status    int      `json:"status,omitempty"`
}

// Recommendation is the outcome of a suggestion lookup.
type Recommendation struct {
	Status       string   `json:"status"`
	Matches      []Device `json:"matches"`
	Alternatives []Device `json:"alternatives"`
	Reason       string   `json:"reason,omitempty"`
}

// Source supplies raw inventory records.
type Source interface {
	Fetch(ctx context.Context) ([]map[string]any, error)
}

// Recommender filters the inventory against collected intake data.
type Recommender struct {
	source Source
	limit  int
}

// NewRecommender creates a Recommender. A nil source behaves as an empty
// inventory; a non-positive limit uses DefaultSuggestionLimit.
func NewRecommender(source Source, limit int) *Recommender {
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}
	return &Recommender{source: source, limit: limit}
}

// Inventory returns the normalised inventory. Failures yield an empty list.
func (r *Recommender) Inventory(ctx context.Context) []Device {
	if r.source == nil {
		return nil
	}
	raw, err := r.source.Fetch(ctx)
	if err != nil {
		slog.Debug("Recommender.Inventory: source unavailable", "error", err)
		return nil
	}
	out := make([]Device, 0, len(raw))
	for _, rec := range raw {
		out = append(out, Normalize(rec))
	}
	return out
}

// Suggest never fails: an empty or unreachable inventory degrades to a
// no_match result with a reason.
func (r *Recommender) Suggest(ctx context.Context, data map[string]any) Recommendation {
	platform := strings.TrimSpace(stringField(data, "platform"))
	desiredOS := strings.TrimSpace(stringField(data, "os_version"))
	model := strings.TrimSpace(stringField(data, "device_model"))
	needOS := strings.EqualFold(stringField(data, "need_os_version"), "yes")
	modelGiven := model != "" && !strings.EqualFold(model, escapeToken)

	var candidates []Device
	for _, d := range r.Inventory(ctx) {
		if !d.Available {
			continue
		}
		if platform != "" && d.Platform != platform {
			continue
		}
		if needOS && desiredOS != "" && !hasVersion(d.Versions, desiredOS) {
			continue
		}
		if modelGiven && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(model)) {
			continue
		}
		candidates = append(candidates, d)
	}

	if len(candidates) > 0 {
		if len(candidates) > r.limit {
			candidates = candidates[:r.limit]
		}
		return Recommendation{Status: StatusMatch, Matches: candidates, Alternatives: []Device{}}
	}

	reason := "No CLEAN devices matching your constraints are available right now."
	switch {
	case needOS && desiredOS != "":
		reason = fmt.Sprintf("No CLEAN device with %s is available right now.", desiredOS)
	case modelGiven:
		reason = fmt.Sprintf("No available CLEAN units of '%s'.", model)
	}
	return Recommendation{Status: StatusNoMatch, Matches: []Device{}, Alternatives: []Device{}, Reason: reason}
}

// hasVersion matches "iOS 17" against "iOS 17" and "iOS 17.5.1".
func hasVersion(versions []string, desired string) bool {
	for _, v := range versions {
		if v == desired || strings.HasPrefix(v, desired+".") {
			return true
		}
	}
	return false
}

// Normalize maps a raw device-service record onto a Device.
func Normalize(rec map[string]any) Device {
	name := firstNonEmpty(rec, "model", "marketName", "name")
	if name == "" {
		name = "Device"
	}
	platform := normalizePlatform(stringField(rec, "platform"))

	var versions []string
	if v := cleanVersion(rec["version"], platform); v != "" {
		versions = []string{v}
	}

	group := groupName(rec["group"])
	status := intField(rec["status"])
	ready := truthy(rec["ready"])
	present := truthy(rec["present"])

	return Device{
		Name:      name,
		Platform:  platform,
		Versions:  versions,
		Available: strings.EqualFold(group, "CLEAN") && status == 3 && ready && present,
		Group:     group,
		Status:    status,
	}
}

func normalizePlatform(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case strings.HasPrefix(v, "ios") || v == "apple":
		return "iOS"
	case strings.HasPrefix(v, "android"):
		return "Android"
	}
	return ""
}

// cleanVersion keeps the first line ("18.6.1\nProductVersion" -> "18.6.1")
// and prefixes the platform.
func cleanVersion(raw any, platform string) string {
	if raw == nil {
		return ""
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return ""
	}
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if platform != "" {
		return platform + " " + s
	}
	return s
}

// groupName accepts "CLEAN" or {"name": "CLEAN"}.
func groupName(g any) string {
	switch v := g.(type) {
	case map[string]any:
		return strings.TrimSpace(stringField(v, "name"))
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func intField(v any) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err == nil {
			return n
		}
	}
	return 0
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	}
	return v != nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}
