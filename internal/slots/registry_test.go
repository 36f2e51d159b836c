package slots

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testDoc = `
order: [platform, device_model, quantity, contact_email]
definitions:
  platform:
    type: enum
    required: true
    values: [Android, iOS]
    prompt: "Which platform do you need: Android or iOS?"
  device_model:
    type: string
    required: true
  quantity:
    type: int
    required: true
    error: "Quantity must be a number."
  contact_email:
    type: mystery
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestParse(t *testing.T) {
	reg, err := Parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.Order) != 4 || reg.First() != FieldPlatform {
		t.Fatalf("unexpected order: %v", reg.Order)
	}
	def, ok := reg.Def(FieldPlatform)
	if !ok || def.Type != FieldTypeEnum || !def.Required || def.Name != FieldPlatform {
		t.Errorf("unexpected platform def: %+v", def)
	}
	if !def.Allows("iOS") || def.Allows("ios") {
		t.Error("enum membership must be exact")
	}
	if got := reg.Defs[FieldContactEmail].Type; got != FieldTypeString {
		t.Errorf("unknown type should decode as string, got %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("order: [unterminated")); err == nil {
		t.Error("expected decode error")
	}
}

func TestPromptAndErrorFallbacks(t *testing.T) {
	reg, err := Parse([]byte(testDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"configured prompt", reg.PromptFor(FieldPlatform), "Which platform do you need: Android or iOS?"},
		{"generated prompt", reg.PromptFor(FieldDeviceModel), "Please provide Device model."},
		{"unknown field prompt", reg.PromptFor("contact_email"), "Please provide Contact email."},
		{"configured error", reg.ErrorFor(FieldQuantity), "Quantity must be a number."},
		{"generated error", reg.ErrorFor(FieldDeviceModel), "Invalid Device model. Please provide Device model."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestLoader_MissingFileYieldsEmptyRegistry(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), true)
	reg := l.Load(false)
	if reg == nil || len(reg.Order) != 0 || len(reg.Defs) != 0 {
		t.Fatalf("expected empty registry, got %+v", reg)
	}
	if reg.First() != "" {
		t.Error("empty registry has no first field")
	}
}

func TestLoader_DevReloadsOnModTimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	writeFile(t, path, testDoc)

	l := NewLoader(path, true)
	first := l.Load(false)
	if len(first.Order) != 4 {
		t.Fatalf("unexpected order: %v", first.Order)
	}
	if again := l.Load(false); again != first {
		t.Error("unchanged file should return the cached snapshot")
	}

	writeFile(t, path, "order: [platform]\ndefinitions:\n  platform:\n    type: enum\n    values: [Android]\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	second := l.Load(false)
	if len(second.Order) != 1 {
		t.Fatalf("expected reload, got order %v", second.Order)
	}
	if len(first.Order) != 4 {
		t.Error("previous snapshot must not be mutated")
	}
}

func TestLoader_ProductionCachesUntilForced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.yaml")
	writeFile(t, path, testDoc)

	l := NewLoader(path, false)
	first := l.Load(false)

	writeFile(t, path, "order: [platform]\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	if l.Load(false) != first {
		t.Error("production loader should keep the first snapshot")
	}
	if forced := l.Load(true); len(forced.Order) != 1 {
		t.Errorf("forced reload should pick up edits, got %v", forced.Order)
	}
}

func TestShippedRegistry(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "data", "slots.yaml"))
	if err != nil {
		t.Fatalf("read shipped registry: %v", err)
	}
	reg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, name := range []string{
		FieldPlatform, FieldDeviceModel, FieldQuantity, FieldRentalDates, FieldLocation,
		FieldVPNOK, FieldNeedOSVersion, FieldOSVersion, FieldAccessories, FieldContactEmail,
	} {
		if !reg.Has(name) {
			t.Errorf("shipped registry is missing %q", name)
		}
	}
	if reg.First() != FieldPlatform {
		t.Errorf("First() = %q", reg.First())
	}
	if def, _ := reg.Def(FieldRentalDates); def.Type != FieldTypeDateRange {
		t.Errorf("rental_dates type = %q", def.Type)
	}
	if len(reg.Values(FieldAccessories)) == 0 {
		t.Error("accessories vocabulary is empty")
	}
}
