package inventory

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type staticSource struct {
	records []map[string]any
	err     error
}

func (s staticSource) Fetch(context.Context) ([]map[string]any, error) {
	return s.records, s.err
}

func clean(model, platform, version string) map[string]any {
	return map[string]any{
		"model":    model,
		"platform": platform,
		"version":  version,
		"group":    map[string]any{"name": "CLEAN"},
		"status":   3.0,
		"ready":    true,
		"present":  true,
	}
}

func TestNormalize(t *testing.T) {
	d := Normalize(map[string]any{
		"marketName": "iPhone 15",
		"platform":   "iOS_DEVICE",
		"version":    "17.5.1\nProductVersion",
		"group":      "clean",
		"status":     "3",
		"ready":      true,
		"present":    true,
	})
	want := Device{Name: "iPhone 15", Platform: "iOS", Versions: []string{"iOS 17.5.1"}, Available: true, Group: "clean", Status: 3}
	if !reflect.DeepEqual(d, want) {
		t.Errorf("got %+v, want %+v", d, want)
	}

	tests := []struct {
		name string
		rec  map[string]any
	}{
		{"cleaning group", map[string]any{"group": "CLEANING", "status": 3.0, "ready": true, "present": true}},
		{"offline", map[string]any{"group": "CLEAN", "status": 1.0, "ready": true, "present": true}},
		{"not ready", map[string]any{"group": "CLEAN", "status": 3.0, "ready": false, "present": true}},
		{"absent", map[string]any{"group": "CLEAN", "status": 3.0, "ready": true}},
	}
	for _, tt := range tests {
		if Normalize(tt.rec).Available {
			t.Errorf("%s: expected unavailable", tt.name)
		}
	}

	if n := Normalize(map[string]any{}).Name; n != "Device" {
		t.Errorf("expected fallback name, got %q", n)
	}
	if p := Normalize(map[string]any{"platform": "apple"}).Platform; p != "iOS" {
		t.Errorf("expected apple to map to iOS, got %q", p)
	}
}

func TestRecommender_Match(t *testing.T) {
	src := staticSource{records: []map[string]any{
		clean("Pixel 7", "android", "14"),
		clean("Pixel 7 Pro", "android", "13"),
		clean("iPhone 15", "ios", "17.2"),
		clean("Pixel 7a", "android", "14"),
		clean("Pixel 7 XL", "android", "14"),
	}}
	r := NewRecommender(src, 2)

	rec := r.Suggest(context.Background(), map[string]any{"platform": "Android", "device_model": "pixel 7"})
	if rec.Status != StatusMatch || len(rec.Matches) != 2 {
		t.Fatalf("expected 2 limited matches, got %+v", rec)
	}

	rec = r.Suggest(context.Background(), map[string]any{
		"platform": "iOS", "need_os_version": "Yes", "os_version": "iOS 17",
	})
	if rec.Status != StatusMatch || rec.Matches[0].Name != "iPhone 15" {
		t.Errorf("expected OS prefix match, got %+v", rec)
	}

	rec = r.Suggest(context.Background(), map[string]any{"platform": "Android", "device_model": "TBD"})
	if len(rec.Matches) != 2 {
		t.Errorf("TBD model should not filter, got %+v", rec)
	}
}

func TestRecommender_Reasons(t *testing.T) {
	r := NewRecommender(staticSource{records: []map[string]any{clean("Pixel 7", "android", "14")}}, 0)

	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"os", map[string]any{"platform": "Android", "need_os_version": "yes", "os_version": "Android 15"}, "No CLEAN device with Android 15 is available right now."},
		{"model", map[string]any{"platform": "Android", "device_model": "Galaxy S23"}, "No available CLEAN units of 'Galaxy S23'."},
		{"generic", map[string]any{"platform": "iOS"}, "No CLEAN devices matching your constraints are available right now."},
	}
	for _, tt := range tests {
		rec := r.Suggest(context.Background(), tt.data)
		if rec.Status != StatusNoMatch || rec.Reason != tt.want {
			t.Errorf("%s: got %+v, want reason %q", tt.name, rec, tt.want)
		}
	}
}

func TestRecommender_FailOpen(t *testing.T) {
	for _, src := range []Source{nil, staticSource{}, staticSource{err: errors.New("boom")}} {
		rec := NewRecommender(src, 3).Suggest(context.Background(), map[string]any{})
		if rec.Status != StatusNoMatch || rec.Reason == "" || rec.Matches == nil {
			t.Errorf("expected fail-open no_match, got %+v", rec)
		}
	}
}
