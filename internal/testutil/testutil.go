// Package testutil provides common test utilities and helpers for DeviceIntake tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/DeviceIntake/internal/api"
	"github.com/BTreeMap/DeviceIntake/internal/flow"
	"github.com/BTreeMap/DeviceIntake/internal/session"
	"github.com/BTreeMap/DeviceIntake/internal/slots"
	"github.com/BTreeMap/DeviceIntake/internal/validate"
)

// SampleSlots is a compact registry covering the gated fields.
const SampleSlots = `order: [platform, device_model, quantity, location, vpn_ok, need_os_version, os_version, contact_email]
definitions:
  platform: {type: enum, required: true, values: [Android, iOS], prompt: "Which platform do you need: Android or iOS?"}
  device_model: {type: string, required: true, prompt: "Which device model?"}
  quantity: {type: int, required: true, prompt: "How many devices?", error: "Quantity must be between 1 and 200."}
  location: {type: enum, required: true, values: [Poland, Germany, Other], prompt: "Where are you located?"}
  vpn_ok: {type: yesno}
  need_os_version: {type: yesno}
  os_version: {type: string}
  contact_email: {type: email, required: true, prompt: "What's your email?"}
`

// WriteSlotsFile writes a registry document into a temp dir and returns its path.
func WriteSlotsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slots.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write slots file: %v", err)
	}
	return path
}

// NewTestEngine creates an engine over SampleSlots with in-memory sessions.
func NewTestEngine(t *testing.T, opts ...flow.Option) *flow.Engine {
	t.Helper()
	loader := slots.NewLoader(WriteSlotsFile(t, SampleSlots), false)
	return flow.NewEngine(loader, validate.New(validate.DefaultLimits()), session.NewStore(), opts...)
}

// NewTestServer creates a test API server with in-memory dependencies.
func NewTestServer(t *testing.T, opts ...api.Option) *api.Server {
	t.Helper()
	return api.NewServer(NewTestEngine(t), opts...)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); !ok || status != expectedStatus {
		t.Errorf("expected status %q, got %v", expectedStatus, response["status"])
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		reqBody.Write(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
