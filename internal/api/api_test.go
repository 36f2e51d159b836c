package api_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/api"
	"github.com/BTreeMap/DeviceIntake/internal/inventory"
	"github.com/BTreeMap/DeviceIntake/internal/messaging"
	"github.com/BTreeMap/DeviceIntake/internal/models"
	"github.com/BTreeMap/DeviceIntake/internal/store"
	"github.com/BTreeMap/DeviceIntake/internal/testutil"
	"github.com/BTreeMap/DeviceIntake/internal/twiliowhatsapp"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func chat(t *testing.T, h http.Handler, sessionID, message string) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/webhook/tawk", map[string]string{"session_id": sessionID, "message": message})
	return serve(h, req)
}

func replyOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out models.ChatReply
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &out)
	return out.Reply
}

func TestTawkWebhook_Conversation(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()

	rr := chat(t, h, "s1", "hello")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first message")
	if got := replyOf(t, rr); got != "Which platform do you need: Android or iOS?" {
		t.Errorf("reply = %q", got)
	}

	rr = chat(t, h, "s1", "  iOS please ")
	if got := replyOf(t, rr); got != "Which device model?" {
		t.Errorf("reply = %q", got)
	}
}

func TestTawkWebhook_Validation(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()

	tests := []struct {
		name   string
		body   string
		method string
		want   int
	}{
		{"empty message", `{"session_id":"s","message":""}`, http.MethodPost, http.StatusUnprocessableEntity},
		{"blank message", `{"session_id":"s","message":"   "}`, http.MethodPost, http.StatusUnprocessableEntity},
		{"missing session", `{"message":"hi"}`, http.MethodPost, http.StatusUnprocessableEntity},
		{"session too long", `{"session_id":"` + strings.Repeat("x", 129) + `","message":"hi"}`, http.MethodPost, http.StatusUnprocessableEntity},
		{"message too long", `{"session_id":"s","message":"` + strings.Repeat("a", 2001) + `"}`, http.MethodPost, http.StatusUnprocessableEntity},
		{"bad json", `{"session_id":`, http.MethodPost, http.StatusBadRequest},
		{"wrong method", ``, http.MethodGet, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/webhook/tawk", strings.NewReader(tt.body))
			rr := serve(h, req)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
		})
	}
}

func TestTawkWebhook_MaxLengthsAccepted(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()
	rr := chat(t, h, strings.Repeat("s", 128), strings.Repeat("a", 2000))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "boundary lengths")
}

func TestPayloadTooLarge(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()

	big := `{"session_id":"s","message":"` + strings.Repeat("a", 300*1024) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/tawk", strings.NewReader(big))
	rr := serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "declared length")

	// Unknown length: the cap applies while reading.
	req = httptest.NewRequest(http.MethodPost, "/webhook/tawk", io.NopCloser(strings.NewReader(big)))
	req.ContentLength = -1
	rr = serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "streamed body")
}

func TestRateLimit(t *testing.T) {
	h := testutil.NewTestServer(t, api.WithRateLimit(time.Minute, 2)).Handler()

	for i := 0; i < 2; i++ {
		rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "within limit")
	}
	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusTooManyRequests, rr.Code, "over limit")

	other := testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	other.RemoteAddr = "198.51.100.7:5555"
	testutil.AssertHTTPStatus(t, http.StatusOK, serve(h, other).Code, "other client")
}

func TestHealth(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()
	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	testutil.AssertJSONResponse(t, rr, "ok")
}

func TestRootAndStatic(t *testing.T) {
	h := testutil.NewTestServer(t).Handler()
	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "root without UI")
	if !strings.Contains(rr.Body.String(), "No UI here") {
		t.Errorf("body = %q", rr.Body.String())
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>chat</h1>"), 0644); err != nil {
		t.Fatal(err)
	}
	h = testutil.NewTestServer(t, api.WithStaticDir(dir)).Handler()
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/", nil))
	testutil.AssertHTTPStatus(t, http.StatusTemporaryRedirect, rr.Code, "root with UI")
	if loc := rr.Header().Get("Location"); loc != "/static/index.html" {
		t.Errorf("Location = %q", loc)
	}
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/static/index.html", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "static file")
	if !strings.Contains(rr.Body.String(), "chat") {
		t.Errorf("static body = %q", rr.Body.String())
	}
}

func TestDebugRoutesOnlyInDev(t *testing.T) {
	prod := testutil.NewTestServer(t).Handler()
	rr := serve(prod, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/slots", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "prod debug")

	dev := testutil.NewTestServer(t, api.WithDevMode(true)).Handler()
	rr = serve(dev, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/slots", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "dev debug")
	if !strings.HasPrefix(rr.Body.String(), "ORDER: [platform device_model quantity") {
		t.Errorf("slots body = %q", rr.Body.String())
	}
}

func TestDebugSession(t *testing.T) {
	h := testutil.NewTestServer(t, api.WithDevMode(true)).Handler()
	chat(t, h, "abc", "I need 4 iPhones")

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/sessions/abc", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "known session")
	var body struct {
		State struct {
			Data  map[string]any `json:"data"`
			Turns int            `json:"turns"`
		} `json:"state"`
	}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	if body.State.Data["platform"] != "iOS" || body.State.Data["quantity"] != float64(4) || body.State.Turns != 1 {
		t.Errorf("unexpected state %+v", body.State)
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/sessions/nope", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown session")
}

func TestDebugInventoryViews(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"devices":[
			{"model":"Pixel 7","platform":"android","version":"14","group":{"name":"CLEAN"},"status":3,"ready":true,"present":true},
			{"model":"iPhone 12","platform":"iOS","version":"17.1","group":"DIRTY","status":3,"ready":true,"present":true}
		]}`))
	}))
	defer upstream.Close()

	client := inventory.NewClient(inventory.WithBaseURL(upstream.URL), inventory.WithEnabled(true))
	rec := inventory.NewRecommender(client, 3)
	h := testutil.NewTestServer(t,
		api.WithDevMode(true),
		api.WithInventory(client, rec),
		api.WithDebugConfig(map[string]any{"SD_API_BASE": upstream.URL}),
	).Handler()

	var raw struct {
		Count int              `json:"count"`
		Items []map[string]any `json:"items"`
	}
	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/raw", nil))
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &raw)
	if raw.Count != 2 || raw.Items[0]["group"] != "CLEAN" || raw.Items[1]["model"] != "iPhone 12" {
		t.Errorf("unexpected raw view %+v", raw)
	}

	var clean struct {
		Count int                `json:"count"`
		Items []inventory.Device `json:"items"`
	}
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/clean", nil))
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &clean)
	if clean.Count != 1 || clean.Items[0].Name != "Pixel 7" || clean.Items[0].Platform != "Android" {
		t.Errorf("unexpected clean view %+v", clean)
	}

	var log struct {
		Tries []inventory.FetchAttempt `json:"tries"`
	}
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/fetch-log", nil))
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &log)
	if len(log.Tries) != 1 || log.Tries[0].Status != http.StatusOK || log.Tries[0].Count != 2 {
		t.Errorf("unexpected fetch log %+v", log.Tries)
	}

	var cfg map[string]any
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/debug/config", nil))
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &cfg)
	if cfg["SD_API_BASE"] != upstream.URL {
		t.Errorf("unexpected config %v", cfg)
	}
}

func TestRequestsListing(t *testing.T) {
	st := store.NewInMemoryStore()
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := st.SaveIntakeRequest(models.IntakeRequest{ID: "r1", SessionID: "s", Data: map[string]any{"platform": "iOS"}, CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
	h := testutil.NewTestServer(t, api.WithRequests(st)).Handler()

	rr := serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/requests", nil))
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if list, ok := resp["result"].([]any); !ok || len(list) != 1 {
		t.Errorf("unexpected result %v", resp["result"])
	}

	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/requests/r1", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "known request")
	rr = serve(h, testutil.CreateHTTPRequest(t, http.MethodGet, "/requests/missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown request")
}

func TestTwilioWebhookMounted(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	h := testutil.NewTestServer(t, api.WithTwilio(svc)).Handler()

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi"}, "MessageSid": {"SM9"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "twilio webhook")

	select {
	case r := <-svc.Responses():
		if r.MessageID != "SM9" {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected inbound response")
	}
}

func TestCORSInDev(t *testing.T) {
	h := testutil.NewTestServer(t, api.WithDevMode(true)).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/webhook/tawk", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := serve(h, req)
	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "preflight")
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("allow origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}

	prod := testutil.NewTestServer(t).Handler()
	rr = serve(prod, testutil.CreateHTTPRequest(t, http.MethodGet, "/health", nil))
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers must not be set outside dev")
	}
}
