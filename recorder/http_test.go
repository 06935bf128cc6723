package recorder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/btcapture/gate"
)

type apiClient struct {
	t     *testing.T
	h     http.Handler
	token string
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	rec, _ := testRecorder(t)
	router, _ := rec.Router()
	return &apiClient{t: t, h: router}
}

func (c *apiClient) do(method, path, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.h.ServeHTTP(w, req)
	return w
}

func (c *apiClient) login() {
	c.t.Helper()
	w := c.do(http.MethodPost, "/api/auth/login", `{"username":"admin","password":"password123"}`)
	if w.Code != http.StatusOK {
		c.t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || out.Token == "" {
		c.t.Fatalf("login body %q: %v", w.Body.String(), err)
	}
	var cookie bool
	for _, ck := range w.Result().Cookies() {
		if ck.Name == gate.CookieName && ck.Value == out.Token && ck.HttpOnly {
			cookie = true
		}
	}
	if !cookie {
		c.t.Error("login did not set the session cookie")
	}
	c.token = out.Token
}

func TestHTTP_PublicRoutes(t *testing.T) {
	api := newAPI(t)

	if w := api.do(http.MethodGet, "/health", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodGet, "/api/captures", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("captures without token = %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/api/auth/login", `{"username":"admin","password":"x"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("bad login = %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/api/auth/login", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed login = %d", w.Code)
	}
}

func TestHTTP_Captures(t *testing.T) {
	api := newAPI(t)
	api.login()

	w := api.do(http.MethodPost, "/api/captures", `{"payload":"temp=21.5","label":"Lab A"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	api.do(http.MethodPost, "/api/captures", `{"payload":"hum=40","label":"Lab B"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		want   string
	}{
		{"list", http.MethodGet, "/api/captures", "", 200, `"count":2`},
		{"search", http.MethodGet, "/api/captures?q=HUM", "", 200, `"count":1`},
		{"count", http.MethodGet, "/api/captures/count", "", 200, `{"count":2}`},
		{"get", http.MethodGet, "/api/captures/1", "", 200, `"label":"Lab A"`},
		{"get missing", http.MethodGet, "/api/captures/999", "", 404, "not found"},
		{"get bad id", http.MethodGet, "/api/captures/abc", "", 400, "id must be an integer"},
		{"empty label", http.MethodPost, "/api/captures", `{"payload":"x","label":""}`, 400, "label"},
		{"bad json", http.MethodPost, "/api/captures", `{"payload":`, 400, "invalid JSON"},
		{"delete", http.MethodDelete, "/api/captures/1", "", 200, `{"deleted":1}`},
		{"delete again", http.MethodDelete, "/api/captures/1", "", 404, "not found"},
		{"clear", http.MethodDelete, "/api/captures", "", 200, `{"deleted":1}`},
		{"events", http.MethodGet, "/api/events?type=capture_saved", "", 200, `"type":"capture_saved"`},
		{"events bad limit", http.MethodGet, "/api/events?limit=x", "", 400, "limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(tt.method, tt.path, tt.body)
			if w.Code != tt.status || !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("%s %s = %d %s, want %d containing %q", tt.method, tt.path, w.Code, w.Body.String(), tt.status, tt.want)
			}
		})
	}
	if created.ID != 1 {
		t.Errorf("first id = %d, want 1", created.ID)
	}
}

func TestHTTP_DeviceAndStaging(t *testing.T) {
	api := newAPI(t)
	api.login()

	if w := api.do(http.MethodGet, "/api/device", ""); !strings.Contains(w.Body.String(), `"state":"idle"`) {
		t.Errorf("device = %s", w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/device/connect", `{"device_id":"device1"}`); w.Code != http.StatusConflict {
		t.Errorf("connect from idle = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/staged/confirm", `{"label":"Lab"}`); w.Code != http.StatusConflict {
		t.Errorf("confirm with empty slot = %d", w.Code)
	}
	if w := api.do(http.MethodGet, "/api/staged", ""); !strings.Contains(w.Body.String(), `"staged":false`) {
		t.Errorf("staged = %s", w.Body.String())
	}

	if w := api.do(http.MethodPost, "/api/device/scan", ""); w.Code != http.StatusOK {
		t.Fatalf("scan = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodPost, "/api/device/scan", ""); w.Code != http.StatusConflict {
		t.Errorf("second scan = %d", w.Code)
	}
	if w := api.do(http.MethodPost, "/api/device/connect", `{"device_id":"nope"}`); w.Code != http.StatusNotFound {
		t.Errorf("connect unknown = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodDelete, "/api/device/scan", ""); w.Code != http.StatusOK {
		t.Errorf("stop scan = %d", w.Code)
	}
}

func TestHTTP_Logout(t *testing.T) {
	api := newAPI(t)
	api.login()

	w := api.do(http.MethodPost, "/api/auth/logout", "")
	if w.Code != http.StatusOK {
		t.Fatalf("logout = %d %s", w.Code, w.Body.String())
	}
	if w := api.do(http.MethodGet, "/api/captures", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("old token after logout = %d", w.Code)
	}
}
