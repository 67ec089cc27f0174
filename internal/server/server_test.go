package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/migrate"
)

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	eng engine.Engine
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.BcryptCost = 4
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	handler, err := New(Config{Engine: eng})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{t: t, srv: srv, eng: eng}
}

func (s *testServer) do(method, path, token string, body any) (*http.Response, map[string]any) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	if err != nil {
		s.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.srv.Client().Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	var decoded map[string]any
	json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

// registerUser creates an account directly through the engine so tests can
// mint roles without going through the admin-only HTTP path.
func (s *testServer) registerUser(username string, role domain.Role) {
	s.t.Helper()
	email := fmt.Sprintf("%s@example.com", username)
	if _, err := s.eng.Register(context.Background(), username, email, "Password1", role); err != nil {
		s.t.Fatalf("register %s: %v", username, err)
	}
}

// login returns the access and refresh tokens for a seeded user.
func (s *testServer) login(username string) (string, string) {
	s.t.Helper()
	res, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": "Password1",
	})
	if res.StatusCode != http.StatusOK {
		s.t.Fatalf("login %s: status %d body %v", username, res.StatusCode, body)
	}
	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	if access == "" || refresh == "" {
		s.t.Fatalf("login %s: missing tokens in %v", username, body)
	}
	return access, refresh
}

func errBody(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	return envelope
}

func TestHealthIsOpen(t *testing.T) {
	s := newTestServer(t, nil)
	res, body := s.do(http.MethodGet, "/api/v1/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestMissingTokenEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/v1/projects", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "req-123")
	res, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if got := res.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID = %q", got)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	envelope := errBody(t, body)
	if envelope["code"] != "AUTHENTICATION_ERROR" {
		t.Fatalf("code = %v", envelope["code"])
	}
	if envelope["request_id"] != "req-123" {
		t.Fatalf("request_id = %v", envelope["request_id"])
	}
}

func TestRegisterLoginMe(t *testing.T) {
	s := newTestServer(t, nil)
	res, body := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "Password1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d body %v", res.StatusCode, body)
	}
	if body["role"] != "developer" {
		t.Fatalf("role = %v", body["role"])
	}
	access, _ := s.login("alice")
	res, body = s.do(http.MethodGet, "/api/v1/auth/me", access, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", res.StatusCode)
	}
	if body["username"] != "alice" {
		t.Fatalf("me = %v", body)
	}
}

func TestRegisterRoleNeedsAdmin(t *testing.T) {
	s := newTestServer(t, nil)
	res, body := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "mallory",
		"email":    "mallory@example.com",
		"password": "Password1",
		"role":     "admin",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d body %v", res.StatusCode, body)
	}
	if errBody(t, body)["code"] != "AUTHORIZATION_ERROR" {
		t.Fatalf("body = %v", body)
	}

	// An authenticated admin can assign roles on registration.
	s.registerUser("root", domain.RoleAdmin)
	access, _ := s.login("root")
	res, body = s.do(http.MethodPost, "/api/v1/auth/register", access, map[string]string{
		"username": "manager",
		"email":    "manager@example.com",
		"password": "Password1",
		"role":     "manager",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("admin register: status %d body %v", res.StatusCode, body)
	}
	if body["role"] != "manager" {
		t.Fatalf("role = %v", body["role"])
	}
}

func TestRegisterValidationEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	res, body := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "weakpass",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body %v", res.StatusCode, body)
	}
	if errBody(t, body)["code"] != "VALIDATION_ERROR" {
		t.Fatalf("body = %v", body)
	}
}

func TestProjectIssueFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("root", domain.RoleAdmin)
	s.registerUser("dev", domain.RoleDeveloper)
	admin, _ := s.login("root")
	dev, _ := s.login("dev")

	res, body := s.do(http.MethodPost, "/api/v1/projects", admin, map[string]string{
		"name": "Backend",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d body %v", res.StatusCode, body)
	}
	projectID, _ := body["id"].(string)

	// Developers may not mutate projects.
	res, body = s.do(http.MethodPatch, "/api/v1/projects/"+projectID, dev, map[string]string{
		"name": "Hijacked",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("dev patch project: status %d body %v", res.StatusCode, body)
	}
	if errBody(t, body)["code"] != "AUTHORIZATION_ERROR" {
		t.Fatalf("body = %v", body)
	}

	res, body = s.do(http.MethodPost, "/api/v1/projects/"+projectID+"/issues", dev, map[string]string{
		"title":    "Crash on startup",
		"priority": "high",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: status %d body %v", res.StatusCode, body)
	}
	issueID, _ := body["id"].(string)
	if body["status"] != "open" {
		t.Fatalf("status = %v", body["status"])
	}

	// The reporter can move their own issue along the lifecycle.
	res, body = s.do(http.MethodPatch, "/api/v1/issues/"+issueID, dev, map[string]string{
		"status": "in_progress",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start progress: status %d body %v", res.StatusCode, body)
	}

	// in_progress -> open is not an edge.
	res, body = s.do(http.MethodPatch, "/api/v1/issues/"+issueID, dev, map[string]string{
		"status": "open",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad transition: status %d body %v", res.StatusCode, body)
	}
	envelope := errBody(t, body)
	if envelope["code"] != "INVALID_STATUS_TRANSITION" {
		t.Fatalf("code = %v", envelope["code"])
	}

	res, body = s.do(http.MethodGet, "/api/v1/issues/"+issueID+"/transitions", dev, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: status %d", res.StatusCode)
	}
	if body["current_status"] != "in_progress" {
		t.Fatalf("current_status = %v", body["current_status"])
	}

	res, body = s.do(http.MethodPost, "/api/v1/issues/"+issueID+"/comments", dev, map[string]string{
		"content": "Stack trace attached",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add comment: status %d body %v", res.StatusCode, body)
	}

	res, body = s.do(http.MethodGet, "/api/v1/projects/"+projectID+"/issues?status=in_progress", dev, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list issues: status %d", res.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", body["items"])
	}
	if body["total"] != float64(1) || body["page"] != float64(1) {
		t.Fatalf("pagination = %v", body)
	}
}

func TestDuplicateProjectConflict(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("boss", domain.RoleManager)
	token, _ := s.login("boss")

	res, _ := s.do(http.MethodPost, "/api/v1/projects", token, map[string]string{"name": "Backend"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status %d", res.StatusCode)
	}
	res, body := s.do(http.MethodPost, "/api/v1/projects", token, map[string]string{"name": "Backend"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create: status %d body %v", res.StatusCode, body)
	}
	envelope := errBody(t, body)
	if envelope["code"] != "CONFLICT_ERROR" {
		t.Fatalf("code = %v", envelope["code"])
	}
}

func TestProjectIssueCounts(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("boss", domain.RoleManager)
	token, _ := s.login("boss")

	res, created := s.do(http.MethodPost, "/api/v1/projects", token, map[string]string{"name": "Backend"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d", res.StatusCode)
	}
	projectID, _ := created["id"].(string)
	res, _ = s.do(http.MethodPost, "/api/v1/projects/"+projectID+"/issues", token, map[string]string{"title": "crash"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: status %d", res.StatusCode)
	}
	res, body := s.do(http.MethodGet, "/api/v1/projects/"+projectID, token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: status %d body %v", res.StatusCode, body)
	}
	counts, ok := body["issue_counts"].(map[string]any)
	if !ok {
		t.Fatalf("missing issue_counts in %v", body)
	}
	if counts["open"] != float64(1) {
		t.Fatalf("open count = %v", counts["open"])
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	s := newTestServer(t, nil)
	res, _ := s.do(http.MethodGet, "/api/v1/health", "", nil)
	if got := res.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := res.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if res.Header.Get("Content-Security-Policy") == "" {
		t.Fatal("missing Content-Security-Policy")
	}
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.LoginPerMinute = 3
	})
	s.registerUser("alice", domain.RoleDeveloper)
	for i := 0; i < 3; i++ {
		res, _ := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"username": "alice",
			"password": "wrong-password",
		})
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, res.StatusCode)
		}
	}
	res, body := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "alice",
		"password": "Password1",
	})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d body %v", res.StatusCode, body)
	}
	if errBody(t, body)["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("body = %v", body)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("alice", domain.RoleDeveloper)
	_, refresh := s.login("alice")

	res, body := s.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refresh: status %d body %v", res.StatusCode, body)
	}
	newAccess, _ := body["access_token"].(string)
	if newAccess == "" {
		t.Fatalf("refresh body = %v", body)
	}

	// The rotated-out refresh token is dead.
	res, body = s.do(http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay refresh: status %d body %v", res.StatusCode, body)
	}

	res, _ = s.do(http.MethodPost, "/api/v1/auth/logout", newAccess, map[string]string{})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", res.StatusCode)
	}
	res, _ = s.do(http.MethodGet, "/api/v1/auth/me", newAccess, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout: status %d", res.StatusCode)
	}
}

func TestArchiveProjectEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("root", domain.RoleAdmin)
	admin, _ := s.login("root")

	_, body := s.do(http.MethodPost, "/api/v1/projects", admin, map[string]string{"name": "Old"})
	projectID, _ := body["id"].(string)

	res, _ := s.do(http.MethodDelete, "/api/v1/projects/"+projectID, admin, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("archive: status %d", res.StatusCode)
	}

	res, body = s.do(http.MethodPost, "/api/v1/projects/"+projectID+"/issues", admin, map[string]string{
		"title": "Too late",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("issue in archived: status %d body %v", res.StatusCode, body)
	}
	if errBody(t, body)["code"] != "BUSINESS_RULE_VIOLATION" {
		t.Fatalf("body = %v", body)
	}

	res, body = s.do(http.MethodPost, "/api/v1/projects/"+projectID+"/unarchive", admin, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unarchive: status %d body %v", res.StatusCode, body)
	}
	if body["is_archived"] != false {
		t.Fatalf("is_archived = %v", body["is_archived"])
	}
}

func TestAuditRequiresAdmin(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerUser("root", domain.RoleAdmin)
	s.registerUser("dev", domain.RoleDeveloper)
	admin, _ := s.login("root")
	dev, _ := s.login("dev")

	res, _ := s.do(http.MethodGet, "/api/v1/audit", dev, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("dev audit: status %d", res.StatusCode)
	}

	s.do(http.MethodPost, "/api/v1/projects", admin, map[string]string{"name": "P"})
	res, body := s.do(http.MethodGet, "/api/v1/audit?type=project.created", admin, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin audit: status %d", res.StatusCode)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", body["items"])
	}
}
