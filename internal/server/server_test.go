package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"delaycatcher/internal/config"
	"delaycatcher/internal/db"
	"delaycatcher/internal/domain"
	"delaycatcher/internal/engine"
	"delaycatcher/internal/migrate"
)

const testJWTSecret = "test-secret"

type fakeUpstream struct {
	mu    sync.Mutex
	tasks map[string]domain.TaskRecord
}

func (f *fakeUpstream) ListTasks(ctx context.Context, project string) ([]domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TaskRecord, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeUpstream) GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.TaskRecord{}, errors.New("no such task")
	}
	return t, nil
}

func (f *fakeUpstream) SetFields(ctx context.Context, taskID string, update domain.FieldUpdate) error {
	return nil
}

func (f *fakeUpstream) TaskModifier(ctx context.Context, taskID string, change domain.ChangeType) domain.Modifier {
	return domain.Modifier{UpdatedAt: "2026-01-02T00:00:00Z", UpdatedBy: "Robin"}
}

func (f *fakeUpstream) put(rec domain.TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks == nil {
		f.tasks = map[string]domain.TaskRecord{}
	}
	f.tasks[rec.TaskID] = rec
}

type fakeSink struct{}

func (fakeSink) Append(ctx context.Context, rec domain.DelayRecord) error { return nil }

type testServer struct {
	URL      string
	Engine   *engine.Engine
	Upstream *fakeUpstream
	client   *http.Client
	close    func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	up := &fakeUpstream{}
	e := engine.New(conn, config.Default("proj-1"), up, fakeSink{})
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Engine:   e,
		Upstream: up,
		client:   &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func bearer(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).
		SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + tok
}

func (s *testServer) do(t *testing.T, method, path, authz string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return res
}

func ptr(s string) *string { return &s }

func TestHealthOpen(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodGet, "/v0/health", "", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodGet, "/v0/status", "", nil)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	res = s.do(t, http.MethodGet, "/v0/status", "Bearer not-a-token", nil)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
	res = s.do(t, http.MethodGet, "/v0/status", bearer(t), nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestRunPassAndSnapshots(t *testing.T) {
	s := newTestServer(t)
	s.Upstream.put(domain.TaskRecord{TaskID: "t-1", Name: "Ship it", DueOn: ptr("2026-01-10")})

	res := s.do(t, http.MethodPost, "/v0/passes", bearer(t), nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var pass engine.PassResult
	if err := json.NewDecoder(res.Body).Decode(&pass); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pass.Baselined != 1 {
		t.Fatalf("pass %+v", pass)
	}

	res = s.do(t, http.MethodGet, "/v0/snapshots/t-1", bearer(t), nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var snap SnapshotResponse
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.TaskID != "t-1" || snap.DueOn == nil || *snap.DueOn != "2026-01-10" {
		t.Fatalf("snapshot %+v", snap)
	}

	res = s.do(t, http.MethodGet, "/v0/snapshots/missing", bearer(t), nil)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestHookHandshakeEchoesSecret(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/hooks/tasks", bytes.NewReader(nil))
	req.Header.Set("X-Hook-Secret", "shh")
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	if got := res.Header.Get("X-Hook-Secret"); got != "shh" {
		t.Fatalf("header echo = %q", got)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "shh" {
		t.Fatalf("body echo = %q", body)
	}
	secret, err := s.Engine.Repo.GetKV(context.Background(), hookSecretKey)
	if err != nil || secret != "shh" {
		t.Fatalf("stored secret %q err %v", secret, err)
	}
}

func TestHookSecretCannotBeRotated(t *testing.T) {
	s := newTestServer(t)
	handshake := func(secret string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, s.URL+"/hooks/tasks", bytes.NewReader(nil))
		req.Header.Set("X-Hook-Secret", secret)
		res, err := s.client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	res := handshake("shh")
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first handshake: status %d", res.StatusCode)
	}

	// A repeat with a different value must not replace the stored secret.
	res = handshake("attacker")
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("mismatched handshake: status %d", res.StatusCode)
	}
	secret, err := s.Engine.Repo.GetKV(context.Background(), hookSecretKey)
	if err != nil || secret != "shh" {
		t.Fatalf("stored secret %q err %v", secret, err)
	}

	// Retrying with the same value is the upstream's retry, still OK.
	res = handshake("shh")
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat handshake: status %d", res.StatusCode)
	}

	// Deliveries signed with the rejected secret stay unauthorized.
	body := []byte(`{"events":[]}`)
	mac := hmac.New(sha256.New, []byte("attacker"))
	mac.Write(body)
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/hooks/tasks", bytes.NewReader(body))
	req.Header.Set("X-Hook-Signature", hex.EncodeToString(mac.Sum(nil)))
	res, err = s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("delivery with rejected secret: status %d", res.StatusCode)
	}
}

func TestHookSignatureEnforced(t *testing.T) {
	s := newTestServer(t)
	// handshake first
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/hooks/tasks", bytes.NewReader(nil))
	req.Header.Set("X-Hook-Secret", "shh")
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	body := []byte(`{"events":[]}`)
	res = s.do(t, http.MethodPost, "/hooks/tasks", "", body)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned delivery: status %d", res.StatusCode)
	}

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(body)
	req, _ = http.NewRequest(http.MethodPost, s.URL+"/hooks/tasks", bytes.NewReader(body))
	req.Header.Set("X-Hook-Signature", hex.EncodeToString(mac.Sum(nil)))
	res, err = s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signed delivery: status %d", res.StatusCode)
	}
}

func TestHookDeliveryTriggersReconcile(t *testing.T) {
	s := newTestServer(t)
	s.Upstream.put(domain.TaskRecord{TaskID: "t-1", Name: "Ship it", DueOn: ptr("2026-01-10")})

	// no secret stored: deliveries are accepted unsigned
	body := []byte(`{"events":[{"resource":{"gid":"t-1"},"change":{"field":"due_on"}}]}`)
	res := s.do(t, http.MethodPost, "/hooks/tasks", "", body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := s.Engine.Repo.GetSnapshot(context.Background(), "t-1"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("delivery never produced a snapshot")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
