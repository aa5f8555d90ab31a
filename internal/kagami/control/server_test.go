package control_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kagami/internal/kagami/control"
	"github.com/bdobrica/Kagami/internal/kagami/pool"
)

type recorded struct {
	applies   atomic.Int64
	refreshes atomic.Int64
	applyErr  error
}

func newTestServer(token string, rec *recorded) *control.Server {
	return control.New(":0", control.Handlers{
		Version:   "v0.0.1-test",
		StartedAt: time.Now(),
		Token:     token,
		RosterHash: func() string {
			return "deadbeefdeadbeefdeadbeefdeadbeef"
		},
		Backends: func() []pool.Status {
			return []pool.Status{{Name: "files", State: "ready"}}
		},
		ApplyConfig: func(yaml, hash string) error {
			rec.applies.Add(1)
			return rec.applyErr
		},
		Refresh: func(context.Context) {
			rec.refreshes.Add(1)
		},
	})
}

func startTestServer(t *testing.T, token string, rec *recorded) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(newTestServer(token, rec).TestHandler())
	t.Cleanup(ts.Close)
	return ts
}

func TestAuthMiddlewareRejectsUnauthenticated(t *testing.T) {
	ts := startTestServer(t, "my-secret-token", &recorded{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", resp.StatusCode)
	}
}

func TestHealthAndStatus(t *testing.T) {
	ts := startTestServer(t, "", &recorded{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status control.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.RosterHash == "" || len(status.Backends) != 1 {
		t.Fatalf("status = %+v", status)
	}
	if status.Backends[0].State != "ready" {
		t.Fatalf("backend state = %q", status.Backends[0].State)
	}
}

func TestConfigApplyWithIdempotency(t *testing.T) {
	rec := &recorded{}
	ts := startTestServer(t, "tok", rec)

	body, _ := json.Marshal(control.ConfigApplyRequest{YAML: "backends: []", Hash: "cafe"})
	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/config/apply", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer tok")
		req.Header.Set("X-Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(); code != http.StatusOK {
		t.Fatalf("first apply = %d", code)
	}
	if code := post(); code != http.StatusOK {
		t.Fatalf("replay = %d", code)
	}
	if n := rec.applies.Load(); n != 1 {
		t.Fatalf("apply ran %d times, want 1 (idempotent replay)", n)
	}
}

func TestConfigApplyValidationFailure(t *testing.T) {
	rec := &recorded{applyErr: context.DeadlineExceeded}
	ts := startTestServer(t, "", rec)

	body, _ := json.Marshal(control.ConfigApplyRequest{YAML: "bad", Hash: "00"})
	resp, err := http.Post(ts.URL+"/config/apply", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestBackendsRefresh(t *testing.T) {
	rec := &recorded{}
	ts := startTestServer(t, "", rec)

	resp, err := http.Post(ts.URL+"/backends/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.refreshes.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.refreshes.Load() != 1 {
		t.Fatal("refresh callback never ran")
	}

	if resp, _ := http.Get(ts.URL + "/backends/refresh"); resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("GET refresh = %d, want 405", resp.StatusCode)
		}
	}
}
