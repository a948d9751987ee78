package transport

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/setupforge/coordinator/ceremony/backend/blake2bref"
	"github.com/setupforge/coordinator/ceremony/backend/ed25519sig"
	"github.com/setupforge/coordinator/ceremony/coordinator"
	"github.com/setupforge/coordinator/ceremony/queue"
	"github.com/setupforge/coordinator/ceremony/state"
	"github.com/setupforge/coordinator/ceremony/storage"
)

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	now := time.Now()
	store := storage.NewMemStore()
	cfg := coordinator.DefaultConfig()
	cfg.NumberOfChunks = 1

	q := queue.New(now, time.Hour, false)
	q.LoadTokens([][]string{{""}})
	st := state.New(q)
	be := blake2bref.New()
	scheme := ed25519sig.New()
	co := coordinator.New(store, storage.SizeSchedule{BaseSize: 1}, st, be, scheme, cfg)

	srv := NewServer(co, NewNotifier())
	return srv, co
}

func TestJoinQueueRejectsGetMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/queue/join", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 405 {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestJoinQueueAcceptsValidRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(joinQueueRequest{
		ParticipantID: "alice", IP: "1.2.3.4", Reliability: 50,
	})
	req := httptest.NewRequest("POST", "/v1/queue/join", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLockRejectsUnauthorizedParticipant(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(lockRequest{ParticipantID: "nobody"})
	req := httptest.NewRequest("POST", "/v1/chunks/lock", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 409 {
		t.Fatalf("expected 409 for a participant not in the current round, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdvanceRejectsBeforeRoundInitialized(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/v1/round/advance", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != 409 {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}
