// Package transport exposes the ceremony coordinator's façade over HTTP and
// broadcasts round-advance/drop events over WebSocket. It follows the same
// mux-and-handler shape as the corpus's JSON-RPC server, adapted to a
// ceremony-specific method set instead of Ethereum JSON-RPC.
package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/setupforge/coordinator/ceremony/coordinator"
	"github.com/setupforge/coordinator/ceremony/locator"
	"github.com/setupforge/coordinator/ceremony/participant"
	"github.com/setupforge/coordinator/log"
)

// Server is the HTTP front end over a Coordinator.
type Server struct {
	co     *coordinator.Coordinator
	mux    *http.ServeMux
	notify *Notifier
	logger *log.Logger

	// lockGroup collapses concurrent retried lock requests from the same
	// participant (clients on a flaky connection commonly resend a lock
	// request before the first response arrives) into a single TryLock call.
	lockGroup singleflight.Group
}

// NewServer builds a Server dispatching onto co. notify may be nil.
func NewServer(co *coordinator.Coordinator, notify *Notifier) *Server {
	s := &Server{co: co, mux: http.NewServeMux(), notify: notify, logger: log.Default().Module("transport")}
	s.mux.HandleFunc("/v1/queue/join", s.handleJoinQueue)
	s.mux.HandleFunc("/v1/chunks/lock", s.handleLock)
	s.mux.HandleFunc("/v1/chunks/contribute", s.handleContribute)
	s.mux.HandleFunc("/v1/chunks/verify", s.handleVerify)
	s.mux.HandleFunc("/v1/round/aggregate", s.handleAggregate)
	s.mux.HandleFunc("/v1/round/advance", s.handleAdvance)
	s.mux.HandleFunc("/v1/admin/ban", s.handleBan)
	s.mux.HandleFunc("/v1/admin/reset", s.handleReset)
	return s
}

// Handler returns the composed HTTP handler, wrapped in the standard
// middleware chain.
func (s *Server) Handler() http.Handler {
	return MiddlewareChain(s.mux, RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger), CORSMiddleware(DefaultCORSConfig()))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

type joinQueueRequest struct {
	ParticipantID string `json:"participant_id"`
	IsVerifier    bool   `json:"is_verifier"`
	IP            string `json:"ip"`
	Token         string `json:"token"`
	Reliability   uint8  `json:"reliability"`
}

func (s *Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req joinQueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	p := participant.Contributor(req.ParticipantID)
	if req.IsVerifier {
		p = participant.Verifier(req.ParticipantID)
	}
	if err := s.co.AddToQueue(p, req.IP, req.Token, req.Reliability, time.Now()); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Queued bool `json:"queued"`
	}{true})
}

type lockRequest struct {
	ParticipantID string `json:"participant_id"`
}

type lockResponse struct {
	ChunkID                   uint64          `json:"chunk_id"`
	PreviousContribution      locator.Locator `json:"previous_contribution"`
	NextContribution          locator.Locator `json:"next_contribution"`
	NextContributionSignature locator.Locator `json:"next_contribution_signature"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	type lockResult struct {
		chunkID uint64
		locs    coordinator.LockedLocators
	}
	v, err, _ := s.lockGroup.Do(req.ParticipantID, func() (any, error) {
		chunkID, locs, err := s.co.TryLock(participant.Contributor(req.ParticipantID), time.Now())
		if err != nil {
			return nil, err
		}
		return lockResult{chunkID, locs}, nil
	})
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	res := v.(lockResult)
	writeJSON(w, http.StatusOK, lockResponse{
		ChunkID:                   res.chunkID,
		PreviousContribution:      res.locs.PreviousContribution,
		NextContribution:          res.locs.NextContribution,
		NextContributionSignature: res.locs.NextContributionSignature,
	})
}

type contributeRequest struct {
	ParticipantID string `json:"participant_id"`
	ChunkID       uint64 `json:"chunk_id"`
	Response      []byte `json:"response"`
	Signature     []byte `json:"signature"`
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req contributeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	loc, err := s.co.TryContribute(participant.Contributor(req.ParticipantID), req.ChunkID, req.Response, req.Signature, time.Now())
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

type verifyRequest struct {
	VerifierID     string `json:"verifier_id"`
	ChunkID        uint64 `json:"chunk_id"`
	ContributionID uint64 `json:"contribution_id"`
	Signature      []byte `json:"signature"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	task, err := participant.NewTask(req.ChunkID, req.ContributionID)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	loc, err := s.co.TryVerify(participant.Verifier(req.VerifierID), task, req.Signature, time.Now())
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if s.notify != nil {
		s.notify.BroadcastChunkVerified(req.ChunkID, req.ContributionID)
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	if err := s.co.TryAggregate(); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Aggregated bool `json:"aggregated"`
	}{true})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	if err := s.co.TryAdvance(time.Now()); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if s.notify != nil {
		s.notify.BroadcastRoundAdvanced(s.co.Round.RoundHeight)
	}
	writeJSON(w, http.StatusOK, struct {
		RoundHeight uint64 `json:"round_height"`
	}{s.co.Round.RoundHeight})
}

type banRequest struct {
	ParticipantID string `json:"participant_id"`
	IsVerifier    bool   `json:"is_verifier"`
	IP            string `json:"ip"`
	Token         string `json:"token"`
}

// handleBan is an operator-only endpoint (spec §4.H Banning): it drops p,
// adds it to the banned set, and blacklists its token/IP.
func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	var req banRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	p := participant.Contributor(req.ParticipantID)
	if req.IsVerifier {
		p = participant.Verifier(req.ParticipantID)
	}
	if err := s.co.Ban(p, req.IP, req.Token); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if s.notify != nil {
		s.notify.BroadcastParticipantDropped(req.ParticipantID)
	}
	writeJSON(w, http.StatusOK, struct {
		Banned bool `json:"banned"`
	}{true})
}

// handleReset is an operator-only endpoint running the force_rollback
// branch of reset_current_round (spec §4.H reset_current_round), for
// recovering a round stuck with unresponsive contributors.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	if err := s.co.ForceResetCurrentRound(time.Now()); err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	if s.notify != nil {
		s.notify.BroadcastRoundAdvanced(s.co.Round.RoundHeight)
	}
	writeJSON(w, http.StatusOK, struct {
		RoundHeight uint64 `json:"round_height"`
	}{s.co.Round.RoundHeight})
}
