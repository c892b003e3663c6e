package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/artifacts"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/config"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/crypto"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/gate"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/ledger"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/observability"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/pdo"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/registry"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/violation"
)

// maxBodyBytes bounds request bodies. Artifacts are small text documents;
// anything beyond this is not a governance artifact.
const maxBodyBytes = 1 << 20

// Server owns the admission endpoints.
type Server struct {
	gate    *gate.Validator
	engine  *pdo.Engine
	ledger  ledger.Store
	archive artifacts.Store
	profile *config.Profile
	obs     *observability.Provider
	log     *slog.Logger
	now     func() time.Time
}

// NewServer wires the admission surface over the core components.
func NewServer(g *gate.Validator, e *pdo.Engine, l ledger.Store) *Server {
	return &Server{
		gate:   g,
		engine: e,
		ledger: l,
		log:    slog.Default(),
		now:    time.Now,
	}
}

// WithArchive retains validated artifacts and sealed settlements in store.
func (s *Server) WithArchive(store artifacts.Store) *Server {
	s.archive = store
	return s
}

// WithProfile applies the deployment validation profile.
func (s *Server) WithProfile(p *config.Profile) *Server {
	s.profile = p
	return s
}

// WithObservability routes admission counters to p.
func (s *Server) WithObservability(p *observability.Provider) *Server {
	s.obs = p
	return s
}

// WithLogger replaces the request logger.
func (s *Server) WithLogger(log *slog.Logger) *Server {
	if log != nil {
		s.log = log
	}
	return s
}

// WithClock replaces the time source.
func (s *Server) WithClock(now func() time.Time) *Server {
	if now != nil {
		s.now = now
	}
	return s
}

// Handler builds the route table. The limiter throttles the admission
// routes only; health probes always answer. A nil limiter serves
// unthrottled. Every response carries an X-Request-ID for correlation.
func (s *Server) Handler(limiter *GlobalRateLimiter) http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/artifacts/validate", s.handleValidate)
	v1.HandleFunc("/v1/pdo/submit", s.handleSubmit)
	v1.HandleFunc("/v1/ledger/verify", s.handleVerifyChain)

	var admitted http.Handler = v1
	if limiter != nil {
		admitted = limiter.Middleware(v1)
	}

	root := http.NewServeMux()
	root.Handle("/v1/", admitted)
	root.HandleFunc("/healthz", s.handleHealthz)
	root.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown endpoint")
	})
	return RequestID(root)
}

// WireViolation is one rejection with its structural location.
type WireViolation struct {
	Code    string `json:"code"`
	Block   string `json:"block,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// WireAdvisory is one non-blocking signal. Advisories ride in their own
// list; they never appear among errors.
type WireAdvisory struct {
	Code    string `json:"code"`
	Block   string `json:"block,omitempty"`
	Message string `json:"message"`
}

// ValidateResponse is the gate verdict on the wire.
type ValidateResponse struct {
	Valid        bool            `json:"valid"`
	ArtifactType string          `json:"artifact_type,omitempty"`
	ArtifactID   string          `json:"artifact_id,omitempty"`
	AgentGID     string          `json:"agent_gid,omitempty"`
	Errors       []WireViolation `json:"errors"`
	Advisories   []WireAdvisory  `json:"advisories,omitempty"`
	ArchiveKey   string          `json:"archive_key,omitempty"`
}

// handleValidate admits one artifact document. The body is the raw
// document text. The verdict is data: a rejected artifact is still a 200.
// Only backend faults map to 5xx.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "cannot read artifact document")
		return
	}
	if len(data) == 0 {
		WriteBadRequest(w, "empty artifact document")
		return
	}

	verdict, err := s.gate.Validate(data, s.now())
	if err != nil {
		// Registry outage: fail closed, never report a verdict.
		WriteInternal(w, err)
		return
	}
	if verdict.Type != "" && !s.profile.Admits(string(verdict.Type)) {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unsupported Artifact Type",
			fmt.Sprintf("this deployment does not admit %s artifacts", verdict.Type))
		return
	}
	if s.obs != nil {
		s.obs.ArtifactValidated(r.Context(), string(verdict.Type), verdict.Valid)
	}

	resp := ValidateResponse{
		Valid:        verdict.Valid,
		ArtifactType: string(verdict.Type),
		ArtifactID:   verdict.ArtifactID,
		AgentGID:     string(verdict.Agent.GID),
		Errors:       wireViolations(verdict.Errors),
		Advisories:   wireAdvisories(verdict.Advisories),
	}
	if verdict.Valid && s.archive != nil {
		key, err := s.archive.Put(r.Context(), data)
		if err != nil {
			s.log.Warn("artifact archive failed",
				"artifact_id", verdict.ArtifactID,
				"request_id", RequestIDFrom(r.Context()), "error", err)
		} else {
			resp.ArchiveKey = key
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// WireDecision names the authority ruling over a submitted PDO.
type WireDecision struct {
	Authority string `json:"authority"`
	Rationale string `json:"rationale,omitempty"`
}

// SubmitRequest carries one signed payload plus the decision that settles
// it. Payload stays raw so the canonical wire check sees the exact bytes.
type SubmitRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Envelope crypto.Envelope `json:"envelope"`
	Decision WireDecision    `json:"decision"`
	Outcome  string          `json:"outcome"`
}

// SubmitResponse reports the terminal settlement state.
type SubmitResponse struct {
	PDOID      string `json:"pdo_id"`
	State      string `json:"state"`
	Outcome    string `json:"outcome,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	EntryHash  string `json:"entry_hash,omitempty"`
	RejectCode string `json:"reject_code,omitempty"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// handleSubmit settles one PDO end to end: proof, decision, outcome,
// ledger commit. A rejection is a settlement result and answers 200 with
// the terminal state; only transport and backend failures are problems.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		WriteBadRequest(w, "payload is required")
		return
	}
	if err := canonical.ValidateWire(req.Payload); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	payload, err := canonical.Parse(req.Payload)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Envelope.KeyID == "" || req.Envelope.Sig == "" {
		WriteBadRequest(w, "signature envelope is required")
		return
	}

	unit := pdo.New(payload, &req.Envelope)
	err = s.engine.Settle(r.Context(), unit,
		pdo.Decision{
			Authority: registry.GID(req.Decision.Authority),
			Rationale: req.Decision.Rationale,
		},
		pdo.Outcome(req.Outcome))

	var rej violation.Rejection
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrConflict):
		// The commit lost the append race twice and the PDO is terminally
		// rejected; its nonce is spent, so the client must mint a new one.
		WriteConflict(w, "settlement lost the ledger append race twice; submit a fresh PDO")
		return
	case errors.As(err, &rej):
		if s.obs != nil && rej.RejectCode() == crypto.CodeReplay {
			s.obs.ReplayRejected(r.Context())
		}
	default:
		WriteInternal(w, err)
		return
	}

	resp := SubmitResponse{
		PDOID:      unit.ID(),
		State:      string(unit.State),
		RejectCode: unit.RejectCode,
	}
	if unit.State == pdo.StateFinalized {
		resp.Outcome = string(unit.Outcome)
		resp.Sequence = unit.Sequence
		resp.EntryHash = unit.EntryHash
		resp.ArchiveKey = s.seal(r.Context(), unit)
		if s.obs != nil {
			s.obs.LedgerAppend(r.Context())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// sealedBundle is the archived record of one finalized settlement.
type sealedBundle struct {
	Payload   json.RawMessage `json:"payload"`
	Envelope  crypto.Envelope `json:"envelope"`
	DecidedBy string          `json:"decided_by"`
	Outcome   string          `json:"outcome"`
	Sequence  uint64          `json:"sequence"`
	EntryHash string          `json:"entry_hash"`
}

// seal archives the finalized settlement bundle and returns its content
// key. Archive faults are logged, never surfaced: the ledger entry is the
// source of truth and it is already committed.
func (s *Server) seal(ctx context.Context, unit *pdo.PDO) string {
	if s.archive == nil {
		return ""
	}
	payload, err := canonical.Serialize(unit.Payload)
	if err == nil {
		var bundle []byte
		bundle, err = json.Marshal(sealedBundle{
			Payload:   payload,
			Envelope:  *unit.Envelope,
			DecidedBy: string(unit.DecidedBy),
			Outcome:   string(unit.Outcome),
			Sequence:  unit.Sequence,
			EntryHash: unit.EntryHash,
		})
		if err == nil {
			var key string
			key, err = s.archive.Put(ctx, bundle)
			if err == nil {
				return key
			}
		}
	}
	s.log.Warn("settlement archive failed", "pdo_id", unit.ID(),
		"request_id", RequestIDFrom(ctx), "error", err)
	return ""
}

// ChainResponse reports a full chain verification.
type ChainResponse struct {
	Valid   bool   `json:"valid"`
	Length  uint64 `json:"length"`
	BreakAt uint64 `json:"break_at,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleVerifyChain re-walks the whole ledger chain. A broken chain is
// reported, not repaired; operators decide what happens next.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	report, err := ledger.VerifyChain(r.Context(), s.ledger)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !report.OK {
		s.log.Error("ledger chain broken",
			"break_at", report.BreakAt, "reason", report.Reason)
	}
	writeJSON(w, http.StatusOK, ChainResponse{
		Valid:   report.OK,
		Length:  report.Length,
		BreakAt: report.BreakAt,
		Reason:  report.Reason,
	})
}

// handleHealthz answers liveness probes. It touches the ledger so a dead
// storage backend turns the probe red.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	length, err := s.ledger.Length(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "ledger backend unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"ledger_length": length,
	})
}

func wireViolations(errs []violation.Rejection) []WireViolation {
	out := make([]WireViolation, 0, len(errs))
	for _, e := range errs {
		wv := WireViolation{Code: e.RejectCode(), Message: e.Error()}
		switch v := e.(type) {
		case *violation.Structural:
			wv.Block, wv.Field, wv.Message = v.Block, v.Field, v.Message
		case *violation.Identity:
			wv.Block, wv.Field, wv.Message = v.Block, v.Field, v.Message
		case *violation.Proof:
			wv.Message = v.Message
		}
		out = append(out, wv)
	}
	return out
}

func wireAdvisories(advs []violation.Advisory) []WireAdvisory {
	if len(advs) == 0 {
		return nil
	}
	out := make([]WireAdvisory, 0, len(advs))
	for _, a := range advs {
		out = append(out, WireAdvisory{Code: a.Code, Block: a.Block, Message: a.Message})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
