package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChainBridge-Labs/chainbridge/core/pkg/canonical"
	"github.com/ChainBridge-Labs/chainbridge/core/pkg/replay"
)

// Status is the outcome class of a verification.
type Status string

const (
	// StatusValid means every check passed and the nonce was consumed.
	StatusValid Status = "VALID"
	// StatusInvalid means the signature or payload failed a check.
	StatusInvalid Status = "INVALID"
	// StatusError means a backend fault prevented a verdict. An ERROR is
	// not an INVALID: the caller may retry, but must never settle on it.
	StatusError Status = "ERROR"
)

// Verification outcome codes, in check order.
const (
	CodeOK                   = "OK"
	CodeUnsigned             = "UNSIGNED"
	CodeUnknownSigner        = "UNKNOWN_SIGNER"
	CodeUnsupportedAlgorithm = "UNSUPPORTED_ALGORITHM"
	CodeSignerMismatch       = "SIGNER_MISMATCH"
	CodeKeyRevoked           = "KEY_REVOKED"
	CodeMalformedPayload     = "MALFORMED_PAYLOAD"
	CodeMalformedSignature   = "MALFORMED_SIGNATURE"
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeExpired              = "EXPIRED"
	CodeReplay               = "REPLAY"
	CodeDirectoryUnavailable = "DIRECTORY_UNAVAILABLE"
	CodeReplayGuardFailure   = "REPLAY_GUARD_FAILURE"
)

// Result reports one verification attempt.
type Result struct {
	Status Status
	Code   string
	Reason string
	PDOID  string
	KeyID  string
	Alg    Algorithm
}

// Valid reports whether the verification fully succeeded.
func (r Result) Valid() bool { return r.Status == StatusValid }

// Provider verifies detached signatures over canonical payloads.
//
// Checks run in a fixed order: signer registration, revocation,
// cryptographic validity, expiry, then single-use nonce consumption.
// The nonce is consumed only when every earlier check passed, so an
// expired or forged envelope never burns the nonce it names.
type Provider struct {
	keys  Directory
	guard replay.Store
	now   func() time.Time
}

func NewProvider(keys Directory, guard replay.Store) *Provider {
	return &Provider{keys: keys, guard: guard, now: time.Now}
}

// WithClock overrides the time source. For tests.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Verify runs the full ordered check sequence against payload and env.
// It never returns an error: backend faults surface as StatusError so
// that callers cannot confuse "could not verify" with "verified bad".
func (p *Provider) Verify(ctx context.Context, payload canonical.Payload, env *Envelope) Result {
	res := Result{PDOID: deref(payload.PDOID)}
	if env == nil || env.Sig == "" {
		return res.invalid(CodeUnsigned, "payload carries no signature envelope")
	}
	res.KeyID = env.KeyID
	res.Alg = env.Alg

	// Check 1: the signer must be registered.
	info, err := p.keys.Lookup(ctx, env.KeyID)
	switch {
	case errors.Is(err, ErrUnavailable):
		return res.errored(CodeDirectoryUnavailable, err)
	case err != nil:
		return res.invalid(CodeUnknownSigner, fmt.Sprintf("key %q is not registered", env.KeyID))
	}
	if !Supported(env.Alg) {
		return res.invalid(CodeUnsupportedAlgorithm, fmt.Sprintf("algorithm %q is not supported", env.Alg))
	}
	if env.Alg != info.Alg {
		return res.invalid(CodeUnsupportedAlgorithm,
			fmt.Sprintf("envelope claims %q but key %q is a %q key", env.Alg, env.KeyID, info.Alg))
	}
	if info.AgentID != deref(payload.AgentID) {
		return res.invalid(CodeSignerMismatch,
			fmt.Sprintf("key %q is bound to %q, payload names %q", env.KeyID, info.AgentID, deref(payload.AgentID)))
	}

	// Check 2: the key must not be revoked. Revocation is hard: no
	// grace window, regardless of when the payload was signed.
	if info.Revoked {
		return res.invalid(CodeKeyRevoked, fmt.Sprintf("key %q has been revoked", env.KeyID))
	}

	// Check 3: the signature must verify over the canonical bytes.
	data, err := canonical.Serialize(payload)
	if err != nil {
		return res.invalid(CodeMalformedPayload, err.Error())
	}
	ok, err := info.VerifySig(env.Sig, data)
	if err != nil {
		return res.invalid(CodeMalformedSignature, err.Error())
	}
	if !ok {
		return res.invalid(CodeInvalidSignature, "signature does not verify over canonical payload")
	}

	// Check 4: the payload must not be expired. A missing or unparseable
	// expires_at fails closed.
	exp, err := parseExpiry(payload.ExpiresAt)
	if err != nil {
		return res.invalid(CodeExpired, err.Error())
	}
	if !p.now().Before(exp) {
		return res.invalid(CodeExpired, fmt.Sprintf("payload expired at %s", exp.Format(time.RFC3339)))
	}

	// Check 5: consume the nonce. Reservation is atomic; exactly one
	// verification of a given (pdo_id, nonce) pair can ever succeed.
	pdoID, nonce := deref(payload.PDOID), deref(payload.Nonce)
	if pdoID == "" || nonce == "" {
		return res.invalid(CodeReplay, "replay protection requires pdo_id and nonce")
	}
	fresh, err := p.guard.Reserve(ctx, pdoID, nonce)
	if err != nil {
		return res.errored(CodeReplayGuardFailure, err)
	}
	if !fresh {
		return res.invalid(CodeReplay, fmt.Sprintf("nonce %q already consumed for %s", nonce, pdoID))
	}

	res.Status = StatusValid
	res.Code = CodeOK
	return res
}

func (r Result) invalid(code, reason string) Result {
	r.Status = StatusInvalid
	r.Code = code
	r.Reason = reason
	return r
}

func (r Result) errored(code string, err error) Result {
	r.Status = StatusError
	r.Code = code
	r.Reason = err.Error()
	return r
}

func parseExpiry(s *string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, errors.New("expires_at is absent")
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expires_at %q is not RFC 3339", *s)
	}
	return t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
