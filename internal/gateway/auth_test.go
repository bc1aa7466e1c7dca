package gateway

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
)

type signerPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func genKeys(t *testing.T) signerPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	return signerPair{pub: pub, priv: priv}
}

func newTestVerifier(t *testing.T, business, risk signerPair) *Verifier {
	t.Helper()
	v, err := NewVerifier([]KeyConfig{{
		Module:      "exchange",
		BusinessKey: hex.EncodeToString(business.pub),
		RiskKey:     hex.EncodeToString(risk.pub),
	}})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func signedRequest(business, risk signerPair, sensitive bool, ts time.Time) *ExecuteRequest {
	req := &ExecuteRequest{
		OperationID:   "op-1",
		OperationType: domain.OperationTypeSensitive,
		Table:         "withdraws",
		Action:        "insert",
		Data: map[string]interface{}{
			"user_id":    "alice",
			"to_address": "0xdead",
			"token_id":   "usdt",
			"amount":     "15000",
			"chain_id":   "eth",
		},
		Conditions: map[string]interface{}{
			"status": "requested",
		},
		Timestamp: ts.Unix(),
		Module:    "exchange",
	}
	msg := CanonicalMessage(req.OperationID, string(req.OperationType), req.Table, req.Action, req.Timestamp, req.Module, req.Data, req.Conditions)
	req.BusinessSignature = hex.EncodeToString(ed25519.Sign(business.priv, msg))
	if sensitive {
		req.RiskSignature = hex.EncodeToString(ed25519.Sign(risk.priv, msg))
	}
	return req
}

func TestVerify_DualSignatureRoundtrip(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := signedRequest(business, risk, true, now)
	if err := v.Verify(req, true, now); err != nil {
		t.Fatalf("expected valid request to verify, got %v", err)
	}
}

func TestVerify_TamperedDataRejected(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := signedRequest(business, risk, true, now)
	req.Data["amount"] = "915000"
	if err := v.Verify(req, true, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered data, got %v", err)
	}
}

func TestVerify_TamperedConditionsRejected(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := signedRequest(business, risk, true, now)
	req.Conditions["status"] = "finalized"
	if err := v.Verify(req, true, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for tampered conditions, got %v", err)
	}
}

func TestVerify_SwappedSignerRejected(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	// Signed by the risk key in the business slot.
	req := signedRequest(risk, risk, true, now)
	if err := v.Verify(req, true, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for wrong signer, got %v", err)
	}
}

func TestVerify_StaleTimestamp(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	for _, skew := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		req := signedRequest(business, risk, true, now.Add(skew))
		if err := v.Verify(req, true, now); !errors.Is(err, ErrStaleTimestamp) {
			t.Errorf("skew %s: expected ErrStaleTimestamp, got %v", skew, err)
		}
	}

	// Four minutes old is still inside the window.
	req := signedRequest(business, risk, true, now.Add(-4*time.Minute))
	if err := v.Verify(req, true, now); err != nil {
		t.Errorf("expected 4m-old request to verify, got %v", err)
	}
}

func TestVerify_SensitiveWithoutRiskSignature(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := signedRequest(business, risk, false, now)
	if err := v.Verify(req, true, now); !errors.Is(err, ErrMissingRiskSignature) {
		t.Fatalf("expected ErrMissingRiskSignature, got %v", err)
	}

	// The same request passes when the route is not sensitive.
	if err := v.Verify(req, false, now); err != nil {
		t.Fatalf("expected non-sensitive verification to pass, got %v", err)
	}
}

func TestVerify_UnknownModule(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := signedRequest(business, risk, true, now)
	req.Module = "rogue"
	if err := v.Verify(req, true, now); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestVerifyCallback(t *testing.T) {
	business, risk := genKeys(t), genKeys(t)
	v := newTestVerifier(t, business, risk)
	now := time.Now()

	req := &ReviewCallbackRequest{
		OperationID: "op-1",
		Decision:    "approved",
		Reviewer:    "ops-bob",
		Timestamp:   now.Unix(),
		Module:      "exchange",
	}
	payload := []byte(req.OperationID + "|" + req.Decision + "|" + req.Reviewer + "|" +
		strconv.FormatInt(req.Timestamp, 10) + "|" + req.Module)
	req.Signature = hex.EncodeToString(ed25519.Sign(risk.priv, payload))

	if err := v.VerifyCallback(req, now); err != nil {
		t.Fatalf("expected valid callback to verify, got %v", err)
	}

	// A flipped decision invalidates the signature.
	req.Decision = "rejected"
	if err := v.VerifyCallback(req, now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for altered decision, got %v", err)
	}
}
