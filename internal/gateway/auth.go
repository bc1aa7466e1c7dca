package gateway

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnknownModule is returned when the calling module has no registered keys.
	ErrUnknownModule = errors.New("unknown module")

	// ErrBadSignature is returned when a signature fails verification.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrStaleTimestamp is returned when the request timestamp falls outside
	// the freshness window.
	ErrStaleTimestamp = errors.New("request timestamp outside freshness window")

	// ErrMissingRiskSignature is returned when a sensitive operation arrives
	// without its second attestation. Sensitive requests are never downgraded.
	ErrMissingRiskSignature = errors.New("sensitive operation requires a risk signature")
)

// maxTimestampSkew bounds how old (or how far in the future) a signed request
// may be. Replays of old captures die here even before the operation-id check.
const maxTimestampSkew = 5 * time.Minute

// ModuleKeys holds one module's registered verification keys.
type ModuleKeys struct {
	Business ed25519.PublicKey
	Risk     ed25519.PublicKey
}

// KeyConfig is one module's hex-encoded key material as configured.
type KeyConfig struct {
	Module      string `yaml:"module"`
	BusinessKey string `yaml:"business_key"`
	RiskKey     string `yaml:"risk_key"`
}

// Verifier authenticates signed requests against the module key registry.
type Verifier struct {
	modules map[string]ModuleKeys
	maxSkew time.Duration
}

// NewVerifier builds a verifier from configured module keys.
func NewVerifier(keys []KeyConfig) (*Verifier, error) {
	modules := make(map[string]ModuleKeys, len(keys))
	for _, kc := range keys {
		business, err := decodeKey(kc.BusinessKey)
		if err != nil {
			return nil, fmt.Errorf("module %s business key: %w", kc.Module, err)
		}
		var risk ed25519.PublicKey
		if kc.RiskKey != "" {
			risk, err = decodeKey(kc.RiskKey)
			if err != nil {
				return nil, fmt.Errorf("module %s risk key: %w", kc.Module, err)
			}
		}
		modules[kc.Module] = ModuleKeys{Business: business, Risk: risk}
	}
	return &Verifier{modules: modules, maxSkew: maxTimestampSkew}, nil
}

func decodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d key bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// CanonicalMessage produces the byte string both signers must have signed:
// the fixed-order fields joined with '|', with the data and conditions
// objects each reduced to a sha256 digest of their sorted-key JSON encoding.
// Conditions are covered so an interceptor cannot rewrite update predicates
// under valid signatures.
func CanonicalMessage(operationID, operationType, table, action string, timestamp int64, module string, data, conditions map[string]interface{}) []byte {
	msg := strings.Join([]string{
		operationID,
		operationType,
		table,
		action,
		strconv.FormatInt(timestamp, 10),
		module,
		digestJSON(data),
		digestJSON(conditions),
	}, "|")
	return []byte(msg)
}

func digestJSON(m map[string]interface{}) string {
	raw, _ := json.Marshal(m) // map keys marshal in sorted order
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:])
}

// Verify authenticates an execute request: timestamp freshness, the business
// signature always, and the risk signature whenever the request is sensitive.
func (v *Verifier) Verify(req *ExecuteRequest, sensitive bool, now time.Time) error {
	keys, ok := v.modules[req.Module]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, req.Module)
	}

	ts := time.Unix(req.Timestamp, 0)
	age := now.Sub(ts)
	if age > v.maxSkew || age < -v.maxSkew {
		return fmt.Errorf("%w: signed at %s", ErrStaleTimestamp, ts.UTC().Format(time.RFC3339))
	}

	msg := CanonicalMessage(req.OperationID, string(req.OperationType), req.Table, req.Action, req.Timestamp, req.Module, req.Data, req.Conditions)

	if err := verifySignature(keys.Business, msg, req.BusinessSignature); err != nil {
		return fmt.Errorf("business %w", err)
	}

	if sensitive {
		if req.RiskSignature == "" {
			return ErrMissingRiskSignature
		}
		if keys.Risk == nil {
			return fmt.Errorf("%w: module %s has no risk key registered", ErrMissingRiskSignature, req.Module)
		}
		if err := verifySignature(keys.Risk, msg, req.RiskSignature); err != nil {
			return fmt.Errorf("risk %w", err)
		}
	}
	return nil
}

// VerifyCallback authenticates a manual-review callback with the module's
// risk key.
func (v *Verifier) VerifyCallback(req *ReviewCallbackRequest, now time.Time) error {
	keys, ok := v.modules[req.Module]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, req.Module)
	}
	if keys.Risk == nil {
		return fmt.Errorf("%w: module %s has no risk key registered", ErrBadSignature, req.Module)
	}

	ts := time.Unix(req.Timestamp, 0)
	age := now.Sub(ts)
	if age > v.maxSkew || age < -v.maxSkew {
		return fmt.Errorf("%w: signed at %s", ErrStaleTimestamp, ts.UTC().Format(time.RFC3339))
	}

	msg := []byte(strings.Join([]string{
		req.OperationID,
		req.Decision,
		req.Reviewer,
		strconv.FormatInt(req.Timestamp, 10),
		req.Module,
	}, "|"))
	return verifySignature(keys.Risk, msg, req.Signature)
}

func verifySignature(key ed25519.PublicKey, msg []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: not hex", ErrBadSignature)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(key, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
