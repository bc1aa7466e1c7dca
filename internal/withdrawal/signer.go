package withdrawal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain/types"
)

// Signer is the external signing service. Private keys never enter this
// process; the signer verifies the dual attestation before touching a key.
type Signer interface {
	SignTransaction(ctx context.Context, req *types.SignRequest) (*types.SignResponse, error)
	CreateWallet(ctx context.Context, chainType domain.ChainType) (*WalletInfo, error)
}

// WalletInfo describes a wallet provisioned by the signer.
type WalletInfo struct {
	Address string `json:"address"`
	Device  string `json:"device"`
	Path    string `json:"path"`
}

// SignerConfig holds the signer endpoint settings.
type SignerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPSigner talks to the signer over JSON HTTP with bounded retries on
// transient failures.
type HTTPSigner struct {
	http *resty.Client
}

// NewHTTPSigner creates a signer client.
func NewHTTPSigner(cfg SignerConfig) *HTTPSigner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-Api-Key", cfg.APIKey)
	}
	return &HTTPSigner{http: client}
}

func (s *HTTPSigner) SignTransaction(ctx context.Context, req *types.SignRequest) (*types.SignResponse, error) {
	var result types.SignResponse

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := s.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&result).
			Post("/sign-transaction")
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode() >= 500 {
			return retry.RetryableError(fmt.Errorf("signer returned status %d", resp.StatusCode()))
		}
		if resp.IsError() {
			return fmt.Errorf("signer rejected request: status %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction failed: %w", err)
	}
	if result.SignedTransaction == "" {
		return nil, fmt.Errorf("signer returned empty transaction")
	}
	return &result, nil
}

func (s *HTTPSigner) CreateWallet(ctx context.Context, chainType domain.ChainType) (*WalletInfo, error) {
	var result WalletInfo
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"chain_type": string(chainType)}).
		SetResult(&result).
		Post("/create-wallet")
	if err != nil {
		return nil, fmt.Errorf("create wallet failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create wallet failed: status %d", resp.StatusCode())
	}
	return &result, nil
}
