package withdrawal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain/types"
)

// FeeOracle is the external fee estimation service.
type FeeOracle interface {
	EstimateFee(ctx context.Context, chainID domain.ChainID, transferKind string) (*types.FeeParams, error)
}

// FeeOracleConfig holds the oracle endpoint settings.
type FeeOracleConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPFeeOracle talks to the fee oracle over JSON HTTP.
type HTTPFeeOracle struct {
	http *resty.Client
}

// NewHTTPFeeOracle creates a fee oracle client.
func NewHTTPFeeOracle(cfg FeeOracleConfig) *HTTPFeeOracle {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeeOracle{
		http: resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (o *HTTPFeeOracle) EstimateFee(ctx context.Context, chainID domain.ChainID, transferKind string) (*types.FeeParams, error) {
	var result types.FeeParams
	resp, err := o.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"chain": string(chainID),
			"kind":  transferKind,
		}).
		SetResult(&result).
		Get("/estimate-fee")
	if err != nil {
		return nil, fmt.Errorf("fee estimate failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fee estimate failed: status %d", resp.StatusCode())
	}
	return &result, nil
}
