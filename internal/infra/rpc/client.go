// Package rpc provides a minimal JSON-RPC 2.0 client for chain nodes.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a JSON-RPC client bound to one endpoint.
type Client struct {
	http   *resty.Client
	nextID atomic.Int64
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewClient creates a client for the given endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Call executes a JSON-RPC method and unmarshals the result into out (out may
// be nil when the result doesn't matter).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if params == nil {
		params = []any{}
	}
	req := request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	var resp response
	httpResp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("")
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if httpResp.IsError() {
		return fmt.Errorf("%s failed: status %d", method, httpResp.StatusCode())
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	if out != nil && len(resp.Result) > 0 && string(resp.Result) != "null" {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: invalid result: %w", method, err)
		}
	}
	return nil
}
