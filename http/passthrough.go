package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	snetd "github.com/singnet/snetd"
)

// ============================================================================
// Passthrough Client
// ============================================================================

// PassthroughConfig configures the backend client
type PassthroughConfig struct {
	// Endpoint is the backend's JSON-RPC URL
	Endpoint string

	// Enabled forwards requests to Endpoint. When false the client answers
	// every call itself with the method name merged into the params.
	Enabled bool

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// PassthroughClient forwards admitted calls to the backend service as
// JSON-RPC 2.0 requests. It implements snetd.Backend.
type PassthroughClient struct {
	endpoint   string
	enabled    bool
	httpClient *http.Client
	nextID     atomic.Uint64
}

// NewPassthroughClient creates a backend client.
func NewPassthroughClient(config PassthroughConfig) (*PassthroughClient, error) {
	if config.Enabled && config.Endpoint == "" {
		return nil, fmt.Errorf("passthrough endpoint is required when passthrough is enabled")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &PassthroughClient{
		endpoint:   config.Endpoint,
		enabled:    config.Enabled,
		httpClient: httpClient,
	}, nil
}

// Forward calls method on the backend with params.
func (c *PassthroughClient) Forward(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if !c.enabled {
		return echo(method, params)
	}

	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]any{
		"jsonrpc": JSONRPCVersion,
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, snetd.NewDaemonError(snetd.ErrCodeBackendFailed, "backend request failed", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, snetd.NewDaemonError(snetd.ErrCodeBackendFailed, "failed to read backend response", err)
	}

	var rpcResp Response
	if err := json.Unmarshal(responseBody, &rpcResp); err != nil {
		return nil, snetd.NewDaemonError(snetd.ErrCodeBackendFailed,
			fmt.Sprintf("backend returned (%d): %s", resp.StatusCode, truncate(responseBody, 256)), err)
	}

	if rpcResp.Error != nil {
		return nil, snetd.NewDaemonError(snetd.ErrCodeBackendFailed, rpcResp.Error.Message, nil).
			WithDetail("backend_code", rpcResp.Error.Code).
			WithDetail("backend_data", rpcResp.Error.Data)
	}
	if resp.StatusCode >= 300 {
		return nil, snetd.NewDaemonError(snetd.ErrCodeBackendFailed,
			"backend returned status "+strconv.Itoa(resp.StatusCode), nil)
	}

	if rpcResp.Result == nil {
		return json.RawMessage("null"), nil
	}
	return rpcResp.Result, nil
}

// echo answers a call without a backend: the params with the method name added.
func echo(method string, params map[string]any) (json.RawMessage, error) {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["method"] = method
	return json.Marshal(out)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
