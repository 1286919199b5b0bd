package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/ulid"
)

// Client handles HTTP communication with the cardvault backend. It implements
// Dialer; each Dial verifies connectivity and returns an exclusive session.
type Client struct {
	baseURL    string
	token      string
	deviceName string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *loggy.Logger
}

// NewClient creates a new HTTP client for backend communication
func NewClient(cfg *config.RemoteConfig, logger *loggy.Logger) *Client {
	// Custom transport for connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = int(rps)
	}

	return &Client{
		baseURL:    cfg.URL,
		token:      cfg.Token,
		deviceName: cfg.DeviceName,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
	}
}

// SetToken updates the authentication token
func (c *Client) SetToken(token string) {
	c.token = token
}

// Dial verifies connectivity and returns a new exclusive session
func (c *Client) Dial(ctx context.Context) (Transport, error) {
	s := &session{
		client: c,
		id:     ulid.ConnectionID(),
	}

	if _, err := s.Call(ctx, ProcPing, nil); err != nil {
		return nil, fmt.Errorf("dialing backend: %w", err)
	}

	return s, nil
}

// session is a single logical connection to the backend. Requests carry the
// session id so the backend can associate transactional state with it.
type session struct {
	client *Client
	id     string
	closed bool
}

// rpcRequest is the wire envelope for a procedure call
type rpcRequest struct {
	Procedure string          `json:"procedure"`
	SessionID string          `json:"session_id"`
	Device    string          `json:"device,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is the wire envelope for a procedure result
type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// Call invokes a named procedure and returns the raw result
func (s *session) Call(ctx context.Context, procedure string, params any) (json.RawMessage, error) {
	if s.closed {
		return nil, fmt.Errorf("call on closed session %s", s.id)
	}

	if err := s.client.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		rawParams = b
	}

	body, err := json.Marshal(rpcRequest{
		Procedure: procedure,
		SessionID: s.id,
		Device:    s.client.deviceName,
		Params:    rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	url := fmt.Sprintf("%s/api/rpc", s.client.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", s.client.token))
	req.Header.Add("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			// If we can't decode the error, return a generic one
			return nil, APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		if apiErr.StatusCode == 0 {
			apiErr.StatusCode = resp.StatusCode
		}
		return nil, apiErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, *rpcResp.Error
	}

	return rpcResp.Result, nil
}

// Close releases the session
func (s *session) Close() error {
	s.closed = true
	return nil
}
