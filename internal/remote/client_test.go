package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/loggy"
)

func testClient(serverURL string) *Client {
	return NewClient(&config.RemoteConfig{
		URL:               serverURL,
		Token:             "tok-123",
		DeviceName:        "test-device",
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		BurstLimit:        1000,
	}, loggy.NewNoopLogger())
}

func TestDialProbesAndCreatesSession(t *testing.T) {
	var gotAuth string
	var gotReq rpcRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	transport, err := testClient(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	defer transport.Close()

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, ProcPing, gotReq.Procedure)
	assert.Equal(t, "test-device", gotReq.Device)
	assert.NotEmpty(t, gotReq.SessionID)
}

func TestCallReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Procedure == ProcPing {
			_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{}`)})
			return
		}
		assert.Equal(t, ProcApplyOperation, req.Procedure)
		assert.JSONEq(t, `{"entity_id":"card_1"}`, string(req.Params))
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"sync_version":4}`)})
	}))
	defer srv.Close()

	transport, err := testClient(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	defer transport.Close()

	result, err := transport.Call(context.Background(), ProcApplyOperation, map[string]string{"entity_id": "card_1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sync_version":4}`, string(result))
}

func TestCallSurfacesAPIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// The dial probe succeeds
			_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{}`)})
			return
		}
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(APIError{
			StatusCode: http.StatusConflict,
			Message:    "remote version is newer",
			ErrorCode:  ErrCodeVersionConflict,
		})
	}))
	defer srv.Close()

	transport, err := testClient(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Call(context.Background(), ProcApplyOperation, nil)
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))
	assert.False(t, IsRetryable(err))
}

func TestCallClassifiesRetryableErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{}`)})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport, err := testClient(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	defer transport.Close()

	_, err = transport.Call(context.Background(), ProcApplyOperation, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsVersionConflict(err))
}

func TestDialFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // Closed before use

	_, err := testClient(srv.URL).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestCallOnClosedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{}`)})
	}))
	defer srv.Close()

	transport, err := testClient(srv.URL).Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, transport.Close())

	_, err = transport.Call(context.Background(), ProcPing, nil)
	assert.Error(t, err)
}
