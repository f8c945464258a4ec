package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/chainfetch/internal/infra/rpc/routing"
)

func TestClient_FailsOverToHealthyProvider(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "0x2a"})
	}))
	defer healthy.Close()

	c, err := NewClientFromConfig([]ProviderConfig{
		{Name: "broken", URL: broken.URL, Timeout: time.Second},
		{Name: "healthy", URL: healthy.URL, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	var hex string
	if err := c.CallInto(context.Background(), &hex, "eth_blockNumber"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hex != "0x2a" {
		t.Errorf("result = %s, want 0x2a", hex)
	}
}

func TestNewClientFromConfig_Validation(t *testing.T) {
	if _, err := NewClientFromConfig(nil); !errors.Is(err, routing.ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
	if _, err := NewClientFromConfig([]ProviderConfig{{Name: "x"}}); err == nil {
		t.Error("expected error for provider without url")
	}
}
