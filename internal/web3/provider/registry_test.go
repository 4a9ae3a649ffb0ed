package provider

import (
	"testing"

	"AgentDesk/internal/config"
	"AgentDesk/internal/web3/ethereum"
)

type nopBackend struct{ ethereum.Backend }

func TestStaticRegistryDefaultsToFirstChain(t *testing.T) {
	a, err := ethereum.NewBackendClient(nopBackend{}, ethereum.Config{Name: "b-chain"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	b, err := ethereum.NewBackendClient(nopBackend{}, ethereum.Config{Name: "a-chain"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	reg, err := NewStaticRegistry("", map[string]*ethereum.Client{"b-chain": a, "a-chain": b})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "a-chain" {
		t.Fatalf("expected alphabetical default, got %s", client.Name())
	}
	if _, ok := reg.Client("missing"); ok {
		t.Fatalf("unexpected client for unknown chain")
	}
	if _, err := NewStaticRegistry("nope", map[string]*ethereum.Client{"a-chain": b}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}

func TestBuildTokensValidatesAddresses(t *testing.T) {
	tokens, err := BuildTokens("ETH", map[string]config.TokenConfig{
		"usdc": {Address: "0x0000000000000000000000000000000000000abc", Decimals: 6},
	})
	if err != nil {
		t.Fatalf("build tokens: %v", err)
	}
	if tok, ok := tokens.Lookup("USDC"); !ok || tok.Decimals != 6 {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := BuildTokens("ETH", map[string]config.TokenConfig{"bad": {Address: "nope"}}); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(t.Context(), config.Web3Config{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}
