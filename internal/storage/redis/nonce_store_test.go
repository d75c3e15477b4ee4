package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentLedger/internal/auth"
	xerrors "AgentLedger/internal/errors"
)

func TestNewNonceStoreRequiresAddress(t *testing.T) {
	if _, err := NewNonceStore(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestNonceStoreKeyIsCaseInsensitive(t *testing.T) {
	store := NewNonceStoreWithClient(nil, "")
	addr := common.HexToAddress("0x00000000000000000000000000000000000000Ab")
	if got := store.key(addr); got != defaultPrefix+"0x00000000000000000000000000000000000000ab" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNonceStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("AGENTLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTLEDGER_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewNonceStore(ctx, Config{Address: addr, Prefix: "agentledger:test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("new nonce store: %v", err)
	}
	defer store.Close()

	wallet := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	challenge := auth.Challenge{Address: wallet, Nonce: "n-1", Message: "sign me", ExpiresAt: time.Now().Add(time.Minute).UTC()}
	if err := store.Put(ctx, challenge, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Take(ctx, wallet)
	if err != nil || got == nil || got.Nonce != "n-1" {
		t.Fatalf("unexpected take result %+v, %v", got, err)
	}
	again, err := store.Take(ctx, wallet)
	if err != nil || again != nil {
		t.Fatalf("challenge must be single use, got %+v, %v", again, err)
	}
}
