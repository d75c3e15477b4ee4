package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentLedger/internal/api"
	"AgentLedger/internal/auth"
	"AgentLedger/internal/indexer"
	"AgentLedger/internal/ledger"
	"AgentLedger/sdk/go/agentledger"
)

var (
	issuer = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func newTestServer(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	ix := indexer.New(nil)
	l, err := ledger.New(context.Background(), issuer, ledger.WithNotifier(ix))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ts := httptest.NewServer(api.NewServer(":0", l, append([]api.Option{api.WithIndexer(ix)}, opts...)...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{httpClient: ts.Client()}
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", ts.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCommandStructure(t *testing.T) {
	root := newRootCmd(&app{})
	for _, name := range []string{
		"login", "mint", "show", "assets", "transfer", "history", "list",
		"update-price", "delist", "buy", "listings", "balance", "withdraw", "stats",
	} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
		if cmd.Short == "" {
			t.Errorf("command %q has no help text", name)
		}
	}
}

func TestMarketplaceCommands(t *testing.T) {
	ts := newTestServer(t)
	steps := [][]string{
		{"--caller", issuer.Hex(), "mint", issuer.Hex(), "ipfs://agent"},
		{"--caller", issuer.Hex(), "list", "0", "500"},
		{"--caller", issuer.Hex(), "update-price", "0", "300"},
		{"--caller", buyer.Hex(), "buy", "0", "350"},
	}
	for _, args := range steps {
		if out, err := run(t, ts, args...); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, out)
		}
	}

	out, err := run(t, ts, "--json", "balance", issuer.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	var balance map[string]string
	if err := json.Unmarshal([]byte(out), &balance); err != nil || balance["balance"] != "300" {
		t.Fatalf("unexpected balance output %q (%v)", out, err)
	}

	out, err = run(t, ts, "--caller", buyer.Hex(), "balance")
	if err != nil || !strings.Contains(out, "50 wei") {
		t.Fatalf("unexpected refund balance %q (%v)", out, err)
	}

	out, err = run(t, ts, "history", "0")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for _, kind := range []string{"minted", "listed", "price_changed", "purchased"} {
		if !strings.Contains(out, kind) {
			t.Fatalf("history missing %s:\n%s", kind, out)
		}
	}

	out, err = run(t, ts, "--caller", issuer.Hex(), "withdraw")
	if err != nil || !strings.Contains(out, "withdrew 300 wei") {
		t.Fatalf("unexpected withdraw output %q (%v)", out, err)
	}

	out, err = run(t, ts, "assets", "--owner", buyer.Hex())
	if err != nil || !strings.Contains(out, "ipfs://agent") {
		t.Fatalf("unexpected assets output %q (%v)", out, err)
	}
}

func TestCommandErrors(t *testing.T) {
	ts := newTestServer(t)

	if _, err := run(t, ts, "withdraw"); err == nil || !strings.Contains(err.Error(), "--caller") {
		t.Fatalf("expected identity error, got %v", err)
	}
	if _, err := run(t, ts, "--caller", issuer.Hex(), "list", "x", "1"); err == nil {
		t.Fatal("expected malformed id error")
	}
	if _, err := run(t, ts, "--caller", issuer.Hex(), "list", "0", "-1"); err == nil {
		t.Fatal("expected negative price error")
	}
	_, err := run(t, ts, "--caller", buyer.Hex(), "mint", buyer.Hex(), "ref")
	if !agentledger.IsCode(err, string(ledger.CodeUnauthorized)) {
		t.Fatalf("expected unauthorized mint, got %v", err)
	}
	if _, err := run(t, ts, "show", "9"); !agentledger.IsCode(err, string(ledger.CodeNotFound)) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoginWithKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeWallet, Secret: "cli-secret"}, auth.NewMemoryNonceStore())
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	ts := newTestServer(t, api.WithAuth(svc))
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	out, err := run(t, ts, "--key", hexKey, "login")
	if err != nil || strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("expected a JWT, got %q (%v)", out, err)
	}
	token := strings.TrimSpace(out)

	if _, err := run(t, ts, "--token", token, "withdraw"); !agentledger.IsCode(err, string(ledger.CodeNothingToWithdraw)) {
		t.Fatalf("expected nothing to withdraw with token, got %v", err)
	}
	if _, err := run(t, ts, "--key", hexKey, "withdraw"); !agentledger.IsCode(err, string(ledger.CodeNothingToWithdraw)) {
		t.Fatalf("expected nothing to withdraw with key, got %v", err)
	}
}
