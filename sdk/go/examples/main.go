package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"AgentLedger/internal/api"
	"AgentLedger/internal/auth"
	"AgentLedger/internal/indexer"
	"AgentLedger/internal/ledger"
	"AgentLedger/sdk/go/agentledger"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issuerKey, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	buyerKey, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	issuer := crypto.PubkeyToAddress(issuerKey.PublicKey)

	ix := indexer.New(nil)
	l, err := ledger.New(ctx, issuer, ledger.WithNotifier(ix))
	if err != nil {
		panic(err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeWallet, Secret: "demo-secret"}, auth.NewMemoryNonceStore())
	if err != nil {
		panic(err)
	}
	srv := httptest.NewServer(api.NewServer(":0", l, api.WithAuth(svc), api.WithIndexer(ix)).Handler())
	defer srv.Close()

	seller, err := agentledger.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	if _, err := seller.Login(ctx, issuerKey); err != nil {
		panic(err)
	}
	asset, err := seller.Mint(ctx, issuer, "ipfs://bafy-demo-agent")
	if err != nil {
		panic(err)
	}
	fmt.Printf("minted asset %d to %s\n", asset.ID, asset.Owner)

	if _, err := seller.List(ctx, asset.ID, big.NewInt(1_000_000_000_000_000_000)); err != nil {
		panic(err)
	}

	buyer, err := agentledger.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	if _, err := buyer.Login(ctx, buyerKey); err != nil {
		panic(err)
	}
	receipt, err := buyer.Purchase(ctx, asset.ID, big.NewInt(1_200_000_000_000_000_000))
	if err != nil {
		panic(err)
	}
	fmt.Printf("asset %d bought by %s for %s wei (refund %s)\n", receipt.AssetID, receipt.Buyer, receipt.Price, receipt.Refund)

	amount, err := seller.Withdraw(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("seller withdrew %s wei\n", amount)

	history, err := buyer.History(ctx, asset.ID)
	if err != nil {
		panic(err)
	}
	for _, ev := range history {
		fmt.Printf("  #%d %s owner=%s price=%s\n", ev.Sequence, ev.Kind, ev.Owner, ev.Price)
	}
}
