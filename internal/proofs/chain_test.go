package proofs

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

var (
	issuer = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func recordEvents(t *testing.T) []ledger.Event {
	t.Helper()
	var events []ledger.Event
	ctx := context.Background()
	l, err := ledger.New(ctx, issuer, ledger.WithNotifier(ledger.NotifierFunc(func(_ context.Context, ev ledger.Event) error {
		events = append(events, ev)
		return nil
	})))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	id, err := l.Mint(ctx, issuer, seller, "ipfs://agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.List(ctx, id, big.NewInt(10), seller); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := l.Purchase(ctx, id, buyer, big.NewInt(12)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	return events
}

func TestChainFoldsInOrderAndIgnoresReplays(t *testing.T) {
	events := recordEvents(t)
	chain := NewChain()
	for _, ev := range events {
		if err := chain.Notify(context.Background(), ev); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	head := chain.Head()
	if head.Count != 3 || head.Sequence != events[2].Sequence || head.At.IsZero() {
		t.Fatalf("unexpected head: %+v", head)
	}

	if chain.Append(events[1]) {
		t.Fatalf("replayed event should not advance the chain")
	}
	if chain.Head().Root != head.Root {
		t.Fatalf("root changed on replay")
	}

	want := Fold(Fold(Fold(common.Hash{}, Leaf(events[0])), Leaf(events[1])), Leaf(events[2]))
	if head.Root != want {
		t.Fatalf("root %s, want %s", head.Root.Hex(), want.Hex())
	}
}

func TestLeafCoversEveryField(t *testing.T) {
	base := ledger.Event{
		ID:         "e1",
		Sequence:   4,
		Kind:       ledger.EventPurchased,
		AssetID:    2,
		Owner:      buyer,
		Price:      big.NewInt(10),
		Refund:     big.NewInt(0),
		OccurredAt: time.Unix(1700000000, 0),
	}
	mutations := map[string]func(ev *ledger.Event){
		"id":       func(ev *ledger.Event) { ev.ID = "e2" },
		"sequence": func(ev *ledger.Event) { ev.Sequence++ },
		"kind":     func(ev *ledger.Event) { ev.Kind = ledger.EventTransferred },
		"asset":    func(ev *ledger.Event) { ev.AssetID++ },
		"owner":    func(ev *ledger.Event) { ev.Owner = seller },
		"previous": func(ev *ledger.Event) { ev.PreviousOwner = &seller },
		"buyer":    func(ev *ledger.Event) { ev.Buyer = &buyer },
		"content":  func(ev *ledger.Event) { ev.ContentRef = "x" },
		"price":    func(ev *ledger.Event) { ev.Price = big.NewInt(11) },
		"old":      func(ev *ledger.Event) { ev.PreviousPrice = big.NewInt(1) },
		"refund":   func(ev *ledger.Event) { ev.Refund = big.NewInt(3) },
		"time":     func(ev *ledger.Event) { ev.OccurredAt = ev.OccurredAt.Add(time.Nanosecond) },
	}
	baseLeaf := Leaf(base)
	for name, mutate := range mutations {
		ev := base
		mutate(&ev)
		if Leaf(ev) == baseLeaf {
			t.Errorf("%s: leaf did not change", name)
		}
	}
}

func TestVerify(t *testing.T) {
	events := recordEvents(t)
	chain := NewChain()
	for _, ev := range events {
		chain.Append(ev)
	}
	head := chain.Head()
	if err := Verify(events, head); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := append([]ledger.Event(nil), events...)
	tampered[2].Price = big.NewInt(1)
	err := Verify(tampered, head)
	if xerrors.CodeOf(err) != CodeChainMismatch {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["want_root"] != head.Root.Hex() {
		t.Fatalf("mismatch should carry roots: %v", err)
	}
	if err := Verify(events[:2], head); xerrors.CodeOf(err) != CodeChainMismatch {
		t.Fatalf("truncated history should not verify")
	}
}

func TestLiveChainMatchesJournalUnderConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	chain := NewChain()
	l, err := ledger.New(ctx, issuer, ledger.WithStore(store), ledger.WithNotifier(chain))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	const assets = 16
	for i := 0; i < assets; i++ {
		if _, err := l.Mint(ctx, issuer, seller, "ipfs://agent"); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < assets; i++ {
		wg.Add(1)
		go func(id ledger.AssetID) {
			defer wg.Done()
			if err := l.List(ctx, id, big.NewInt(int64(id)+1), seller); err != nil {
				t.Errorf("list %d: %v", id, err)
				return
			}
			if _, err := l.Purchase(ctx, id, buyer, big.NewInt(int64(id)+1)); err != nil {
				t.Errorf("purchase %d: %v", id, err)
			}
		}(ledger.AssetID(i))
	}
	wg.Wait()

	journal := store.Events()
	head := chain.Head()
	if head.Count != uint64(len(journal)) || head.Sequence != l.LastSequence() {
		t.Fatalf("live chain covers %d events up to %d, journal has %d up to %d", head.Count, head.Sequence, len(journal), l.LastSequence())
	}
	if err := Verify(journal, head); err != nil {
		t.Fatalf("rebuilt chain differs from live chain: %v", err)
	}
}
