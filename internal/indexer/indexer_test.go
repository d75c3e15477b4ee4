package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/events"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability/alerting"
)

var errInvalid = xerrors.New(CodeInvalidEvent, "")

var (
	issuer = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type captureDispatcher struct {
	mu     sync.Mutex
	alerts []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, event)
	return nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) ObserveIndexed(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func TestIndexerBuildsHistoryFromLedger(t *testing.T) {
	ix := New(nil)
	ctx := context.Background()
	l, err := ledger.New(ctx, issuer, ledger.WithNotifier(ix))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	id, err := l.Mint(ctx, issuer, seller, "ipfs://agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.List(ctx, id, big.NewInt(5), seller); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := l.UpdatePrice(ctx, id, big.NewInt(4), seller); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := l.Purchase(ctx, id, buyer, big.NewInt(4)); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := l.Withdraw(ctx, seller); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	history, _ := ix.History(ctx, id)
	want := []ledger.EventKind{ledger.EventMinted, ledger.EventListed, ledger.EventPriceChanged, ledger.EventPurchased}
	if len(history) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(history))
	}
	for i, kind := range want {
		if history[i].Kind != kind {
			t.Fatalf("history[%d]: expected %s, got %s", i, kind, history[i].Kind)
		}
	}

	stats := ix.Stats()
	if stats.Processed != 5 || stats.Purchases != 1 || stats.Listings != 1 || stats.VolumeWei != "4" || stats.Assets != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.LastSequence != l.LastSequence() {
		t.Fatalf("expected last sequence %d, got %d", l.LastSequence(), stats.LastSequence)
	}
	if recent := ix.Recent(2); len(recent) != 2 || recent[0].Kind != ledger.EventWithdrawn {
		t.Fatalf("unexpected recent activity: %+v", recent)
	}
}

func TestIndexerDedupesAndOrders(t *testing.T) {
	recorder := &countingRecorder{}
	ix := New(nil, WithRecorder(recorder), WithRecentLimit(2))
	ctx := context.Background()

	later := ledger.Event{ID: "b", Sequence: 2, Kind: ledger.EventListed, AssetID: 7, Owner: seller, Price: big.NewInt(1)}
	earlier := ledger.Event{ID: "a", Sequence: 1, Kind: ledger.EventMinted, AssetID: 7, Owner: seller}
	third := ledger.Event{ID: "c", Sequence: 3, Kind: ledger.EventDelisted, AssetID: 7, Owner: seller}

	for _, ev := range []ledger.Event{later, earlier, later, third} {
		if err := ix.Handle(ctx, ev); err != nil {
			t.Fatalf("handle %s: %v", ev.ID, err)
		}
	}

	history, _ := ix.History(ctx, 7)
	if len(history) != 3 || history[0].ID != "a" || history[1].ID != "b" || history[2].ID != "c" {
		t.Fatalf("unexpected history order: %+v", history)
	}
	if stats := ix.Stats(); stats.Duplicates != 1 || stats.Processed != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if recent := ix.Recent(0); len(recent) != 2 || recent[0].ID != "c" {
		t.Fatalf("unexpected recent list: %+v", recent)
	}
	if recorder.outcomes["applied"] != 3 || recorder.outcomes["duplicate"] != 1 {
		t.Fatalf("unexpected recorder outcomes: %+v", recorder.outcomes)
	}
}

func TestIndexerRejectsInvalidEvents(t *testing.T) {
	alerts := &captureDispatcher{}
	ix := New(nil, WithAlertDispatcher(alerts))
	ctx := context.Background()

	cases := []ledger.Event{
		{Sequence: 1, Kind: ledger.EventMinted},
		{ID: "x", Kind: ledger.EventMinted},
		{ID: "y", Sequence: 2, Kind: "burned"},
		{ID: "z", Sequence: 3, Kind: ledger.EventPurchased, AssetID: 1},
	}
	for _, ev := range cases {
		err := ix.Handle(ctx, ev)
		if !errors.Is(err, errInvalid) {
			t.Fatalf("%+v: expected invalid event, got %v", ev, err)
		}
	}
	if stats := ix.Stats(); stats.Rejected != uint64(len(cases)) || stats.Processed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(alerts.alerts) != len(cases) || alerts.alerts[3].AssetID != "1" || alerts.alerts[3].Component != "indexer" {
		t.Fatalf("unexpected alerts: %+v", alerts.alerts)
	}
}

func TestIndexerConsumesBus(t *testing.T) {
	bus := events.NewMemoryBus(16)
	ix := New(bus, WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := ledger.New(ctx, issuer, ledger.WithNotifier(ledger.NotifierFunc(bus.Publish)))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	go func() { _ = ix.Start(ctx) }()

	for i := 0; i < 3; i++ {
		if _, err := l.Mint(ctx, issuer, seller, "ref"); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for ix.Stats().Processed < 3 {
		select {
		case <-deadline:
			t.Fatalf("indexer processed %d events", ix.Stats().Processed)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartWithoutConsumer(t *testing.T) {
	if err := New(nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error without consumer")
	}
}
