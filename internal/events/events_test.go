package events

import (
	"context"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

func sampleEvent(seq uint64) ledger.Event {
	seller := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	return ledger.Event{
		ID:            "evt-" + string(rune('a'+seq)),
		Sequence:      seq,
		Kind:          ledger.EventPurchased,
		AssetID:       1,
		Owner:         buyer,
		PreviousOwner: &seller,
		Buyer:         &buyer,
		Price:         big.NewInt(2000000000000000000),
		Refund:        big.NewInt(0),
		OccurredAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := uint64(1); i <= 3; i++ {
		if err := bus.Publish(ctx, sampleEvent(i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	go func() {
		_ = bus.Consume(ctx, 1, func(_ context.Context, ev ledger.Event) error {
			mu.Lock()
			got = append(got, ev.Sequence)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("unexpected order: %v", got)
		}
	}
}

func TestMemoryBusFullDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	if err := bus.Publish(ctx, sampleEvent(1)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(ctx, sampleEvent(2))
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure on full buffer, got %v", err)
	}
	if bus.Len() != 1 {
		t.Fatalf("expected 1 buffered event, got %d", bus.Len())
	}
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := bus.Publish(context.Background(), sampleEvent(1)); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure after close, got %v", err)
	}
	if err := bus.Consume(context.Background(), 2, func(context.Context, ledger.Event) error { return nil }); err != nil {
		t.Fatalf("consume on closed bus should return nil, got %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	ev := sampleEvent(4)
	payload, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != ev.ID || decoded.Price.Cmp(ev.Price) != 0 || *decoded.PreviousOwner != *ev.PreviousOwner {
		t.Fatalf("decoded event differs: %+v", decoded)
	}
	if !decoded.OccurredAt.Equal(ev.OccurredAt) {
		t.Fatalf("timestamp differs: %s", decoded.OccurredAt)
	}

	if _, err := Decode([]byte(`{"sequence":1}`)); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("expected queue failure for missing id, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); xerrors.RetryableError(err) {
		t.Fatalf("malformed payloads must not be retryable")
	}
}

func TestFanoutIsolatesFailures(t *testing.T) {
	fanout := NewFanout()
	var delivered []string
	fanout.Add("broken", ledger.NotifierFunc(func(context.Context, ledger.Event) error {
		return errors.New("boom")
	}))
	fanout.Add("ok", ledger.NotifierFunc(func(_ context.Context, ev ledger.Event) error {
		delivered = append(delivered, ev.ID)
		return nil
	}))
	bus := NewMemoryBus(4)
	fanout.AddPublisher("bus", bus)
	fanout.Add("nil", nil)

	err := fanout.Notify(context.Background(), sampleEvent(1))
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("healthy target not notified")
	}
	if bus.Len() != 1 {
		t.Fatalf("event not published to bus")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	bus, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := bus.(*MemoryBus); !ok {
		t.Fatalf("expected memory bus by default, got %T", bus)
	}
	if _, err := Open(context.Background(), Config{Driver: "kafka"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverRedis}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure without address, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: DriverRabbitMQ}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure without url, got %v", err)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("AGENTLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTLEDGER_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := NewRedisBus(ctx, RedisConfig{Address: addr, Queue: "agentledger:test:" + t.Name(), BlockWait: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	defer bus.Close()

	if err := bus.Publish(ctx, sampleEvent(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	consumeCtx, stop := context.WithCancel(ctx)
	received := make(chan ledger.Event, 1)
	go func() {
		_ = bus.Consume(consumeCtx, 1, func(_ context.Context, ev ledger.Event) error {
			received <- ev
			stop()
			return nil
		})
	}()
	select {
	case ev := <-received:
		if ev.Sequence != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for redis event")
	}
}
