package web3

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability/alerting"
	"AgentLedger/internal/proofs"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakeSubmitter) Name() string { return "fake" }

func (f *fakeSubmitter) FetchChainSnapshot(context.Context) (ChainSnapshot, error) {
	return ChainSnapshot{Name: "fake", ChainID: "0x1"}, nil
}

func (f *fakeSubmitter) Submit(_ context.Context, payload []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.payloads = append(f.payloads, payload)
	return crypto.Keccak256Hash(payload), nil
}

func (f *fakeSubmitter) Close() {}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type captureAlerts struct {
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.events = append(c.events, event)
	return nil
}

type outcomes map[string]int

func (o outcomes) ObserveAnchor(outcome string, _ uint64) { o[outcome]++ }

func appendEvent(chain *proofs.Chain, seq uint64) {
	chain.Append(ledger.Event{ID: "e", Sequence: seq, Kind: ledger.EventMinted, OccurredAt: time.Unix(int64(seq), 0)})
}

func TestAnchorNowSubmitsOnlyNewCheckpoints(t *testing.T) {
	chain := proofs.NewChain()
	sub := &fakeSubmitter{}
	rec := outcomes{}
	a := NewAnchorer(chain, sub, WithRecorder(rec))
	ctx := context.Background()

	if rec, err := a.AnchorNow(ctx); err != nil || rec != nil {
		t.Fatalf("empty chain should not anchor: %+v %v", rec, err)
	}

	appendEvent(chain, 1)
	appendEvent(chain, 3)
	first, err := a.AnchorNow(ctx)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if first.Checkpoint.Sequence != 3 || first.Chain != "fake" || first.TxHash == (common.Hash{}) {
		t.Fatalf("unexpected record %+v", first)
	}
	decoded, err := DecodeCheckpoint(sub.payloads[0])
	if err != nil || decoded.Root != chain.Head().Root || decoded.Count != 2 {
		t.Fatalf("unexpected payload %+v (%v)", decoded, err)
	}

	again, err := a.AnchorNow(ctx)
	if err != nil || again != first || sub.count() != 1 {
		t.Fatalf("unchanged head should not be resubmitted")
	}

	appendEvent(chain, 4)
	if _, err := a.AnchorNow(ctx); err != nil || sub.count() != 2 {
		t.Fatalf("advanced head should be submitted: %v", err)
	}
	if last, ok := a.Last(); !ok || last.Checkpoint.Sequence != 4 {
		t.Fatalf("unexpected last record %+v", last)
	}
	if rec["submitted"] != 2 || rec["skipped"] != 2 {
		t.Fatalf("unexpected outcomes %+v", rec)
	}
}

func TestAnchorFailureAlerts(t *testing.T) {
	chain := proofs.NewChain()
	appendEvent(chain, 1)
	alerts := &captureAlerts{}
	a := NewAnchorer(chain, &fakeSubmitter{err: errors.New("nonce too low")}, WithAlertDispatcher(alerts))

	_, err := a.AnchorNow(context.Background())
	if xerrors.CodeOf(err) != CodeAnchorFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable anchor failure, got %v", err)
	}
	if len(alerts.events) != 1 || alerts.events[0].Component != "anchor" || alerts.events[0].Metadata["sequence"] != "1" {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}
	if _, ok := a.Last(); ok {
		t.Fatal("failed anchor must not be recorded")
	}
}

func TestStartFlushesOnShutdown(t *testing.T) {
	chain := proofs.NewChain()
	sub := &fakeSubmitter{}
	a := NewAnchorer(chain, sub, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	appendEvent(chain, 1)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("anchorer did not stop")
	}
	if sub.count() != 1 {
		t.Fatalf("expected final anchor on shutdown, got %d submissions", sub.count())
	}

	if err := NewAnchorer(nil, nil).Start(context.Background()); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestDecodeCheckpointRejectsForeignData(t *testing.T) {
	if _, err := DecodeCheckpoint([]byte("hello")); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	payload := EncodeCheckpoint(proofs.Checkpoint{Sequence: 1, Count: 1})
	payload[0] = 'X'
	if _, err := DecodeCheckpoint(payload); err == nil {
		t.Fatal("expected magic mismatch")
	}
}
