package proofs

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

// CodeChainMismatch 表示重放的事件历史与检查点根不一致。
const CodeChainMismatch xerrors.Code = "PROOF_CHAIN_MISMATCH"

func init() {
	xerrors.Register(CodeChainMismatch, xerrors.Attributes{
		Message:  "event history does not match checkpoint",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Checkpoint 是折叠完序列号为 Sequence 的事件后的链状态。
type Checkpoint struct {
	Sequence uint64      `json:"sequence"`
	Count    uint64      `json:"count"`
	Root     common.Hash `json:"root"`
	At       time.Time   `json:"at"`
}

// IsZero 判断是否尚未折叠任何事件。
func (c Checkpoint) IsZero() bool { return c.Count == 0 }

// Chain 把事件折叠为滚动根：root' = keccak256(root || leaf)。
// 序列号不大于当前头部的事件会被忽略，重复投递不影响结果。
// 账本按序列号顺序投递事件，Chain 实现 ledger.Notifier。
type Chain struct {
	mu   sync.RWMutex
	head Checkpoint
	now  func() time.Time
}

// NewChain 返回空链。
func NewChain() *Chain {
	return &Chain{now: time.Now}
}

// Notify 折叠一条已提交的事件。
func (c *Chain) Notify(_ context.Context, ev ledger.Event) error {
	c.Append(ev)
	return nil
}

// Append 折叠 ev，返回链头是否前进。
func (c *Chain) Append(ev ledger.Event) bool {
	leaf := Leaf(ev)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.head.Count > 0 && ev.Sequence <= c.head.Sequence {
		return false
	}
	c.head = Checkpoint{
		Sequence: ev.Sequence,
		Count:    c.head.Count + 1,
		Root:     Fold(c.head.Root, leaf),
		At:       c.now().UTC(),
	}
	return true
}

// Head 返回最新检查点。
func (c *Chain) Head() Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Fold 把上一个根与叶子哈希合并。
func Fold(root, leaf common.Hash) common.Hash {
	return crypto.Keccak256Hash(root[:], leaf[:])
}

// Leaf 按固定的二进制布局对事件字段求哈希，缺省的地址与金额按零处理。
func Leaf(ev ledger.Event) common.Hash {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, ev.ID)
	buf = binary.BigEndian.AppendUint64(buf, ev.Sequence)
	buf = appendString(buf, string(ev.Kind))
	buf = binary.BigEndian.AppendUint64(buf, uint64(ev.AssetID))
	buf = append(buf, ev.Owner[:]...)
	buf = appendAddress(buf, ev.PreviousOwner)
	buf = appendAddress(buf, ev.Buyer)
	buf = appendString(buf, ev.ContentRef)
	buf = appendAmount(buf, ev.Price)
	buf = appendAmount(buf, ev.PreviousPrice)
	buf = appendAmount(buf, ev.Refund)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ev.OccurredAt.UnixNano()))
	return crypto.Keccak256Hash(buf)
}

// Verify 从空链重放 events 并与 want 比对，events 须按序列号排列。
func Verify(events []ledger.Event, want Checkpoint) error {
	chain := NewChain()
	for _, ev := range events {
		chain.Append(ev)
	}
	got := chain.Head()
	if got.Count != want.Count || got.Sequence != want.Sequence || got.Root != want.Root {
		return xerrors.New(CodeChainMismatch, "",
			xerrors.WithMetadata("want_root", want.Root.Hex()),
			xerrors.WithMetadata("got_root", got.Root.Hex()),
		)
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendAddress(buf []byte, addr *common.Address) []byte {
	if addr == nil {
		return append(buf, make([]byte, common.AddressLength)...)
	}
	return append(buf, addr[:]...)
}

func appendAmount(buf []byte, v *big.Int) []byte {
	if v == nil {
		return append(buf, make([]byte, common.HashLength)...)
	}
	return append(buf, common.BigToHash(v).Bytes()...)
}
