package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Change 是一次账本操作的完整写集，Store 必须原子地写入全部或不写入。
type Change struct {
	Assets          []Asset
	Listings        []Listing
	RemovedListings []AssetID
	// Balances 保存余额的绝对值，零值表示删除该行。
	Balances map[common.Address]*big.Int
	Events   []Event
}

// Snapshot 是启动时重建账本所需的持久化状态。
type Snapshot struct {
	Assets       []Asset
	Listings     []Listing
	Balances     map[common.Address]*big.Int
	LastSequence uint64
}

// Store 持久化已提交的账本变更。
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Apply(ctx context.Context, change Change) error
	Close() error
}

// MemoryStore 把已提交状态保存在进程内存中，用于测试和无需持久化的单进程部署。
type MemoryStore struct {
	mu       sync.RWMutex
	assets   map[AssetID]Asset
	listings map[AssetID]Listing
	balances map[common.Address]*big.Int
	events   []Event
	lastSeq  uint64
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:   make(map[AssetID]Asset),
		listings: make(map[AssetID]Listing),
		balances: make(map[common.Address]*big.Int),
	}
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{Balances: make(map[common.Address]*big.Int, len(m.balances))}
	for _, asset := range m.assets {
		snap.Assets = append(snap.Assets, asset)
	}
	sort.Slice(snap.Assets, func(i, j int) bool { return snap.Assets[i].ID < snap.Assets[j].ID })
	for _, listing := range m.listings {
		l := listing
		l.Price = cloneAmount(listing.Price)
		snap.Listings = append(snap.Listings, l)
	}
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].AssetID < snap.Listings[j].AssetID })
	for addr, bal := range m.balances {
		snap.Balances[addr] = cloneAmount(bal)
	}
	snap.LastSequence = m.lastSeq
	return snap, nil
}

// Apply 实现 Store。
func (m *MemoryStore) Apply(_ context.Context, change Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, asset := range change.Assets {
		m.assets[asset.ID] = asset
	}
	for _, listing := range change.Listings {
		l := listing
		l.Price = cloneAmount(listing.Price)
		m.listings[l.AssetID] = l
	}
	for _, id := range change.RemovedListings {
		delete(m.listings, id)
	}
	for addr, bal := range change.Balances {
		if bal == nil || bal.Sign() == 0 {
			delete(m.balances, addr)
			continue
		}
		m.balances[addr] = cloneAmount(bal)
	}
	for _, ev := range change.Events {
		if ev.Sequence > m.lastSeq {
			m.lastSeq = ev.Sequence
		}
	}
	m.events = append(m.events, change.Events...)
	return nil
}

// Events 按提交顺序返回事件日志。
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close 对内存存储无操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
