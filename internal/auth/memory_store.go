package auth

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryNonceStore 以内存方式保存挑战，适用于单实例部署和测试。
type MemoryNonceStore struct {
	mu    sync.Mutex
	items map[common.Address]Challenge
	now   func() time.Time
}

// NewMemoryNonceStore 创建内存挑战存储。
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		items: make(map[common.Address]Challenge),
		now:   time.Now,
	}
}

// Put 保存挑战，同一地址的旧挑战会被覆盖。
func (s *MemoryNonceStore) Put(_ context.Context, challenge Challenge, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.items[challenge.Address] = challenge
	return nil
}

// Take 取出并删除挑战，已过期的挑战视为不存在。
func (s *MemoryNonceStore) Take(_ context.Context, address common.Address) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge, ok := s.items[address]
	if !ok {
		return nil, nil
	}
	delete(s.items, address)
	if challenge.Expired(s.now()) {
		return nil, nil
	}
	return &challenge, nil
}

// Len 返回当前保存的挑战数量。
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// sweepLocked 清理过期挑战，避免无人兑换的挑战无限堆积。
func (s *MemoryNonceStore) sweepLocked() {
	now := s.now()
	for addr, challenge := range s.items {
		if challenge.Expired(now) {
			delete(s.items, addr)
		}
	}
}
