package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/pkg/logger"
)

// Notifier 接收已提交的事件。调用时不持有任何账本锁，可以回调账本。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc 把函数适配为 Notifier。
type NotifierFunc func(ctx context.Context, event Event) error

// Notify 实现 Notifier。
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Observer 记录每次账本操作的结果。
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Policy 描述可配置的市场规则。
type Policy struct {
	// AllowFreeListings 允许零价格挂单。
	AllowFreeListings bool
}

// DefaultPolicy 默认允许零价格挂单。
func DefaultPolicy() Policy {
	return Policy{AllowFreeListings: true}
}

// Option 定义可选的账本配置。
type Option func(*Ledger)

// WithStore 设置持久化存储，默认使用 MemoryStore。
func WithStore(store Store) Option {
	return func(l *Ledger) {
		if store != nil {
			l.store = store
		}
	}
}

// WithNotifier 设置提交后的事件通知器。
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) {
		l.notifier = n
	}
}

// WithObserver 设置操作观察者。
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// WithPolicy 覆盖默认市场规则。
func WithPolicy(p Policy) Option {
	return func(l *Ledger) {
		l.policy = p
	}
}

// WithClock 覆盖 time.Now，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger 覆盖应用日志。
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

type entry struct {
	mu      sync.Mutex
	asset   Asset
	listing *Listing
}

// Ledger 持有资产表、挂单表与待提取余额表。
//
// 加锁顺序：tableMu、资产条目的 mu、balanceMu、commitMu；ownerMu 只在最内层短暂持有。
// 调用 Notifier 时不持有 outbox 锁。
type Ledger struct {
	issuer   common.Address
	policy   Policy
	store    Store
	notifier Notifier
	observer Observer
	now      func() time.Time
	log      *slog.Logger

	tableMu sync.RWMutex
	entries []*entry

	ownerMu sync.RWMutex
	owned   map[common.Address]map[AssetID]struct{}

	balanceMu sync.Mutex
	balances  map[common.Address]*big.Int

	commitMu sync.Mutex
	seq      atomic.Uint64
	outbox   outbox
}

// New 为指定发行方构造账本，并从存储中恢复状态。
func New(ctx context.Context, issuer common.Address, opts ...Option) (*Ledger, error) {
	if issuer == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "issuer address must not be zero")
	}
	l := &Ledger{
		issuer:   issuer,
		policy:   DefaultPolicy(),
		now:      time.Now,
		log:      logger.Named("ledger"),
		owned:    make(map[common.Address]map[AssetID]struct{}),
		balances: make(map[common.Address]*big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}

	snap, err := l.store.Load(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load ledger snapshot")
	}
	if err := l.restore(snap); err != nil {
		return nil, err
	}
	l.log.Info("账本已就绪",
		slog.String("issuer", issuer.Hex()),
		slog.Int("assets", len(l.entries)),
		slog.Uint64("sequence", l.seq.Load()),
	)
	return l, nil
}

func (l *Ledger) restore(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	assets := append([]Asset(nil), snap.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	for i, asset := range assets {
		if asset.ID != AssetID(i) {
			return xerrors.Newf(xerrors.CodeStorageFailure, "snapshot asset ids not contiguous at %d", i)
		}
		if asset.Owner == (common.Address{}) {
			return xerrors.Newf(xerrors.CodeStorageFailure, "snapshot asset %d has no owner", asset.ID)
		}
		l.entries = append(l.entries, &entry{asset: asset})
		l.index(asset.Owner, asset.ID)
	}
	for _, listing := range snap.Listings {
		if uint64(listing.AssetID) >= uint64(len(l.entries)) {
			return xerrors.Newf(xerrors.CodeStorageFailure, "snapshot listing for unknown asset %d", listing.AssetID)
		}
		e := l.entries[listing.AssetID]
		if listing.Seller != e.asset.Owner {
			return xerrors.Newf(xerrors.CodeStorageFailure, "snapshot listing for asset %d does not match owner", listing.AssetID)
		}
		e.listing = (&listing).clone()
	}
	for addr, bal := range snap.Balances {
		if bal != nil && bal.Sign() > 0 {
			l.balances[addr] = cloneAmount(bal)
		}
	}
	l.seq.Store(snap.LastSequence)
	return nil
}

// Mint 为 to 铸造新资产，仅发行方可调用。
func (l *Ledger) Mint(ctx context.Context, caller, to common.Address, contentRef string) (AssetID, error) {
	start := l.now()
	id, err := l.mint(ctx, caller, to, contentRef)
	l.observe("mint", err, start)
	l.flush(ctx)
	return id, err
}

func (l *Ledger) mint(ctx context.Context, caller, to common.Address, contentRef string) (AssetID, error) {
	if caller != l.issuer {
		return 0, xerrors.Newf(CodeUnauthorized, "%s is not the issuer", caller.Hex())
	}
	if to == (common.Address{}) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "cannot mint to the zero address")
	}
	if strings.TrimSpace(contentRef) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "content ref must not be empty")
	}

	l.tableMu.Lock()
	defer l.tableMu.Unlock()

	asset := Asset{
		ID:         AssetID(len(l.entries)),
		Owner:      to,
		ContentRef: contentRef,
		MintedAt:   l.now().Unix(),
	}
	ev := l.newEvent(EventMinted, asset.ID, to)
	ev.ContentRef = contentRef
	if err := l.commit(ctx, Change{Assets: []Asset{asset}, Events: []Event{ev}}); err != nil {
		return 0, err
	}
	l.entries = append(l.entries, &entry{asset: asset})
	l.index(to, asset.ID)
	logger.Mutation("mint",
		slog.String("asset_id", asset.ID.String()),
		slog.String("owner", to.Hex()),
		slog.String("content_ref", contentRef),
	)
	return asset.ID, nil
}

// List 以 price 挂单出售资产。仅所有者可调用，且资产不能已在挂单中。
func (l *Ledger) List(ctx context.Context, id AssetID, price *big.Int, caller common.Address) error {
	return l.withAsset(ctx, id, "list", func(e *entry) error {
		if e.asset.Owner != caller {
			return unauthorized(caller, id)
		}
		if e.listing != nil {
			return xerrors.Newf(CodeAlreadyListed, "asset %d is already listed", id)
		}
		if err := l.checkPrice(price); err != nil {
			return err
		}
		now := l.now().Unix()
		listing := &Listing{AssetID: id, Seller: caller, Price: cloneAmount(price), ListedAt: now, UpdatedAt: now}
		ev := l.newEvent(EventListed, id, caller)
		ev.Price = cloneAmount(price)
		if err := l.commit(ctx, Change{Listings: []Listing{*listing}, Events: []Event{ev}}); err != nil {
			return err
		}
		e.listing = listing
		logger.Mutation("list",
			slog.String("asset_id", id.String()),
			slog.String("seller", caller.Hex()),
			slog.String("price", price.String()),
		)
		return nil
	})
}

// UpdatePrice 修改当前挂单的价格。
func (l *Ledger) UpdatePrice(ctx context.Context, id AssetID, price *big.Int, caller common.Address) error {
	return l.withAsset(ctx, id, "update_price", func(e *entry) error {
		if e.asset.Owner != caller {
			return unauthorized(caller, id)
		}
		if e.listing == nil {
			return xerrors.Newf(CodeNotListed, "asset %d is not listed", id)
		}
		if err := l.checkPrice(price); err != nil {
			return err
		}
		updated := e.listing.clone()
		updated.Price = cloneAmount(price)
		updated.UpdatedAt = l.now().Unix()
		ev := l.newEvent(EventPriceChanged, id, caller)
		ev.Price = cloneAmount(price)
		ev.PreviousPrice = cloneAmount(e.listing.Price)
		if err := l.commit(ctx, Change{Listings: []Listing{*updated}, Events: []Event{ev}}); err != nil {
			return err
		}
		e.listing = updated
		logger.Mutation("update_price",
			slog.String("asset_id", id.String()),
			slog.String("seller", caller.Hex()),
			slog.String("previous_price", ev.PreviousPrice.String()),
			slog.String("price", price.String()),
		)
		return nil
	})
}

// Delist 撤销当前挂单。
func (l *Ledger) Delist(ctx context.Context, id AssetID, caller common.Address) error {
	return l.withAsset(ctx, id, "delist", func(e *entry) error {
		if e.asset.Owner != caller {
			return unauthorized(caller, id)
		}
		if e.listing == nil {
			return xerrors.Newf(CodeNotListed, "asset %d is not listed", id)
		}
		ev := l.newEvent(EventDelisted, id, caller)
		ev.Price = cloneAmount(e.listing.Price)
		if err := l.commit(ctx, Change{RemovedListings: []AssetID{id}, Events: []Event{ev}}); err != nil {
			return err
		}
		e.listing = nil
		logger.Mutation("delist",
			slog.String("asset_id", id.String()),
			slog.String("seller", caller.Hex()),
		)
		return nil
	})
}

// Purchase 以 payment 购买挂单中的资产。挂单价计入卖方待提取余额，
// 多付部分退回买方余额。所有权变更、撤单与两笔入账在一次提交中完成。
func (l *Ledger) Purchase(ctx context.Context, id AssetID, buyer common.Address, payment *big.Int) (*Receipt, error) {
	if payment == nil {
		payment = new(big.Int)
	}
	var receipt *Receipt
	err := l.withAsset(ctx, id, "purchase", func(e *entry) error {
		if buyer == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "buyer address must not be zero")
		}
		if e.listing == nil {
			return xerrors.Newf(CodeNotListed, "asset %d is not listed", id)
		}
		price := e.listing.Price
		if payment.Cmp(price) < 0 {
			return xerrors.Newf(CodeInsufficientPayment, "payment %s is below price %s", payment, price)
		}
		seller := e.asset.Owner
		if buyer == seller {
			return xerrors.Newf(CodeSelfPurchase, "%s already owns asset %d", buyer.Hex(), id)
		}
		refund := new(big.Int).Sub(payment, price)

		l.balanceMu.Lock()
		defer l.balanceMu.Unlock()

		balances := map[common.Address]*big.Int{
			seller: new(big.Int).Add(l.balanceLocked(seller), price),
		}
		if refund.Sign() > 0 {
			balances[buyer] = new(big.Int).Add(l.balanceLocked(buyer), refund)
		}
		updated := e.asset
		updated.Owner = buyer

		ev := l.newEvent(EventPurchased, id, buyer)
		ev.PreviousOwner = addrPtr(seller)
		ev.Buyer = addrPtr(buyer)
		ev.Price = cloneAmount(price)
		ev.Refund = cloneAmount(refund)
		change := Change{
			Assets:          []Asset{updated},
			RemovedListings: []AssetID{id},
			Balances:        balances,
			Events:          []Event{ev},
		}
		if err := l.commit(ctx, change); err != nil {
			return err
		}

		for addr, bal := range balances {
			l.balances[addr] = bal
		}
		e.asset = updated
		e.listing = nil
		l.reindex(seller, buyer, id)

		receipt = &Receipt{
			AssetID:       id,
			PreviousOwner: seller,
			Buyer:         buyer,
			Price:         cloneAmount(price),
			Refund:        refund,
			Sequence:      change.Events[0].Sequence,
		}
		logger.Mutation("purchase",
			slog.String("asset_id", id.String()),
			slog.String("seller", seller.Hex()),
			slog.String("buyer", buyer.Hex()),
			slog.String("price", price.String()),
			slog.String("refund", refund.String()),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Transfer 在市场之外把资产转给新所有者。仅发行方可调用，会清除当前挂单。
func (l *Ledger) Transfer(ctx context.Context, id AssetID, to, caller common.Address) error {
	return l.withAsset(ctx, id, "transfer", func(e *entry) error {
		if caller != l.issuer {
			return xerrors.Newf(CodeUnauthorized, "%s is not the issuer", caller.Hex())
		}
		if to == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "cannot transfer to the zero address")
		}
		previous := e.asset.Owner
		if to == previous {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "%s already owns asset %d", to.Hex(), id)
		}
		updated := e.asset
		updated.Owner = to
		ev := l.newEvent(EventTransferred, id, to)
		ev.PreviousOwner = addrPtr(previous)
		change := Change{Assets: []Asset{updated}, Events: []Event{ev}}
		if e.listing != nil {
			change.RemovedListings = []AssetID{id}
		}
		if err := l.commit(ctx, change); err != nil {
			return err
		}
		e.asset = updated
		e.listing = nil
		l.reindex(previous, to, id)
		logger.Mutation("transfer",
			slog.String("asset_id", id.String()),
			slog.String("from", previous.Hex()),
			slog.String("to", to.Hex()),
		)
		return nil
	})
}

// Withdraw 清空调用方的待提取余额并返回金额，结算层根据 withdrawn 事件付款。
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	start := l.now()
	amount, err := l.withdraw(ctx, caller)
	l.observe("withdraw", err, start)
	l.flush(ctx)
	return amount, err
}

func (l *Ledger) withdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	l.balanceMu.Lock()
	defer l.balanceMu.Unlock()

	amount := l.balanceLocked(caller)
	if amount.Sign() == 0 {
		return nil, xerrors.Newf(CodeNothingToWithdraw, "%s has no pending balance", caller.Hex())
	}
	ev := l.newEvent(EventWithdrawn, 0, caller)
	ev.Price = cloneAmount(amount)
	change := Change{
		Balances: map[common.Address]*big.Int{caller: new(big.Int)},
		Events:   []Event{ev},
	}
	if err := l.commit(ctx, change); err != nil {
		return nil, err
	}
	delete(l.balances, caller)
	logger.Mutation("withdraw",
		slog.String("owner", caller.Hex()),
		slog.String("amount", amount.String()),
	)
	return cloneAmount(amount), nil
}

// Close 释放底层存储。
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) withAsset(ctx context.Context, id AssetID, op string, fn func(e *entry) error) error {
	start := l.now()
	e, err := l.lookup(id)
	if err == nil {
		e.mu.Lock()
		err = fn(e)
		e.mu.Unlock()
	}
	l.observe(op, err, start)
	l.flush(ctx)
	return err
}

func (l *Ledger) lookup(id AssetID) (*entry, error) {
	l.tableMu.RLock()
	defer l.tableMu.RUnlock()
	if uint64(id) >= uint64(len(l.entries)) {
		return nil, notFound(id)
	}
	return l.entries[id], nil
}

// commit 在 commitMu 下分配序列号、写入存储并放入 outbox，outbox 中的事件
// 因此总是按序列号排列。写入失败不消耗序列号。
// change.Events 与调用方共享底层数组，调用方可以读到分配的序列号。
func (l *Ledger) commit(ctx context.Context, change Change) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	next := l.seq.Load()
	for i := range change.Events {
		next++
		change.Events[i].Sequence = next
	}
	if err := l.store.Apply(ctx, change); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit ledger change")
	}
	l.seq.Store(next)
	l.enqueue(change.Events...)
	return nil
}

func (l *Ledger) checkPrice(price *big.Int) error {
	if price == nil {
		return xerrors.New(CodeInvalidPrice, "price is required")
	}
	if price.Sign() < 0 {
		return xerrors.Newf(CodeInvalidPrice, "price %s is negative", price)
	}
	if price.Sign() == 0 && !l.policy.AllowFreeListings {
		return xerrors.New(CodeInvalidPrice, "free listings are disabled")
	}
	return nil
}

func (l *Ledger) newEvent(kind EventKind, id AssetID, owner common.Address) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		AssetID:    id,
		Owner:      owner,
		OccurredAt: l.now().UTC(),
	}
}

func (l *Ledger) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *Ledger) index(owner common.Address, id AssetID) {
	l.ownerMu.Lock()
	defer l.ownerMu.Unlock()
	set := l.owned[owner]
	if set == nil {
		set = make(map[AssetID]struct{})
		l.owned[owner] = set
	}
	set[id] = struct{}{}
}

func (l *Ledger) reindex(from, to common.Address, id AssetID) {
	l.ownerMu.Lock()
	if set := l.owned[from]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(l.owned, from)
		}
	}
	l.ownerMu.Unlock()
	l.index(to, id)
}

func (l *Ledger) observe(op string, err error, start time.Time) {
	if err != nil {
		l.log.Debug("账本操作被拒绝",
			slog.String("op", op),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
	}
	if l.observer != nil {
		l.observer.ObserveOperation(op, err, l.now().Sub(start))
	}
}

func unauthorized(caller common.Address, id AssetID) error {
	return xerrors.New(CodeUnauthorized, fmt.Sprintf("%s does not own asset %d", caller.Hex(), id))
}
