package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
	"AgentLedger/pkg/logger"
)

const mysqlDuplicateEntry = 1062

const (
	upsertAssetSQL = `REPLACE INTO ledger_assets (asset_id, owner, content_ref, minted_at)
    VALUES (?, ?, ?, ?)`
	upsertListingSQL = `REPLACE INTO ledger_listings (asset_id, seller, price, listed_at, updated_at)
    VALUES (?, ?, ?, ?, ?)`
	deleteListingSQL = `DELETE FROM ledger_listings WHERE asset_id = ?`
	upsertBalanceSQL = `REPLACE INTO ledger_balances (owner, amount) VALUES (?, ?)`
	deleteBalanceSQL = `DELETE FROM ledger_balances WHERE owner = ?`
	insertEventSQL   = `INSERT INTO ledger_events (event_id, seq, kind, asset_id, payload, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?)`

	selectAssetsSQL    = `SELECT asset_id, owner, content_ref, minted_at FROM ledger_assets ORDER BY asset_id`
	selectListingsSQL  = `SELECT asset_id, seller, price, listed_at, updated_at FROM ledger_listings ORDER BY asset_id`
	selectBalancesSQL  = `SELECT owner, amount FROM ledger_balances`
	selectLastSeqSQL   = `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`
	selectEventsSQL    = `SELECT payload FROM ledger_events WHERE asset_id = ? AND kind <> 'withdrawn' ORDER BY seq`
	selectAllEventsSQL = `SELECT payload FROM ledger_events ORDER BY seq`
)

// Store 基于 database/sql 实现 ledger.Store。
type Store struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
	now    func() time.Time
}

// Open 建立连接、执行迁移并返回可用的 Store。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, driver, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化账本数据库失败")
	}
	store, err := NewWithDB(ctx, db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB 基于已有连接构建 Store 并执行迁移。
func NewWithDB(ctx context.Context, db *sql.DB, driver string) (*Store, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库连接不能为空")
	}
	s := newStore(db, driver)
	if err := s.runMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		log:    logger.Named("sqlstore"),
		now:    time.Now,
	}
}

// Load 实现 ledger.Store，读取全部资产、挂单与待提余额。
func (s *Store) Load(ctx context.Context) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{Balances: make(map[common.Address]*big.Int)}

	assets, err := s.loadAssets(ctx)
	if err != nil {
		return nil, err
	}
	snap.Assets = assets

	listings, err := s.loadListings(ctx)
	if err != nil {
		return nil, err
	}
	snap.Listings = listings

	if err := s.loadBalances(ctx, snap.Balances); err != nil {
		return nil, err
	}

	var lastSeq int64
	if err := s.db.QueryRowContext(ctx, selectLastSeqSQL).Scan(&lastSeq); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件序号失败")
	}
	snap.LastSequence = uint64(lastSeq)
	return snap, nil
}

func (s *Store) loadAssets(ctx context.Context) ([]ledger.Asset, error) {
	rows, err := s.db.QueryContext(ctx, selectAssetsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资产失败")
	}
	defer rows.Close()

	var assets []ledger.Asset
	for rows.Next() {
		var (
			id       int64
			owner    string
			ref      string
			mintedAt int64
		)
		if err := rows.Scan(&id, &owner, &ref, &mintedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析资产失败")
		}
		addr, err := parseAddress(owner)
		if err != nil {
			return nil, err
		}
		assets = append(assets, ledger.Asset{ID: ledger.AssetID(id), Owner: addr, ContentRef: ref, MintedAt: mintedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历资产失败")
	}
	return assets, nil
}

func (s *Store) loadListings(ctx context.Context) ([]ledger.Listing, error) {
	rows, err := s.db.QueryContext(ctx, selectListingsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询挂单失败")
	}
	defer rows.Close()

	var listings []ledger.Listing
	for rows.Next() {
		var (
			id        int64
			seller    string
			price     string
			listedAt  int64
			updatedAt int64
		)
		if err := rows.Scan(&id, &seller, &price, &listedAt, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析挂单失败")
		}
		addr, err := parseAddress(seller)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount(price)
		if err != nil {
			return nil, err
		}
		listings = append(listings, ledger.Listing{
			AssetID:   ledger.AssetID(id),
			Seller:    addr,
			Price:     amount,
			ListedAt:  listedAt,
			UpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历挂单失败")
	}
	return listings, nil
}

func (s *Store) loadBalances(ctx context.Context, into map[common.Address]*big.Int) error {
	rows, err := s.db.QueryContext(ctx, selectBalancesSQL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	defer rows.Close()

	for rows.Next() {
		var owner, amount string
		if err := rows.Scan(&owner, &amount); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析余额失败")
		}
		addr, err := parseAddress(owner)
		if err != nil {
			return err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return err
		}
		into[addr] = value
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历余额失败")
	}
	return nil
}

// Apply 实现 ledger.Store，在单个事务中写入一次账本变更。
func (s *Store) Apply(ctx context.Context, change ledger.Change) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, asset := range change.Assets {
		if _, err = tx.ExecContext(ctx, upsertAssetSQL, int64(asset.ID), asset.Owner.Hex(), asset.ContentRef, asset.MintedAt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入资产失败")
		}
	}
	for _, listing := range change.Listings {
		if _, err = tx.ExecContext(ctx, upsertListingSQL, int64(listing.AssetID), listing.Seller.Hex(), listing.Price.String(), listing.ListedAt, listing.UpdatedAt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入挂单失败")
		}
	}
	for _, id := range change.RemovedListings {
		if _, err = tx.ExecContext(ctx, deleteListingSQL, int64(id)); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除挂单失败")
		}
	}
	owners := make([]common.Address, 0, len(change.Balances))
	for addr := range change.Balances {
		owners = append(owners, addr)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].Hex() < owners[j].Hex() })
	for _, addr := range owners {
		amount := change.Balances[addr]
		if amount == nil || amount.Sign() == 0 {
			_, err = tx.ExecContext(ctx, deleteBalanceSQL, addr.Hex())
		} else {
			_, err = tx.ExecContext(ctx, upsertBalanceSQL, addr.Hex(), amount.String())
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入余额失败")
		}
	}
	for _, ev := range change.Events {
		payload, marshalErr := json.Marshal(ev)
		if marshalErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, marshalErr, "序列化事件失败")
			return err
		}
		if _, err = tx.ExecContext(ctx, insertEventSQL, ev.ID, int64(ev.Sequence), string(ev.Kind), int64(ev.AssetID), string(payload), ev.OccurredAt.Unix()); err != nil {
			if isDuplicate(err) {
				return xerrors.Wrap(xerrors.CodeConflict, err, fmt.Sprintf("事件 %s 已存在", ev.ID))
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件失败")
		}
	}

	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// History 返回某个资产的全部持久化事件，按序号升序。提现事件不属于任何资产，不会返回。
func (s *Store) History(ctx context.Context, id ledger.AssetID) ([]ledger.Event, error) {
	var events []ledger.Event
	err := s.scanEvents(ctx, func(ev ledger.Event) error {
		events = append(events, ev)
		return nil
	}, selectEventsSQL, int64(id))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Replay 按序号升序回放全部事件，用于重建哈希链等派生状态。
func (s *Store) Replay(ctx context.Context, fn func(ledger.Event) error) error {
	return s.scanEvents(ctx, fn, selectAllEventsSQL)
}

func (s *Store) scanEvents(ctx context.Context, fn func(ledger.Event) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		var ev ledger.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化事件失败")
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return nil
}

// Driver 返回当前使用的数据库方言。
func (s *Store) Driver() string {
	return s.driver
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeStorageFailure, "数据库中的地址格式非法: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.Newf(xerrors.CodeStorageFailure, "数据库中的金额格式非法: %q", raw)
	}
	return value, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

var _ ledger.Store = (*Store)(nil)
