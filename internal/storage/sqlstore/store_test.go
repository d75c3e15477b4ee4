package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

var (
	seller = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func TestStoreRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM ledger_schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
	}
	for _, stmt := range embeddedStatements(t) {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO ledger_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}).
			withArgs("0001", "0001_create_ledger.sql", int64(1700000000)),
		commitOp(),
	)

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newStore(db, DriverSQLite)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestStoreRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM ledger_schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := newStore(db, DriverMySQL).runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestStoreApplyPurchase(t *testing.T) {
	t.Parallel()

	occurred := time.Unix(1700000100, 0).UTC()
	ev := ledger.Event{
		ID:         "5b0f7c56-3f7e-4a89-9c55-3c3f8b0a6f10",
		Sequence:   9,
		Kind:       ledger.EventPurchased,
		AssetID:    3,
		Owner:      buyer,
		Price:      big.NewInt(2),
		OccurredAt: occurred,
	}

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertAssetSQL, mockResult{rowsAffected: 1}).withArgs(int64(3), buyer.Hex(), "ref3", int64(1700000000)),
		execOp(deleteListingSQL, mockResult{rowsAffected: 1}).withArgs(int64(3)),
		execOp(upsertBalanceSQL, mockResult{rowsAffected: 1}).withArgs(seller.Hex(), "2"),
		execOp(insertEventSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newStore(db, DriverMySQL)
	err := store.Apply(context.Background(), ledger.Change{
		Assets:          []ledger.Asset{{ID: 3, Owner: buyer, ContentRef: "ref3", MintedAt: 1700000000}},
		RemovedListings: []ledger.AssetID{3},
		Balances:        map[common.Address]*big.Int{seller: big.NewInt(2)},
		Events:          []ledger.Event{ev},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestStoreApplyZeroBalanceDeletesRow(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(deleteBalanceSQL, mockResult{rowsAffected: 1}).withArgs(seller.Hex()),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newStore(db, DriverMySQL).Apply(context.Background(), ledger.Change{
		Balances: map[common.Address]*big.Int{seller: new(big.Int)},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestStoreApplyRollsBackOnError(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertListingSQL, mockResult{}).failing(errors.New("lock wait timeout")),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newStore(db, DriverMySQL).Apply(context.Background(), ledger.Change{
		Listings: []ledger.Listing{{AssetID: 1, Seller: seller, Price: big.NewInt(5), ListedAt: 1, UpdatedAt: 1}},
	})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestStoreApplyDuplicateEventIsConflict(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insertEventSQL, mockResult{}).failing(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := newStore(db, DriverMySQL).Apply(context.Background(), ledger.Change{
		Events: []ledger.Event{{ID: "dup", Sequence: 1, Kind: ledger.EventMinted, OccurredAt: time.Unix(1, 0)}},
	})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStoreLoad(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAssetsSQL, mockRowsData{
			columns: []string{"asset_id", "owner", "content_ref", "minted_at"},
			values: [][]driver.Value{
				{int64(0), seller.Hex(), "ref0", int64(10)},
				{int64(1), buyer.Hex(), "ref1", int64(11)},
			},
		}),
		queryOp(selectListingsSQL, mockRowsData{
			columns: []string{"asset_id", "seller", "price", "listed_at", "updated_at"},
			values:  [][]driver.Value{{int64(0), seller.Hex(), "1000000000000000000000", int64(12), int64(13)}},
		}),
		queryOp(selectBalancesSQL, mockRowsData{
			columns: []string{"owner", "amount"},
			values:  [][]driver.Value{{seller.Hex(), "7"}},
		}),
		queryOp(selectLastSeqSQL, mockRowsData{
			columns: []string{"seq"},
			values:  [][]driver.Value{{int64(42)}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	snap, err := newStore(db, DriverMySQL).Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(snap.Assets) != 2 || snap.Assets[1].Owner != buyer || snap.Assets[0].ContentRef != "ref0" {
		t.Fatalf("unexpected assets: %+v", snap.Assets)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if len(snap.Listings) != 1 || snap.Listings[0].Price.Cmp(want) != 0 {
		t.Fatalf("unexpected listings: %+v", snap.Listings)
	}
	if snap.Balances[seller].Int64() != 7 {
		t.Fatalf("unexpected balances: %+v", snap.Balances)
	}
	if snap.LastSequence != 42 {
		t.Fatalf("unexpected last sequence %d", snap.LastSequence)
	}
}

func TestStoreLoadRejectsMalformedRows(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAssetsSQL, mockRowsData{
			columns: []string{"asset_id", "owner", "content_ref", "minted_at"},
			values:  [][]driver.Value{{int64(0), "not-an-address", "ref0", int64(10)}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, err := newStore(db, DriverMySQL).Load(context.Background()); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("CREATE INDEX idx ON t (a);")},
		"0001_create.sql":    {Data: []byte("-- initial schema\nCREATE TABLE t (a INT);\nCREATE TABLE u (b INT);")},
		"0003_empty.sql":     {Data: []byte("-- nothing yet\n")},
		"README.md":          {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load migration files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("unexpected first migration: %+v", files[0])
	}
	if files[0].statements[0] != "CREATE TABLE t (a INT)" {
		t.Fatalf("comment not stripped: %q", files[0].statements[0])
	}
	if files[1].version != "0002" {
		t.Fatalf("unexpected second migration: %+v", files[1])
	}
}

func TestNormalizeDriver(t *testing.T) {
	cases := map[string]string{"": DriverMySQL, "MySQL": DriverMySQL, "sqlite3": DriverSQLite, " sqlite ": DriverSQLite}
	for in, want := range cases {
		got, err := normalizeDriver(in)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := normalizeDriver("postgres"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func embeddedStatements(t *testing.T) []string {
	t.Helper()
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one embedded migration, got %d", len(files))
	}
	return files[0].statements
}

func TestStoreHistory(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectEventsSQL, mockRowsData{
			columns: []string{"payload"},
			values: [][]driver.Value{
				{`{"id":"a","sequence":1,"kind":"minted","asset_id":2,"owner":"` + seller.Hex() + `","occurred_at":"2024-01-01T00:00:00Z"}`},
				{`{"id":"b","sequence":4,"kind":"listed","asset_id":2,"owner":"` + seller.Hex() + `","price":5,"occurred_at":"2024-01-01T00:00:01Z"}`},
			},
		}).withArgs(int64(2)),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	events, err := newStore(db, DriverMySQL).History(context.Background(), 2)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(events) != 2 || events[1].Kind != ledger.EventListed || events[1].Price.Int64() != 5 || events[0].Owner != seller {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStoreReplay(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectAllEventsSQL, mockRowsData{
			columns: []string{"payload"},
			values: [][]driver.Value{
				{`{"id":"a","sequence":1,"kind":"minted","asset_id":0,"owner":"` + seller.Hex() + `","occurred_at":"2024-01-01T00:00:00Z"}`},
				{`{"id":"b","sequence":2,"kind":"withdrawn","asset_id":0,"owner":"` + seller.Hex() + `","price":5,"occurred_at":"2024-01-01T00:00:01Z"}`},
				{`{"id":"c","sequence":3,"kind":"listed","asset_id":0,"owner":"` + seller.Hex() + `","price":5,"occurred_at":"2024-01-01T00:00:02Z"}`},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	var seqs []uint64
	stop := errors.New("stop")
	err := newStore(db, DriverMySQL).Replay(context.Background(), func(ev ledger.Event) error {
		seqs = append(seqs, ev.Sequence)
		if ev.Kind == ledger.EventWithdrawn {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if len(seqs) != 2 || seqs[1] != 2 {
		t.Fatalf("unexpected replay order: %v", seqs)
	}
}
