package ledger

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
)

// AssetID 标识已铸造的资产，从零开始顺序分配，永不复用。
type AssetID uint64

// String 以十进制输出编号。
func (id AssetID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseAssetID 解析十进制资产编号。
func ParseAssetID(raw string) (AssetID, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid asset id %q", raw)
	}
	return AssetID(value), nil
}

// Asset 是已铸造的资产，始终只有一个所有者。
type Asset struct {
	ID         AssetID        `json:"id"`
	Owner      common.Address `json:"owner"`
	ContentRef string         `json:"content_ref"`
	MintedAt   int64          `json:"minted_at"`
}

// Listing 是所有者的出售挂单，只在有效期间存在。
type Listing struct {
	AssetID   AssetID        `json:"asset_id"`
	Seller    common.Address `json:"seller"`
	Price     *big.Int       `json:"price"`
	ListedAt  int64          `json:"listed_at"`
	UpdatedAt int64          `json:"updated_at"`
}

func (l *Listing) clone() *Listing {
	if l == nil {
		return nil
	}
	c := *l
	c.Price = cloneAmount(l.Price)
	return &c
}

// AssetView 是查询返回的读模型：资产及其当前挂单。
type AssetView struct {
	Asset
	Listed  bool     `json:"listed"`
	Listing *Listing `json:"listing,omitempty"`
}

// EventKind 表示已提交的账本变更类型。
type EventKind string

const (
	EventMinted       EventKind = "minted"
	EventListed       EventKind = "listed"
	EventPriceChanged EventKind = "price_changed"
	EventDelisted     EventKind = "delisted"
	EventPurchased    EventKind = "purchased"
	EventTransferred  EventKind = "transferred"
	EventWithdrawn    EventKind = "withdrawn"
)

// Event 在每次成功的变更操作后产生一次。Sequence 在整个账本内连续递增，
// 事件按序列号顺序投递。
//
// withdrawn 事件与资产无关：AssetID 恒为零，不代表 0 号资产，Price 为提取金额。
// 按资产过滤时先用 HasAsset 判断。
type Event struct {
	ID            string          `json:"id"`
	Sequence      uint64          `json:"sequence"`
	Kind          EventKind       `json:"kind"`
	AssetID       AssetID         `json:"asset_id"`
	Owner         common.Address  `json:"owner"`
	PreviousOwner *common.Address `json:"previous_owner,omitempty"`
	Buyer         *common.Address `json:"buyer,omitempty"`
	ContentRef    string          `json:"content_ref,omitempty"`
	Price         *big.Int        `json:"price,omitempty"`
	PreviousPrice *big.Int        `json:"previous_price,omitempty"`
	Refund        *big.Int        `json:"refund,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Receipt 汇总一次完成的购买。
type Receipt struct {
	AssetID       AssetID        `json:"asset_id"`
	PreviousOwner common.Address `json:"previous_owner"`
	Buyer         common.Address `json:"buyer"`
	Price         *big.Int       `json:"price"`
	Refund        *big.Int       `json:"refund"`
	Sequence      uint64         `json:"sequence"`
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func addrPtr(a common.Address) *common.Address {
	return &a
}

// HasAsset 判断事件是否关联某个资产。
func (e Event) HasAsset() bool {
	return e.Kind != EventWithdrawn
}
