package api

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

// 对外输出时金额统一为十进制 wei 字符串，地址为 0x 十六进制。

type listingView struct {
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	ListedAt  int64  `json:"listed_at"`
	UpdatedAt int64  `json:"updated_at"`
}

type assetView struct {
	ID         uint64       `json:"id"`
	Owner      string       `json:"owner"`
	ContentRef string       `json:"content_ref"`
	MintedAt   int64        `json:"minted_at"`
	Listed     bool         `json:"listed"`
	Listing    *listingView `json:"listing,omitempty"`
}

type listingEntry struct {
	AssetID uint64 `json:"asset_id"`
	listingView
}

type receiptView struct {
	AssetID       uint64 `json:"asset_id"`
	PreviousOwner string `json:"previous_owner"`
	Buyer         string `json:"buyer"`
	Price         string `json:"price"`
	Refund        string `json:"refund"`
	Sequence      uint64 `json:"sequence"`
}

type eventView struct {
	ID            string    `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Kind          string    `json:"kind"`
	AssetID       *uint64   `json:"asset_id,omitempty"`
	Owner         string    `json:"owner"`
	PreviousOwner string    `json:"previous_owner,omitempty"`
	Buyer         string    `json:"buyer,omitempty"`
	ContentRef    string    `json:"content_ref,omitempty"`
	Price         string    `json:"price,omitempty"`
	PreviousPrice string    `json:"previous_price,omitempty"`
	Refund        string    `json:"refund,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type balanceView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func newListingView(l *ledger.Listing) *listingView {
	if l == nil {
		return nil
	}
	return &listingView{
		Seller:    l.Seller.Hex(),
		Price:     amountString(l.Price),
		ListedAt:  l.ListedAt,
		UpdatedAt: l.UpdatedAt,
	}
}

func newAssetView(v ledger.AssetView) assetView {
	return assetView{
		ID:         uint64(v.ID),
		Owner:      v.Owner.Hex(),
		ContentRef: v.ContentRef,
		MintedAt:   v.MintedAt,
		Listed:     v.Listed,
		Listing:    newListingView(v.Listing),
	}
}

func newReceiptView(r *ledger.Receipt) receiptView {
	return receiptView{
		AssetID:       uint64(r.AssetID),
		PreviousOwner: r.PreviousOwner.Hex(),
		Buyer:         r.Buyer.Hex(),
		Price:         amountString(r.Price),
		Refund:        amountString(r.Refund),
		Sequence:      r.Sequence,
	}
}

func newEventView(ev ledger.Event) eventView {
	view := eventView{
		ID:         ev.ID,
		Sequence:   ev.Sequence,
		Kind:       string(ev.Kind),
		Owner:      ev.Owner.Hex(),
		ContentRef: ev.ContentRef,
		OccurredAt: ev.OccurredAt,
	}
	if ev.HasAsset() {
		id := uint64(ev.AssetID)
		view.AssetID = &id
	}
	if ev.PreviousOwner != nil {
		view.PreviousOwner = ev.PreviousOwner.Hex()
	}
	if ev.Buyer != nil {
		view.Buyer = ev.Buyer.Hex()
	}
	if ev.Price != nil {
		view.Price = ev.Price.String()
	}
	if ev.PreviousPrice != nil {
		view.PreviousPrice = ev.PreviousPrice.String()
	}
	if ev.Refund != nil {
		view.Refund = ev.Refund.String()
	}
	return view
}

func newEventViews(events []ledger.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, newEventView(ev))
	}
	return views
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount 解析十进制 wei 字符串，空字符串返回 nil 交由账本判定。
func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "%s must be a decimal wei amount, got %q", field, raw)
	}
	return v, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s must be a 0x address, got %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}
