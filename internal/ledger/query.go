package ledger

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Issuer 返回可以铸造和转移资产的地址。
func (l *Ledger) Issuer() common.Address {
	return l.issuer
}

// Policy 返回当前市场规则。
func (l *Ledger) Policy() Policy {
	return l.policy
}

// OwnerOf 返回资产的当前所有者。
func (l *Ledger) OwnerOf(id AssetID) (common.Address, error) {
	view, err := l.Asset(id)
	if err != nil {
		return common.Address{}, err
	}
	return view.Owner, nil
}

// IsListed 判断资产是否在挂单中。
func (l *Ledger) IsListed(id AssetID) (bool, error) {
	view, err := l.Asset(id)
	if err != nil {
		return false, err
	}
	return view.Listed, nil
}

// PriceOf 返回挂单价格，未挂单时返回零。
func (l *Ledger) PriceOf(id AssetID) (*big.Int, error) {
	view, err := l.Asset(id)
	if err != nil {
		return nil, err
	}
	if view.Listing == nil {
		return new(big.Int), nil
	}
	return view.Listing.Price, nil
}

// ContentRefOf 返回铸造时记录的内容引用。
func (l *Ledger) ContentRefOf(id AssetID) (string, error) {
	view, err := l.Asset(id)
	if err != nil {
		return "", err
	}
	return view.ContentRef, nil
}

// TotalSupply 返回已铸造的资产数量。
func (l *Ledger) TotalSupply() uint64 {
	l.tableMu.RLock()
	defer l.tableMu.RUnlock()
	return uint64(len(l.entries))
}

// Asset 返回资产及其挂单的一致视图。
func (l *Ledger) Asset(id AssetID) (AssetView, error) {
	e, err := l.lookup(id)
	if err != nil {
		return AssetView{}, err
	}
	return e.view(), nil
}

// Assets 按编号顺序返回所有资产。
func (l *Ledger) Assets() []AssetView {
	l.tableMu.RLock()
	entries := append([]*entry(nil), l.entries...)
	l.tableMu.RUnlock()

	views := make([]AssetView, 0, len(entries))
	for _, e := range entries {
		views = append(views, e.view())
	}
	return views
}

// AssetsOf 按升序返回 owner 持有的资产编号。
func (l *Ledger) AssetsOf(owner common.Address) []AssetID {
	l.ownerMu.RLock()
	set := l.owned[owner]
	ids := make([]AssetID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	l.ownerMu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Listings 按资产编号返回所有挂单。
func (l *Ledger) Listings() []Listing {
	l.tableMu.RLock()
	entries := append([]*entry(nil), l.entries...)
	l.tableMu.RUnlock()

	var out []Listing
	for _, e := range entries {
		e.mu.Lock()
		if e.listing != nil {
			out = append(out, *e.listing.clone())
		}
		e.mu.Unlock()
	}
	return out
}

// BalanceOf 返回 addr 的待提取余额。
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.balanceMu.Lock()
	defer l.balanceMu.Unlock()
	return cloneAmount(l.balanceLocked(addr))
}

// LastSequence 返回最近一次成功提交的事件序列号。
func (l *Ledger) LastSequence() uint64 {
	return l.seq.Load()
}

func (e *entry) view() AssetView {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := AssetView{Asset: e.asset}
	if e.listing != nil {
		view.Listed = true
		view.Listing = e.listing.clone()
	}
	return view
}
