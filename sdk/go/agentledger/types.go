package agentledger

import "time"

// 金额为十进制 wei 字符串，地址为 0x 十六进制字符串，与服务端输出一致。

// Challenge 是钱包登录时需要签名的一次性消息。
type Challenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Token 表示签发的访问令牌。
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Listing 是有效的出售挂单。
type Listing struct {
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	ListedAt  int64  `json:"listed_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ListingEntry 是带资产编号的挂单。
type ListingEntry struct {
	AssetID uint64 `json:"asset_id"`
	Listing
}

// Asset 是资产及其挂单。
type Asset struct {
	ID         uint64   `json:"id"`
	Owner      string   `json:"owner"`
	ContentRef string   `json:"content_ref"`
	MintedAt   int64    `json:"minted_at"`
	Listed     bool     `json:"listed"`
	Listing    *Listing `json:"listing,omitempty"`
}

// Receipt 描述一次完成的购买。
type Receipt struct {
	AssetID       uint64 `json:"asset_id"`
	PreviousOwner string `json:"previous_owner"`
	Buyer         string `json:"buyer"`
	Price         string `json:"price"`
	Refund        string `json:"refund"`
	Sequence      uint64 `json:"sequence"`
}

// Event 是资产流转记录中的一条。
type Event struct {
	ID            string    `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Kind          string    `json:"kind"`
	AssetID       uint64    `json:"asset_id"`
	Owner         string    `json:"owner"`
	PreviousOwner string    `json:"previous_owner,omitempty"`
	Buyer         string    `json:"buyer,omitempty"`
	ContentRef    string    `json:"content_ref,omitempty"`
	Price         string    `json:"price,omitempty"`
	PreviousPrice string    `json:"previous_price,omitempty"`
	Refund        string    `json:"refund,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// IndexerStats 对应服务端的索引统计。
type IndexerStats struct {
	Processed    uint64 `json:"processed"`
	Duplicates   uint64 `json:"duplicates"`
	Rejected     uint64 `json:"rejected"`
	LastSequence uint64 `json:"last_sequence"`
	Assets       int    `json:"assets"`
	Listings     uint64 `json:"listings"`
	Purchases    uint64 `json:"purchases"`
	VolumeWei    string `json:"volume_wei"`
}

// Stats 汇总账本状态。
type Stats struct {
	Issuer       string        `json:"issuer"`
	TotalSupply  uint64        `json:"total_supply"`
	Listed       int           `json:"listed"`
	LastSequence uint64        `json:"last_sequence"`
	Indexer      *IndexerStats `json:"indexer,omitempty"`
}
