package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentLedger/internal/web3"
)

// Config 描述如何构造 EVM 兼容链客户端。
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	// PrivateKey 为十六进制私钥，用于签署锚定交易。
	PrivateKey string
	// Sink 为锚定交易的接收地址，为空时发给签名者自己。
	Sink string
}

// backend 是锚定所需的 ethclient.Client 方法子集，模拟链后端同样满足。
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client 为 EVM 兼容链实现 web3.Submitter。
type Client struct {
	name        string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	backend     backend
	simulated   *backends.SimulatedBackend
	key         *ecdsa.PrivateKey
	from        common.Address
	sink        common.Address
	chainID     *big.Int
	mu          sync.Mutex
}

// NewClient 连接配置的 RPC 节点并返回可用的客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	c := &Client{
		name:        cfg.Name,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         eth,
		backend:     eth,
	}
	if err := c.setSigner(key, cfg.Sink); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewSimulatedClient 包装 go-ethereum 模拟链后端，用于测试。
func NewSimulatedClient(name string, sim *backends.SimulatedBackend, key *ecdsa.PrivateKey, sink string) (*Client, error) {
	c := &Client{name: name, backend: sim, simulated: sim}
	if err := c.setSigner(key, sink); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) setSigner(key *ecdsa.PrivateKey, sink string) error {
	c.key = key
	c.from = crypto.PubkeyToAddress(key.PublicKey)
	c.sink = c.from
	if sink = strings.TrimSpace(sink); sink != "" {
		if !common.IsHexAddress(sink) {
			return fmt.Errorf("锚定接收地址格式错误: %q", sink)
		}
		c.sink = common.HexToAddress(sink)
	}
	return nil
}

// Name 返回配置的链名称。
func (c *Client) Name() string {
	if c.name == "" {
		return "ethereum"
	}
	return c.name
}

// From 返回签名地址。
func (c *Client) From() common.Address { return c.from }

// Close 释放客户端持有的网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// FetchChainSnapshot 拉取链的基本信息。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.chain(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.Name(),
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

// Submit 签署一笔以 payload 为 input 的动态手续费交易并广播。
func (c *Client) Submit(ctx context.Context, payload []byte) (common.Hash, error) {
	tx, err := c.buildTx(ctx, payload)
	if err != nil {
		return common.Hash{}, err
	}
	hashes, err := c.SendBatchTransactions(ctx, []*coretypes.Transaction{tx})
	if err != nil {
		return common.Hash{}, err
	}
	return hashes[0], nil
}

func (c *Client) buildTx(ctx context.Context, payload []byte) (*coretypes.Transaction, error) {
	chainID, err := c.chain(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &c.sink, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.sink,
		Data:      payload,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("签署交易失败: %w", err)
	}
	return signed, nil
}

// SendBatchTransactions 尽量通过一次批量 RPC 广播多笔已签名交易。
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	if c.simulated != nil {
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := c.simulated.SendTransaction(ctx, tx); err != nil {
				return nil, fmt.Errorf("发送交易失败: %w", err)
			}
			c.simulated.Commit()
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	c.mu.Lock()
	batch := c.batchClient
	c.mu.Unlock()
	if batch == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := batch.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("未配置锚定签名私钥")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("锚定签名私钥格式错误: %w", err)
	}
	return key, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Submitter = (*Client)(nil)
