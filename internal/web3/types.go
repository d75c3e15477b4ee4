package web3

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/proofs"
)

// PayloadMagic 是锚定交易 input 的前缀。
var PayloadMagic = []byte("AGENTLEDGER1")

// PayloadLength 是编码后检查点的长度。
var PayloadLength = len(PayloadMagic) + 8 + 8 + common.HashLength

// ChainSnapshot 汇总链的基本信息，用于展示与上报。
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
}

// Record 描述一次已上链的检查点。
type Record struct {
	Checkpoint  proofs.Checkpoint `json:"checkpoint"`
	Chain       string            `json:"chain"`
	TxHash      common.Hash       `json:"tx_hash"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Submitter 把检查点写入链上。
type Submitter interface {
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Submit(ctx context.Context, payload []byte) (common.Hash, error)
	Close()
}

// EncodeCheckpoint 生成 cp 对应的交易 input。
func EncodeCheckpoint(cp proofs.Checkpoint) []byte {
	buf := make([]byte, 0, PayloadLength)
	buf = append(buf, PayloadMagic...)
	buf = binary.BigEndian.AppendUint64(buf, cp.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, cp.Count)
	return append(buf, cp.Root[:]...)
}

// DecodeCheckpoint 解析 EncodeCheckpoint 生成的交易 input，返回值不含时间戳。
func DecodeCheckpoint(data []byte) (proofs.Checkpoint, error) {
	if len(data) != PayloadLength || !bytes.HasPrefix(data, PayloadMagic) {
		return proofs.Checkpoint{}, xerrors.New(xerrors.CodeInvalidArgument, "not an anchor payload")
	}
	data = data[len(PayloadMagic):]
	return proofs.Checkpoint{
		Sequence: binary.BigEndian.Uint64(data[:8]),
		Count:    binary.BigEndian.Uint64(data[8:16]),
		Root:     common.BytesToHash(data[16:]),
	}, nil
}
