// Command ledgerctl 是 AgentLedger REST API 的命令行客户端。
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"AgentLedger/sdk/go/agentledger"
)

const (
	envServer = "AGENTLEDGER_SERVER"
	envCaller = "AGENTLEDGER_CALLER"
	envKey    = "AGENTLEDGER_KEY"
	envToken  = "AGENTLEDGER_TOKEN"

	defaultServer = "http://127.0.0.1:8080"
)

// app 保存全局参数，并按需构造 SDK 客户端。
type app struct {
	server  string
	caller  string
	key     string
	token   string
	timeout time.Duration
	asJSON  bool

	httpClient *http.Client
	out        io.Writer
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "AgentLedger 资产账本命令行工具",
		Long: "ledgerctl 通过 REST API 操作 AgentLedger：铸造、挂单、购买、转移资产，\n" +
			"以及查询资产历史和待提取余额。",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.out = cmd.OutOrStdout()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.server, "server", envOr(envServer, defaultServer), "AgentLedger API 地址")
	flags.StringVar(&a.caller, "caller", os.Getenv(envCaller), "调用方地址，仅用于关闭鉴权的服务端")
	flags.StringVar(&a.key, "key", os.Getenv(envKey), "十六进制私钥，用于钱包签名登录")
	flags.StringVar(&a.token, "token", os.Getenv(envToken), "已签发的访问令牌")
	flags.DurationVar(&a.timeout, "timeout", agentledger.DefaultHTTPTimeout, "单次请求超时")
	flags.BoolVar(&a.asJSON, "json", false, "以 JSON 输出结果")

	root.AddCommand(
		newLoginCmd(a),
		newMintCmd(a),
		newShowCmd(a),
		newAssetsCmd(a),
		newTransferCmd(a),
		newHistoryCmd(a),
		newListCmd(a),
		newUpdatePriceCmd(a),
		newDelistCmd(a),
		newBuyCmd(a),
		newListingsCmd(a),
		newBalanceCmd(a),
		newWithdrawCmd(a),
		newStatsCmd(a),
	)
	return root
}

// client 构造 SDK 客户端；authed 为 true 时会附带身份信息。
func (a *app) client(ctx context.Context, authed bool) (*agentledger.Client, error) {
	httpClient := a.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: a.timeout}
	}
	c, err := agentledger.NewClient(a.server, httpClient)
	if err != nil {
		return nil, err
	}
	if !authed {
		return c, nil
	}
	switch {
	case a.token != "":
		c.SetAccessToken(a.token)
	case a.key != "":
		key, err := parseKey(a.key)
		if err != nil {
			return nil, err
		}
		if _, err := c.Login(ctx, key); err != nil {
			return nil, fmt.Errorf("钱包登录失败: %w", err)
		}
	case a.caller != "":
		addr, err := parseAddress("caller", a.caller)
		if err != nil {
			return nil, err
		}
		c.SetCaller(addr)
	default:
		return nil, errors.New("需要 --token、--key 或 --caller 之一来标识调用方")
	}
	return c, nil
}

// self 返回当前身份对应的地址。
func (a *app) self() (common.Address, error) {
	switch {
	case a.key != "":
		key, err := parseKey(a.key)
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(key.PublicKey), nil
	case a.caller != "":
		return parseAddress("caller", a.caller)
	default:
		return common.Address{}, errors.New("无法确定调用方地址，请指定 --key 或 --caller")
	}
}

func (a *app) print(v any, text func(w io.Writer)) error {
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.out)
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("私钥格式错误: %w", err)
	}
	return key, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s 不是合法的地址: %q", field, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s 不能是零地址", field)
	}
	return addr, nil
}

func parseAssetID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("资产编号格式错误: %q", raw)
	}
	return id, nil
}

func parseWei(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s 必须是非负整数 wei: %q", field, raw)
	}
	return v, nil
}
