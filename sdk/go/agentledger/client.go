// Package agentledger 是 AgentLedger REST API 的 Go 客户端。
package agentledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultHTTPTimeout 是未指定 http.Client 时使用的超时时间。
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader 是开发模式下标识调用方的请求头。
const CallerHeader = "X-Ledger-Caller"

// Client 封装与 AgentLedger REST API 的 HTTP 交互。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	caller      common.Address
}

// APIError 表示服务端返回的校验错误或内部错误。
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentledger api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentledger api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode 判断 err 是否为携带 code 的 APIError。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient 创建 AgentLedger API 客户端。httpClient 为空时使用带默认超时的客户端。
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Login 通过挑战签名证明 key 对应地址的所有权，并保存签发的访问令牌供后续调用使用。
func (c *Client) Login(ctx context.Context, key *ecdsa.PrivateKey) (Token, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	var challenge Challenge
	if err := c.post(ctx, "/api/v1/auth/challenge", map[string]string{"address": addr.Hex()}, &challenge, false); err != nil {
		return Token{}, err
	}
	sig, err := SignMessage(key, challenge.Message)
	if err != nil {
		return Token{}, err
	}
	var token Token
	req := map[string]string{"address": addr.Hex(), "signature": sig}
	if err := c.post(ctx, "/api/v1/auth/token", req, &token, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// SignMessage 生成 EIP-191 personal_sign 签名，V 取 27 或 28。
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// AccessToken 返回当前保存的令牌。
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken 覆盖保存的访问令牌。
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetCaller 在服务端关闭认证时标识调用方，设置访问令牌后不再生效。
func (c *Client) SetCaller(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = addr
}

// Mint 为 to 铸造新资产，仅发行方可调用。
func (c *Client) Mint(ctx context.Context, to common.Address, contentRef string) (Asset, error) {
	var asset Asset
	body := map[string]string{"to": to.Hex(), "content_ref": contentRef}
	if err := c.post(ctx, "/api/v1/assets", body, &asset, true); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// Asset 获取单个资产及其挂单。
func (c *Client) Asset(ctx context.Context, id uint64) (Asset, error) {
	var asset Asset
	if err := c.get(ctx, assetPath(id, ""), &asset); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// Assets 返回所有资产，owner 非空时只返回其持有的资产。
func (c *Client) Assets(ctx context.Context, owner *common.Address) ([]Asset, error) {
	endpoint := "/api/v1/assets"
	if owner != nil {
		endpoint += "?owner=" + url.QueryEscape(owner.Hex())
	}
	var resp struct {
		Assets []Asset `json:"assets"`
	}
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// List 以 price wei 挂单出售资产。
func (c *Client) List(ctx context.Context, id uint64, price *big.Int) (Asset, error) {
	return c.priced(ctx, http.MethodPost, id, price)
}

// UpdatePrice 修改挂单价格。
func (c *Client) UpdatePrice(ctx context.Context, id uint64, price *big.Int) (Asset, error) {
	return c.priced(ctx, http.MethodPut, id, price)
}

func (c *Client) priced(ctx context.Context, method string, id uint64, price *big.Int) (Asset, error) {
	var asset Asset
	body := map[string]string{"price": amount(price)}
	if err := c.send(ctx, method, assetPath(id, "/listing"), body, &asset, true); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// Delist 撤销挂单。
func (c *Client) Delist(ctx context.Context, id uint64) (Asset, error) {
	var asset Asset
	if err := c.send(ctx, http.MethodDelete, assetPath(id, "/listing"), nil, &asset, true); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// Purchase 支付 payment wei 购买挂单中的资产。
func (c *Client) Purchase(ctx context.Context, id uint64, payment *big.Int) (Receipt, error) {
	var receipt Receipt
	body := map[string]string{"payment": amount(payment)}
	if err := c.post(ctx, assetPath(id, "/purchase"), body, &receipt, true); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Transfer 在市场之外转移资产，仅发行方可调用。
func (c *Client) Transfer(ctx context.Context, id uint64, to common.Address) (Asset, error) {
	var asset Asset
	if err := c.post(ctx, assetPath(id, "/transfer"), map[string]string{"to": to.Hex()}, &asset, true); err != nil {
		return Asset{}, err
	}
	return asset, nil
}

// History 按时间先后返回资产的流转记录。
func (c *Client) History(ctx context.Context, id uint64) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.get(ctx, assetPath(id, "/history"), &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Listings 返回所有挂单。
func (c *Client) Listings(ctx context.Context) ([]ListingEntry, error) {
	var resp struct {
		Listings []ListingEntry `json:"listings"`
	}
	if err := c.get(ctx, "/api/v1/listings", &resp); err != nil {
		return nil, err
	}
	return resp.Listings, nil
}

// Stats 返回发行量与索引统计。
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Balance 返回 addr 的待提取余额（wei）。
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := c.get(ctx, "/api/v1/accounts/"+addr.Hex()+"/balance", &resp); err != nil {
		return nil, err
	}
	return parseAmount(resp.Balance)
}

// Withdraw 结清调用方的待提取余额并返回金额。
func (c *Client) Withdraw(ctx context.Context) (*big.Int, error) {
	var resp struct {
		Amount string `json:"amount"`
	}
	if err := c.post(ctx, "/api/v1/accounts/withdraw", nil, &resp, true); err != nil {
		return nil, err
	}
	return parseAmount(resp.Amount)
}

func assetPath(id uint64, suffix string) string {
	return "/api/v1/assets/" + strconv.FormatUint(id, 10) + suffix
}

func amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return v, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	return c.send(ctx, http.MethodPost, endpoint, payload, out, withAuth)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		c.mu.RLock()
		token, caller := c.accessToken, c.caller
		c.mu.RUnlock()
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case caller != (common.Address{}):
			req.Header.Set(CallerHeader, caller.Hex())
		default:
			return nil, errors.New("agentledger: no access token or caller set")
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
