package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const signerService = "signer"

// SignerClient 签名服务；私钥只存在于签名服务内
type SignerClient struct {
	baseURL       string
	internalToken string
	client        *http.Client
}

// NewSignerClient 创建签名服务客户端
func NewSignerClient(baseURL, internalToken string, timeout time.Duration) *SignerClient {
	return &SignerClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		internalToken: internalToken,
		client:        newHTTPClient(timeout),
	}
}

// TxParams 待签名交易
type TxParams struct {
	KeyRef      string `json:"keyRef"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Data        string `json:"data,omitempty"`
	Nonce       uint64 `json:"nonce"`
	ChainID     int64  `json:"chainId"`
	GasPriceWei string `json:"gasPrice"`
	GasLimit    uint64 `json:"gasLimit"`
}

func (c *SignerClient) headers() map[string]string {
	return map[string]string{"X-Internal-Token": c.internalToken}
}

// SignAndBroadcast 签名并广播，返回交易哈希
func (c *SignerClient) SignAndBroadcast(ctx context.Context, params *TxParams) (string, error) {
	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := postJSON(ctx, c.client, signerService, c.baseURL+"/v1/sign-and-broadcast", c.headers(), params, &out); err != nil {
		return "", err
	}
	// 2xx 之后交易可能已广播，响应异常只能按结果未知处理
	raw, err := hexutil.Decode(out.TxHash)
	if err != nil || len(raw) != 32 {
		return "", &TransportError{
			Service: signerService,
			Op:      "validate tx hash",
			Err:     fmt.Errorf("signer returned invalid tx hash %q", out.TxHash),
		}
	}
	return out.TxHash, nil
}

// SignHash 对 32 字节哈希签名
func (c *SignerClient) SignHash(ctx context.Context, keyRef string, hash []byte) (*Signature, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	req := map[string]string{"keyRef": keyRef, "hash": hexutil.Encode(hash)}
	var sig Signature
	if err := postJSON(ctx, c.client, signerService, c.baseURL+"/v1/sign-hash", c.headers(), req, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}
