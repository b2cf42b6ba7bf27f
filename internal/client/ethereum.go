package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

const ethereumService = "ethereum"

// RPCError JSON-RPC 错误对象
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeVenueError
}

// EthereumClient 以太坊节点 JSON-RPC 客户端
type EthereumClient struct {
	url    string
	client *http.Client
	nextID atomic.Int64
}

// NewEthereumClient 创建节点客户端
func NewEthereumClient(url string, timeout time.Duration) *EthereumClient {
	return &EthereumClient{url: url, client: newHTTPClient(timeout)}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *EthereumClient) call(ctx context.Context, method string, out interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	var resp rpcResponse
	if err := postJSON(ctx, c.client, ethereumService, c.url, nil, req, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%s: empty result", method)
	}
	return json.Unmarshal(resp.Result, out)
}

// ChainID 链 ID
func (c *EthereumClient) ChainID(ctx context.Context) (int64, error) {
	var id hexutil.Uint64
	if err := c.call(ctx, "eth_chainId", &id); err != nil {
		return 0, err
	}
	return int64(id), nil
}

// BlockNumber 最新区块高度
func (c *EthereumClient) BlockNumber(ctx context.Context) (int64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, "eth_blockNumber", &n); err != nil {
		return 0, err
	}
	return int64(n), nil
}

// GasPrice 节点建议的 gas price (wei)
func (c *EthereumClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.call(ctx, "eth_gasPrice", &price); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// Receipt 交易回执中用到的字段
type Receipt struct {
	TxHash      string         `json:"transactionHash"`
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

// TransactionReceipt 交易回执；未上链时返回 nil
func (c *EthereumClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", &raw, txHash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// TxStatus 交易上链状态
type TxStatus struct {
	Found         bool
	Success       bool
	BlockNumber   int64
	Confirmations int64
}

// TransactionStatus 查询交易状态与确认数
func (c *EthereumClient) TransactionStatus(ctx context.Context, txHash string) (*TxStatus, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &TxStatus{}, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	st := &TxStatus{
		Found:       true,
		Success:     receipt.Status == 1,
		BlockNumber: int64(receipt.BlockNumber),
	}
	if head >= st.BlockNumber {
		st.Confirmations = head - st.BlockNumber + 1
	}
	return st, nil
}
