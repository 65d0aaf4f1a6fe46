package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"

	"AgentCompany/internal/web3"
)

// ErrNoSigner is returned by Transfer when the client was built without a wallet.
var ErrNoSigner = errors.New("未配置付款钱包")

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Backend is the subset of node access a client needs. Both ethclient.Client
// and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name     string
	notes    string
	expected *big.Int
	backend  Backend
	eth      *ethclient.Client
	signer   Signer

	// mu serializes nonce allocation for the wallet.
	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint. signer may be nil for a
// read-only client.
func NewClient(ctx context.Context, cfg Config, signer Signer) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("链 %s 未配置 RPC 地址", cfg.Name)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c := NewBackendClient(cfg.Name, eth, signer)
	c.eth = eth
	c.notes = cfg.Notes
	if cfg.ChainID > 0 {
		c.expected = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// NewBackendClient wraps an existing backend, typically the simulated one in tests.
func NewBackendClient(name string, backend Backend, signer Signer) *Client {
	return &Client{name: name, backend: backend, signer: signer}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
}

// Account returns the wallet address, or the zero address without a signer.
func (c *Client) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if c.expected != nil && c.expected.Cmp(id) != 0 {
		return nil, fmt.Errorf("链 %s 的节点返回链 ID %s，配置为 %s", c.name, id, c.expected)
	}
	c.chainID = id
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	chainID, err := c.resolveChainID(ctx)
	c.mu.Unlock()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	snap := web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     chainID.String(),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}
	if c.signer != nil {
		addr := c.signer.Address()
		balance, err := c.backend.BalanceAt(ctx, addr, nil)
		if err != nil {
			return web3.ChainSnapshot{}, fmt.Errorf("查询余额失败: %w", err)
		}
		snap.Account = addr.Hex()
		snap.Balance = balance.String()
	}
	return snap, nil
}

// Transfer sends amountWei of the native token to the given address as an
// EIP-1559 transaction and returns its hash without waiting for inclusion.
func (c *Client) Transfer(ctx context.Context, to common.Address, amountWei *big.Int) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return common.Hash{}, errors.New("转账金额必须为正数")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		feeCap.Mul(feeCap, big.NewInt(2))
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       params.TxGas,
		To:        &to,
		Value:     new(big.Int).Set(amountWei),
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

var _ web3.Client = (*Client)(nil)
