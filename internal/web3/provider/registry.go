package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AgentCompany/internal/config"
	"AgentCompany/internal/web3"
	"AgentCompany/internal/web3/ethereum"
)

// ErrUnknownChain is returned for chains missing from the definitions.
var ErrUnknownChain = errors.New("未知的链")

// DialFunc connects to one chain. The default dials the definition's RPC URL.
type DialFunc func(ctx context.Context, name string, def web3.ChainDefinition, signer ethereum.Signer) (web3.Client, error)

// Registry manages the chain clients of one company. Clients are dialed on
// first use so a company without payments never opens a connection.
type Registry struct {
	defs         web3.ChainDefinitions
	defaultChain string
	signer       ethereum.Signer
	dial         DialFunc

	mu      sync.Mutex
	clients map[string]web3.Client
}

// Option customises a Registry.
type Option func(*Registry)

// WithDialer replaces how chain clients are created.
func WithDialer(dial DialFunc) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// WithSigner sets the wallet used for transfers.
func WithSigner(s ethereum.Signer) Option {
	return func(r *Registry) { r.signer = s }
}

// NewRegistry loads chain definitions and the company wallet described by cfg.
func NewRegistry(cfg config.WalletConfig, opts ...Option) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		defs:         defs,
		defaultChain: strings.ToLower(strings.TrimSpace(cfg.DefaultChain)),
		dial:         dialEVM,
		clients:      make(map[string]web3.Client),
	}
	if r.defaultChain == "" {
		r.defaultChain = "ethereum"
	}
	if _, ok := defs.Chains[r.defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	r.signer = signer
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func loadSigner(cfg config.WalletConfig) (ethereum.Signer, error) {
	if cfg.PrivateKeyEnv != "" {
		if key := os.Getenv(cfg.PrivateKeyEnv); key != "" {
			return ethereum.NewKeySigner(key)
		}
	}
	if cfg.KeystoreDir != "" {
		pass := ""
		if cfg.PasswordEnv != "" {
			pass = os.Getenv(cfg.PasswordEnv)
		}
		return ethereum.NewKeystoreSigner(cfg.KeystoreDir, cfg.Account, pass)
	}
	return nil, nil
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition, signer ethereum.Signer) (web3.Client, error) {
	if t := strings.ToLower(def.Type); t != "" && t != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:    name,
		RPCURL:  def.RPCURL,
		ChainID: def.ChainID,
		Notes:   def.Description,
	}, signer)
}

// DefaultChain returns the chain used when a payment names none.
func (r *Registry) DefaultChain() string { return r.defaultChain }

// Definitions returns the loaded chain definitions.
func (r *Registry) Definitions() web3.ChainDefinitions { return r.defs }

// HasWallet reports whether transfers can be signed.
func (r *Registry) HasWallet() bool { return r.signer != nil }

// NativeSymbol implements payment.Chains.
func (r *Registry) NativeSymbol(chain string) (string, bool) {
	return r.defs.NativeSymbol(chain)
}

// Client returns the client for a chain, dialing it on first use.
func (r *Registry) Client(ctx context.Context, chain string) (web3.Client, error) {
	name := strings.ToLower(strings.TrimSpace(chain))
	if name == "" {
		name = r.defaultChain
	}
	def, ok := r.defs.Chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[name]; ok {
		return c, nil
	}
	c, err := r.dial(ctx, name, def, r.signer)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	r.clients[name] = c
	return c, nil
}

// Submit implements payment.Submitter by sending a native transfer.
func (r *Registry) Submit(ctx context.Context, chain, to string, amountWei *big.Int) (string, error) {
	if r.signer == nil {
		return "", ethereum.ErrNoSigner
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("无效的收款地址: %s", to)
	}
	client, err := r.Client(ctx, chain)
	if err != nil {
		return "", err
	}
	hash, err := client.Transfer(ctx, common.HexToAddress(to), amountWei)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Snapshot reports chain metadata and the wallet balance.
func (r *Registry) Snapshot(ctx context.Context, chain string) (web3.ChainSnapshot, error) {
	client, err := r.Client(ctx, chain)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return client.FetchChainSnapshot(ctx)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
