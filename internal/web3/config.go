package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type         string `yaml:"type" json:"type"`
	ChainID      int64  `yaml:"chain_id" json:"chain_id"`
	NativeSymbol string `yaml:"native_symbol" json:"native_symbol"`
	RPCURL       string `yaml:"rpc_url" json:"rpc_url"`
	ExplorerURL  string `yaml:"explorer_url" json:"explorer_url,omitempty"`
	Description  string `yaml:"description" json:"description,omitempty"`
}

// DefaultChains returns the built-in chains. RPC URLs point to public endpoints
// and are expected to be overridden in production.
func DefaultChains() ChainDefinitions {
	return ChainDefinitions{Chains: map[string]ChainDefinition{
		"ethereum": {Type: "evm", ChainID: 1, NativeSymbol: "ETH", RPCURL: "https://eth.llamarpc.com", ExplorerURL: "https://etherscan.io"},
		"base":     {Type: "evm", ChainID: 8453, NativeSymbol: "ETH", RPCURL: "https://mainnet.base.org", ExplorerURL: "https://basescan.org"},
		"arbitrum": {Type: "evm", ChainID: 42161, NativeSymbol: "ETH", RPCURL: "https://arb1.arbitrum.io/rpc", ExplorerURL: "https://arbiscan.io"},
		"polygon":  {Type: "evm", ChainID: 137, NativeSymbol: "POL", RPCURL: "https://polygon-rpc.com", ExplorerURL: "https://polygonscan.com"},
	}}
}

// LoadChainDefinitions parses the YAML file and overlays it on the built-in
// chains. Fields left empty in the file keep their built-in values.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := DefaultChains()
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var file ChainDefinitions
	if err := yaml.Unmarshal(content, &file); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	for name, override := range file.Chains {
		name = strings.ToLower(strings.TrimSpace(name))
		defs.Chains[name] = merge(defs.Chains[name], override)
	}
	for name, chain := range defs.Chains {
		if chain.NativeSymbol == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 native_symbol", name)
		}
	}
	return defs, nil
}

func merge(base, override ChainDefinition) ChainDefinition {
	if override.Type != "" {
		base.Type = override.Type
	}
	if override.ChainID != 0 {
		base.ChainID = override.ChainID
	}
	if override.NativeSymbol != "" {
		base.NativeSymbol = override.NativeSymbol
	}
	if override.RPCURL != "" {
		base.RPCURL = override.RPCURL
	}
	if override.ExplorerURL != "" {
		base.ExplorerURL = override.ExplorerURL
	}
	if override.Description != "" {
		base.Description = override.Description
	}
	if base.Type == "" {
		base.Type = "evm"
	}
	return base
}

// NativeSymbol returns the native token symbol of a chain.
func (d ChainDefinitions) NativeSymbol(chain string) (string, bool) {
	def, ok := d.Chains[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return "", false
	}
	return def.NativeSymbol, true
}

// Names returns the chain names in lexical order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TxURL links a transaction hash to the chain explorer, or returns "" when no
// explorer is known.
func (d ChainDefinitions) TxURL(chain, hash string) string {
	def, ok := d.Chains[chain]
	if !ok || def.ExplorerURL == "" || hash == "" {
		return ""
	}
	return strings.TrimRight(def.ExplorerURL, "/") + "/tx/" + hash
}
