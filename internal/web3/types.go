package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for the status API.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Account     string `json:"account,omitempty"`
	Balance     string `json:"balance_wei,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines what the payment layer needs from a chain: a native transfer
// signed by the company wallet, plus read-only metadata.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Transfer(ctx context.Context, to common.Address, amountWei *big.Int) (common.Hash, error)
	Close()
}
