// Package web3 houses the chain definitions and the client abstraction used to
// settle approved payments. Concrete EVM support lives in web3/ethereum and the
// per-company set of dialed chains in web3/provider.
package web3
