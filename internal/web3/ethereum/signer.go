package ethereum

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions on behalf of the company wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error)
}

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner builds a signer from a hex encoded secp256k1 private key.
func NewKeySigner(hexKey string) (Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *keySigner) Address() common.Address { return s.addr }

func (s *keySigner) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	return coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
}

type keystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// NewKeystoreSigner opens an encrypted keystore directory. When account is
// empty the first account in the directory is used.
func NewKeystoreSigner(dir, account, passphrase string) (Signer, error) {
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	var acct accounts.Account
	if strings.TrimSpace(account) == "" {
		all := ks.Accounts()
		if len(all) == 0 {
			return nil, fmt.Errorf("keystore %s 中没有账户", dir)
		}
		acct = all[0]
	} else {
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("无效的账户地址: %s", account)
		}
		found, err := ks.Find(accounts.Account{Address: common.HexToAddress(account)})
		if err != nil {
			return nil, fmt.Errorf("keystore 中找不到账户 %s: %w", account, err)
		}
		acct = found
	}
	if passphrase == "" {
		return nil, errors.New("keystore 账户需要口令")
	}
	return &keystoreSigner{ks: ks, account: acct, passphrase: passphrase}, nil
}

func (s *keystoreSigner) Address() common.Address { return s.account.Address }

func (s *keystoreSigner) SignTx(tx *coretypes.Transaction, chainID *big.Int) (*coretypes.Transaction, error) {
	return s.ks.SignTxWithPassphrase(s.account, s.passphrase, tx, chainID)
}
