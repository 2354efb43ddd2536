package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the custody key. It signs EVM transactions for the custody
// adapter and EIP-712 actions for clients and tests.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSigner returns a Signer for key on chainID.
func NewSigner(key *ecdsa.PrivateKey, chainID int64) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto/signer: nil key")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto/signer: invalid chain id %d", chainID)
	}
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer targets.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// TransactOpts returns fresh transaction options bound to ctx.
func (s *Signer) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// SignAction signs a in the given domain and returns the hex signature with
// v in {27,28}.
func (s *Signer) SignAction(d Domain, a Action) (string, error) {
	digest, err := d.Digest(a)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 wallets use {27,28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
