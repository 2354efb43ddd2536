package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// StakeAction(address owner,string action,uint256 positionId,uint256 amount,uint256 nonce,uint256 deadline)
	actionTypeHash = ethcrypto.Keccak256(
		[]byte("StakeAction(address owner,string action,uint256 positionId,uint256 amount,uint256 nonce,uint256 deadline)"),
	)

	ErrBadSignature = errors.New("crypto: bad signature")
)

// Action is an owner-authorised ledger request. Amount is set for stakes,
// PositionID for exits.
type Action struct {
	Owner      common.Address
	Kind       string // "stake", "unstake" or "emergency"
	PositionID uint64
	Amount     *uint256.Int
	Nonce      uint64
	Deadline   int64 // unix seconds
}

// Domain is an EIP-712 signing domain with its separator precomputed.
type Domain struct {
	Name      string
	Version   string
	ChainID   *big.Int
	separator []byte
}

// NewDomain builds the signing domain for ledger actions.
func NewDomain(name, version string, chainID int64) Domain {
	d := Domain{Name: name, Version: version, ChainID: big.NewInt(chainID)}
	d.separator = ethcrypto.Keccak256(
		concatBytes(
			domainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			common.LeftPadBytes(d.ChainID.Bytes(), 32),
		),
	)
	return d
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(a)).
func (d Domain) Digest(a Action) ([]byte, error) {
	if a.Deadline < 0 {
		return nil, fmt.Errorf("crypto: negative deadline %d", a.Deadline)
	}
	amount := new(uint256.Int)
	if a.Amount != nil {
		amount.Set(a.Amount)
	}
	amountBytes := amount.Bytes32()

	structHash := ethcrypto.Keccak256(
		concatBytes(
			actionTypeHash,
			common.LeftPadBytes(a.Owner.Bytes(), 32),
			ethcrypto.Keccak256([]byte(a.Kind)),
			uint64Word(a.PositionID),
			amountBytes[:],
			uint64Word(a.Nonce),
			uint64Word(uint64(a.Deadline)),
		),
	)
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, d.separator, structHash)), nil
}

// Recover returns the address that produced sigHex over a.
func (d Domain) Recover(a Action, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := d.Digest(a)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex over a was produced by a.Owner.
func (d Domain) Verify(a Action, sigHex string) error {
	signer, err := d.Recover(a, sigHex)
	if err != nil {
		return err
	}
	if signer != a.Owner {
		return fmt.Errorf("%w: signed by %s, not %s", ErrBadSignature, signer.Hex(), a.Owner.Hex())
	}
	return nil
}

func uint64Word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
