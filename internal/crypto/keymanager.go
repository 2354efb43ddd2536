// Package crypto resolves the custody signing key, signs EVM transactions on
// its behalf, and verifies EIP-712 signatures that owners attach to ledger
// actions.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the OWASP-recommended minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	keyFileVersion    = 2
)

// keyFile is the on-disk format of an encrypted custody key. The address is
// stored in the clear so a wrong password and a swapped file are told apart.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Iterations int    `json:"kdf_iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource tells LoadKey where the custody key lives. RawHex wins when both
// are set.
type KeySource struct {
	RawHex        string
	EncryptedPath string
	Password      string
}

// Configured reports whether any key source is set.
func (s KeySource) Configured() bool {
	return s.RawHex != "" || s.EncryptedPath != ""
}

// LoadKey resolves the custody private key from src.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch {
	case src.RawHex != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(src.RawHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: load key: raw hex: %w", err)
		}
		return key, nil
	case src.EncryptedPath != "":
		data, err := os.ReadFile(src.EncryptedPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: load key: %w", err)
		}
		return DecryptKey(data, src.Password)
	default:
		return nil, errors.New("crypto: load key: no key source configured")
	}
}

// EncryptKey seals key with password using PBKDF2-HMAC-SHA256 and
// AES-256-GCM, returning the JSON key file.
func EncryptKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	return encryptKey(key, password, defaultIterations)
}

func encryptKey(key *ecdsa.PrivateKey, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: encrypt key: empty password")
	}
	if key == nil {
		return nil, errors.New("crypto: encrypt key: nil key")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: encrypt key: nonce: %w", err)
	}

	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	// The address is bound as additional data so it cannot be edited.
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes())

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    addr.Hex(),
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey.
func DecryptKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: decrypt key: empty password")
	}

	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: parse: %w", err)
	}
	if f.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: decrypt key: unsupported version %d", f.Version)
	}
	if f.Iterations <= 0 {
		return nil, fmt.Errorf("crypto: decrypt key: invalid kdf_iterations %d", f.Iterations)
	}
	if !common.IsHexAddress(f.Address) {
		return nil, fmt.Errorf("crypto: decrypt key: invalid address %q", f.Address)
	}

	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, f.Iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: %w", err)
	}
	addr := common.HexToAddress(f.Address)
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: decrypt key: nonce length %d", len(nonce))
	}
	raw, err := gcm.Open(nil, nonce, sealed, addr.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: wrong password or corrupted file: %w", err)
	}

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != addr {
		return nil, fmt.Errorf("crypto: decrypt key: key is for %s, file says %s", got.Hex(), addr.Hex())
	}
	return key, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}
