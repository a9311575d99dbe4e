package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable prefixes used for bech32 addresses.
type AddressPrefix string

const (
	// AccountPrefix identifies user and module treasury accounts.
	AccountPrefix AddressPrefix = "tan"
	// SignerPrefix identifies trusted off-ledger signers such as the credit
	// scoring service and price oracles.
	SignerPrefix AddressPrefix = "tansig"
)

// Address represents a 20-byte Tandachain address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

// MustNewAddress is a convenience wrapper for constructing addresses from
// known-good byte slices.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	return NewAddress(prefix, b)
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset or all-zero bytes.
func (a Address) IsZero() bool {
	if len(a.bytes) == 0 {
		return true
	}
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address must decode to 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(AccountPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Sign produces a 65-byte [R || S || V] secp256k1 signature over the supplied
// digest. The digest is expected to be a 32-byte Keccak-256 hash.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress recovers the signing account address from a 65-byte
// signature over digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return NewAddress(AccountPrefix, crypto.PubkeyToAddress(*pub).Bytes()), nil
}

// Keccak256 exposes the canonical digest used for signed statements.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
