package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// PubKeyLength is the length of the compressed secp256k1 public key.
	PubKeyLength = 33
	// SignatureLength is the length of the compact (recoverable) secp256k1 signature.
	SignatureLength = 65
	// GenesisIDLength is the length of the ledger genesis block hash.
	GenesisIDLength = 32
)

var ErrInvalidField = errors.New("invalid field")

// PubKey is a compressed secp256k1 public key.
type PubKey []byte

// Bytes is a byte slice which marshals to "0x" prefixed hex text.
type Bytes []byte

// GenesisID identifies the ledger (hash of its genesis block) signatures are bound to.
type GenesisID []byte

func (pk PubKey) String() string {
	return hexutil.Encode(pk)
}

func (pk PubKey) Equal(other PubKey) bool {
	return bytes.Equal(pk, other)
}

func (pk PubKey) Compare(other PubKey) int {
	return bytes.Compare(pk, other)
}

func (pk PubKey) MarshalText() ([]byte, error) {
	return toHex(pk), nil
}

func (pk *PubKey) UnmarshalText(src []byte) error {
	res, err := fromHex(src)
	if err == nil {
		*pk = res
	}
	return err
}

func (pk PubKey) IsValid() error {
	if len(pk) != PubKeyLength {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidField, PubKeyLength, len(pk))
	}
	return nil
}

/*
DecodePubKeyHex parses "0x" prefixed hex encoded public key.
*/
func DecodePubKeyHex(pubKey string) (PubKey, error) {
	if n := len(pubKey); n != 2+2*PubKeyLength {
		s := " starting "
		switch {
		case n == 0:
			s = ""
		case n <= 6:
			s += pubKey
		default:
			s += pubKey[:6]
		}
		return nil, fmt.Errorf("must be %d characters long (including 0x prefix), got %d characters%s", 2+2*PubKeyLength, n, s)
	}
	bytes, err := hexutil.Decode(pubKey)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

func (b Bytes) String() string {
	return hexutil.Encode(b)
}

func (b Bytes) MarshalText() ([]byte, error) {
	return toHex(b), nil
}

func (b *Bytes) UnmarshalText(src []byte) error {
	res, err := fromHex(src)
	if err == nil {
		*b = res
	}
	return err
}

func (g GenesisID) IsValid() error {
	if len(g) != GenesisIDLength {
		return fmt.Errorf("%w: genesis id must be %d bytes, got %d", ErrInvalidField, GenesisIDLength, len(g))
	}
	return nil
}

func (g GenesisID) String() string {
	return hexutil.Encode(g)
}

func checkSignature(name string, sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: %s must be %d bytes, got %d", ErrInvalidField, name, SignatureLength, len(sig))
	}
	return nil
}

func hashOf(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func toHex(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	return []byte(hexutil.Encode(src))
}

func fromHex(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	return hexutil.Decode(string(src))
}
