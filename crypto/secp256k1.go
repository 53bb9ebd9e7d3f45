package crypto

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

const (
	// CompressedSecp256K1PublicKeySize is size of public key in compressed format
	CompressedSecp256K1PublicKeySize = 33
	// PrivateKeySecp256K1Size is the size of the private key in bytes
	PrivateKeySecp256K1Size = 32
	// SignatureSecp256K1Size is the size of the compact (recoverable) signature
	SignatureSecp256K1Size = 65
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerIsNil      = errors.New("signer is nil")
)

type (
	// InMemorySecp256K1Signer keeps the private key in memory, signatures are compact recoverable
	// signatures over the SHA256 hash of the data.
	InMemorySecp256K1Signer struct {
		privKey *btcec.PrivateKey
	}

	Secp256k1Verifier struct {
		pubKey *btcec.PublicKey
	}
)

// NewInMemorySecp256K1Signer generates new key and creates a new InMemorySecp256K1Signer.
func NewInMemorySecp256K1Signer() (*InMemorySecp256K1Signer, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &InMemorySecp256K1Signer{privKey: privKey}, nil
}

// NewInMemorySecp256K1SignerFromKey creates signer from the 32 byte private key.
func NewInMemorySecp256K1SignerFromKey(privKey []byte) (*InMemorySecp256K1Signer, error) {
	if len(privKey) != PrivateKeySecp256K1Size {
		return nil, fmt.Errorf("invalid private key length, expected %d bytes, got %d", PrivateKeySecp256K1Size, len(privKey))
	}
	key, _ := btcec.PrivKeyFromBytes(privKey)
	return &InMemorySecp256K1Signer{privKey: key}, nil
}

func (s *InMemorySecp256K1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	hash := sha256.Sum256(data)
	return ecdsa.SignCompact(s.privKey, hash[:], true)
}

func (s *InMemorySecp256K1Signer) MarshalPrivateKey() ([]byte, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return s.privKey.Serialize(), nil
}

func (s *InMemorySecp256K1Signer) Verifier() (Verifier, error) {
	if s == nil || s.privKey == nil {
		return nil, ErrSignerIsNil
	}
	return &Secp256k1Verifier{pubKey: s.privKey.PubKey()}, nil
}

// PublicKey returns the compressed public key of the signer.
func (s *InMemorySecp256K1Signer) PublicKey() []byte {
	return s.privKey.PubKey().SerializeCompressed()
}

// NewVerifierSecp256k1 creates new verifier from the compressed public key.
func NewVerifierSecp256k1(compressedPubKey []byte) (*Secp256k1Verifier, error) {
	if len(compressedPubKey) != CompressedSecp256K1PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes long, but is %d", CompressedSecp256K1PublicKeySize, len(compressedPubKey))
	}
	pubKey, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return &Secp256k1Verifier{pubKey: pubKey}, nil
}

func (v *Secp256k1Verifier) VerifyBytes(sig []byte, data []byte) error {
	if len(sig) != SignatureSecp256K1Size {
		return fmt.Errorf("%w: signature length is %d b (expected %d b)", ErrInvalidSignature, len(sig), SignatureSecp256K1Size)
	}
	hash := sha256.Sum256(data)
	recovered, compressed, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !compressed {
		return fmt.Errorf("%w: signature is not for compressed public key", ErrInvalidSignature)
	}
	if !recovered.IsEqual(v.pubKey) {
		return fmt.Errorf("%w: signature does not match the public key", ErrInvalidSignature)
	}
	return nil
}

func (v *Secp256k1Verifier) MarshalPublicKey() ([]byte, error) {
	return v.pubKey.SerializeCompressed(), nil
}

/*
VerifyBytes is a shortcut for creating verifier for the public key and
verifying the signature with it.
*/
func VerifyBytes(pubKey, sig, data []byte) error {
	v, err := NewVerifierSecp256k1(pubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return v.VerifyBytes(sig, data)
}

// PublicKeyOf returns the compressed public key of the signer.
func PublicKeyOf(s Signer) ([]byte, error) {
	v, err := s.Verifier()
	if err != nil {
		return nil, err
	}
	pk, err := v.MarshalPublicKey()
	if err != nil {
		return nil, err
	}
	return bytes.Clone(pk), nil
}
