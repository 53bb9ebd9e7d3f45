package crypto

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestSecp256k1_SignAndVerify(t *testing.T) {
	signer, err := NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	data := []byte("the quick brown fox")
	sig, err := signer.SignBytes(data)
	require.NoError(t, err)
	require.Len(t, sig, SignatureSecp256K1Size)

	verifier, err := signer.Verifier()
	require.NoError(t, err)
	require.NoError(t, verifier.VerifyBytes(sig, data))
	require.NoError(t, VerifyBytes(signer.PublicKey(), sig, data))

	require.ErrorIs(t, verifier.VerifyBytes(sig, []byte("the quick brown fix")), ErrInvalidSignature)
	require.ErrorIs(t, verifier.VerifyBytes(sig[:64], data), ErrInvalidSignature)
}

func TestSecp256k1_OtherKey(t *testing.T) {
	s1, err := NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	s2, err := NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	sig, err := s1.SignBytes([]byte{1, 2, 3})
	require.NoError(t, err)
	err = VerifyBytes(s2.PublicKey(), sig, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.ErrorContains(t, err, "signature does not match the public key")
}

func TestSecp256k1_FromKey(t *testing.T) {
	s1, err := NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	key, err := s1.MarshalPrivateKey()
	require.NoError(t, err)
	require.Len(t, key, PrivateKeySecp256K1Size)

	s2, err := NewInMemorySecp256K1SignerFromKey(key)
	require.NoError(t, err)
	require.Equal(t, s1.PublicKey(), s2.PublicKey())

	pk, err := PublicKeyOf(s2)
	require.NoError(t, err)
	require.Equal(t, s1.PublicKey(), pk)

	_, err = NewInMemorySecp256K1SignerFromKey(key[1:])
	require.EqualError(t, err, "invalid private key length, expected 32 bytes, got 31")
}

func TestSecp256k1_NilSigner(t *testing.T) {
	var s *InMemorySecp256K1Signer
	_, err := s.SignBytes([]byte{1})
	require.ErrorIs(t, err, ErrSignerIsNil)
	_, err = s.Verifier()
	require.ErrorIs(t, err, ErrSignerIsNil)
	_, err = s.MarshalPrivateKey()
	require.ErrorIs(t, err, ErrSignerIsNil)
}

func TestNewVerifierSecp256k1_InvalidKey(t *testing.T) {
	_, err := NewVerifierSecp256k1([]byte{1, 2})
	require.EqualError(t, err, "pubkey must be 33 bytes long, but is 2")
	_, err = NewVerifierSecp256k1(make([]byte, 33))
	require.ErrorContains(t, err, "parsing public key")
}

func TestSecp256k1_BitFlipProperty(t *testing.T) {
	signer, err := NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	pubKey := signer.PublicKey()

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("signature verifies, single bit flip of data or signature does not", prop.ForAll(
		func(data []byte, bit uint) bool {
			sig, err := signer.SignBytes(data)
			if err != nil {
				return false
			}
			if VerifyBytes(pubKey, sig, data) != nil {
				return false
			}
			if len(data) > 0 {
				mutated := append([]byte{}, data...)
				mutated[int(bit/8)%len(mutated)] ^= 1 << (bit % 8)
				if VerifyBytes(pubKey, sig, mutated) == nil {
					return false
				}
			}
			badSig := append([]byte{}, sig...)
			badSig[int(bit/8)%len(badSig)] ^= 1 << (bit % 8)
			return VerifyBytes(pubKey, badSig, data) != nil
		},
		gen.SliceOf(gen.UInt8()),
		gen.UIntRange(0, 8*SignatureSecp256K1Size-1),
	))
	properties.TestingRun(t)
}
