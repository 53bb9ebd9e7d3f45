package testsig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/types"
)

// CreateSigner returns new random secp256k1 account and its compressed public key.
func CreateSigner(t testing.TB) (*crypto.InMemorySecp256K1Signer, types.PubKey) {
	t.Helper()
	signer, err := crypto.NewInMemorySecp256K1Signer()
	require.NoError(t, err)
	return signer, signer.PublicKey()
}
