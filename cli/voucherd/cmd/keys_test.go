package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	testlogr "github.com/learnearn/vouchers/internal/testutils/logger"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
)

func TestLoadKeys(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sub", defaultKeysFileName)

	_, err := LoadKeys(file, false, false)
	require.ErrorContains(t, err, "not found")

	signer, err := LoadKeys(file, true, false)
	require.NoError(t, err)
	require.True(t, util.FileExists(file))

	loaded, err := LoadKeys(file, true, false)
	require.NoError(t, err)
	require.Equal(t, signer.PublicKey(), loaded.PublicKey())

	regenerated, err := LoadKeys(file, true, true)
	require.NoError(t, err)
	require.NotEqual(t, signer.PublicKey(), regenerated.PublicKey())
}

func TestLoadKeys_InvalidFile(t *testing.T) {
	dir := t.TempDir()

	file := filepath.Join(dir, "algo.json")
	require.NoError(t, util.WriteJsonFile(file, &keyFile{SigningPrivateKey: key{Algorithm: "ed25519", PrivateKey: make([]byte, 32)}}))
	_, err := LoadKeys(file, false, false)
	require.EqualError(t, err, "signing key algorithm ed25519 is not supported")

	file = filepath.Join(dir, "short.json")
	require.NoError(t, util.WriteJsonFile(file, &keyFile{SigningPrivateKey: key{Algorithm: secp256k1, PrivateKey: []byte{1, 2}}}))
	_, err = LoadKeys(file, false, false)
	require.EqualError(t, err, "invalid signing key: invalid private key length, expected 32 bytes, got 2")

	file = filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(file, []byte("{"), 0600))
	_, err = LoadKeys(file, false, false)
	require.ErrorContains(t, err, "reading keys file")
}

func TestKeysCmd(t *testing.T) {
	homeDir := t.TempDir()
	out := &bytes.Buffer{}

	app := New(testlogr.LoggerBuilder(t))
	app.baseCmd.SetOut(out)
	app.baseCmd.SetArgs(strings.Fields("keys --home " + homeDir + " -g"))
	require.NoError(t, app.Execute(context.Background()))

	signer, err := LoadKeys(filepath.Join(homeDir, defaultKeysFileName), false, false)
	require.NoError(t, err)
	require.Equal(t, types.PubKey(signer.PublicKey()).String(), strings.TrimSpace(out.String()))

	// key is not regenerated on the next run
	out.Reset()
	app = New(testlogr.LoggerBuilder(t))
	app.baseCmd.SetOut(out)
	app.baseCmd.SetArgs(strings.Fields("keys --home " + homeDir))
	require.NoError(t, app.Execute(context.Background()))
	require.Equal(t, types.PubKey(signer.PublicKey()).String(), strings.TrimSpace(out.String()))

	app = New(testlogr.LoggerBuilder(t))
	app.baseCmd.SetArgs(strings.Fields("keys --home " + t.TempDir()))
	require.ErrorContains(t, app.Execute(context.Background()), "not found")
}
