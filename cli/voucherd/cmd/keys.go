package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/learnearn/vouchers/crypto"
	"github.com/learnearn/vouchers/types"
	"github.com/learnearn/vouchers/util"
)

const (
	secp256k1 = "secp256k1"

	genKeysCmdFlag      = "gen-keys"
	forceKeyGenCmdFlag  = "force"
	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	keysConfig struct {
		HomeDir         *string
		KeyFilePath     string
		GenerateKeys    bool
		ForceGeneration bool
	}

	keyFile struct {
		SigningPrivateKey key `json:"signing"`
	}

	key struct {
		Algorithm  string      `json:"algorithm"`
		PrivateKey types.Bytes `json:"privateKey"`
	}
)

func newKeysConf(conf *baseConfiguration) *keysConfig {
	return &keysConfig{HomeDir: &conf.HomeDir}
}

func (keysConf *keysConfig) addCmdFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&keysConf.GenerateKeys, genKeysCmdFlag, "g", false, "generates new account key if none exist")
	cmd.Flags().BoolVarP(&keysConf.ForceGeneration, forceKeyGenCmdFlag, "f", false, "forces key generation, overwriting existing key. Must be used with -g flag")
	cmd.Flags().StringVarP(&keysConf.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: %s). If key file does not exist and flag -g is present then new key is generated.", filepath.Join("$VOUCHER_HOME", defaultKeysFileName)))
}

func (keysConf *keysConfig) GetKeyFileLocation() string {
	if keysConf.KeyFilePath != "" {
		return keysConf.KeyFilePath
	}
	return filepath.Join(*keysConf.HomeDir, defaultKeysFileName)
}

func (keysConf *keysConfig) load() (*crypto.InMemorySecp256K1Signer, error) {
	return LoadKeys(keysConf.GetKeyFileLocation(), keysConf.GenerateKeys, keysConf.GenerateKeys && keysConf.ForceGeneration)
}

// LoadKeys loads the account signing key, generating new one when asked to.
func LoadKeys(file string, generateNewIfNotExist bool, overwrite bool) (*crypto.InMemorySecp256K1Signer, error) {
	exists := util.FileExists(file)

	if (exists && overwrite) || (!exists && generateNewIfNotExist) {
		// ensure intermediate dirs exist
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return nil, err
		}
		signer, err := crypto.NewInMemorySecp256K1Signer()
		if err != nil {
			return nil, err
		}
		if err := writeKeys(file, signer); err != nil {
			return nil, fmt.Errorf("writing keys file: %w", err)
		}
		return signer, nil
	}

	if !exists {
		return nil, fmt.Errorf("keys file %s not found", file)
	}

	kf, err := util.ReadJsonFile(file, &keyFile{})
	if err != nil {
		return nil, fmt.Errorf("reading keys file: %w", err)
	}
	if kf.SigningPrivateKey.Algorithm != secp256k1 {
		return nil, fmt.Errorf("signing key algorithm %v is not supported", kf.SigningPrivateKey.Algorithm)
	}
	signer, err := crypto.NewInMemorySecp256K1SignerFromKey(kf.SigningPrivateKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return signer, nil
}

func writeKeys(file string, signer *crypto.InMemorySecp256K1Signer) error {
	privKey, err := signer.MarshalPrivateKey()
	if err != nil {
		return err
	}
	return util.WriteJsonFile(file, &keyFile{
		SigningPrivateKey: key{Algorithm: secp256k1, PrivateKey: privKey},
	})
}

// newKeysCmd creates command which generates (when asked to) and prints the account key.
func newKeysCmd(baseConfig *baseConfiguration) *cobra.Command {
	keys := newKeysConf(baseConfig)
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Prints the public key of the account",
		Long:  "Prints the public key of the account, generating the key file first when -g flag is used",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := keys.load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), types.PubKey(signer.PublicKey()))
			return err
		},
	}
	keys.addCmdFlags(cmd)
	return cmd
}
