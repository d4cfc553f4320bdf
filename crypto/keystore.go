// Package crypto wraps Ethereum v3 keystore handling for the signer key.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
)

// GenerateKeystore creates a fresh key inside dir, encrypted with the
// passphrase, and returns the derived address and the keystore file path.
// The directory is created with 0700 permissions when missing.
func GenerateKeystore(dir, passphrase string) (common.Address, string, error) {
	if dir == "" {
		return common.Address{}, "", errors.New("crypto: empty keystore directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return common.Address{}, "", fmt.Errorf("create keystore dir: %w", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.NewAccount(passphrase)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("create account: %w", err)
	}
	return account.Address, account.URL.Path, nil
}

// LoadKeystore decrypts an Ethereum v3 keystore file using the supplied
// passphrase and returns the signing key.
func LoadKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return decrypted.PrivateKey, nil
}
