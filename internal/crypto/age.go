package crypto

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"restorable.io/cluster-restore/internal/config"
)

// AgeDecryptor decrypts age-encrypted backup parts.
type AgeDecryptor struct {
	identities []age.Identity
}

func parseIdentities(r io.Reader, origin string) (*AgeDecryptor, error) {
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse age identities from %s: %w", origin, err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no age identities found in %s", origin)
	}
	return &AgeDecryptor{identities: identities}, nil
}

// NewAgeDecryptor creates a decryptor from a private key file path.
func NewAgeDecryptor(privateKeyPath string) (*AgeDecryptor, error) {
	f, err := os.Open(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read age private key from %s: %w", privateKeyPath, err)
	}
	defer f.Close()
	return parseIdentities(f, privateKeyPath)
}

// NewAgeDecryptorFromEnv creates a decryptor using a private key from an environment variable.
func NewAgeDecryptorFromEnv(envVar string) (*AgeDecryptor, error) {
	keyData := os.Getenv(envVar)
	if keyData == "" {
		return nil, fmt.Errorf("age private key environment variable %s is not set", envVar)
	}
	return parseIdentities(strings.NewReader(keyData), "environment variable "+envVar)
}

// NewFromConfig returns nil when parts are not encrypted. The environment
// variable wins over the key file when both are set.
func NewFromConfig(cfg *config.Encryption) (*AgeDecryptor, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.Method != "age" {
		return nil, fmt.Errorf("unsupported encryption method: %s", cfg.Method)
	}
	switch {
	case cfg.PrivateKeyEnv != "":
		return NewAgeDecryptorFromEnv(cfg.PrivateKeyEnv)
	case cfg.PrivateKeyPath != "":
		return NewAgeDecryptor(cfg.PrivateKeyPath)
	default:
		return nil, fmt.Errorf("age encryption needs private_key_path or private_key_env")
	}
}

// Wrap decrypts rc, keeping rc's Close. A nil decryptor returns rc as is.
func (d *AgeDecryptor) Wrap(rc io.ReadCloser) (io.ReadCloser, error) {
	if d == nil {
		return rc, nil
	}
	decrypted, err := age.Decrypt(rc, d.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decryption failed: %w", err)
	}
	return &decryptReadCloser{Reader: decrypted, original: rc}, nil
}

type decryptReadCloser struct {
	io.Reader
	original io.Closer
}

func (d *decryptReadCloser) Close() error {
	return d.original.Close()
}
