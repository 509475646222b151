package crypto_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/require"
	"restorable.io/cluster-restore/internal/config"
	"restorable.io/cluster-restore/internal/crypto"
)

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func encrypt(t *testing.T, id *age.X25519Identity, plain string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	require.NoError(t, err)
	_, err = io.WriteString(w, plain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecryptWithKeyFile(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "age.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(id.String()+"\n"), 0600))

	d, err := crypto.NewFromConfig(&config.Encryption{Method: "age", PrivateKeyPath: keyPath})
	require.NoError(t, err)

	src := &closeCounter{Reader: bytes.NewReader(encrypt(t, id, `{"kind":"meta"}`))}
	rc, err := d.Wrap(src)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, `{"kind":"meta"}`, string(data))
	require.NoError(t, rc.Close())
	require.Equal(t, 1, src.closed)
}

func TestDecryptWithEnvKey(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	t.Setenv("TEST_AGE_KEY", id.String())

	d, err := crypto.NewFromConfig(&config.Encryption{Method: "age", PrivateKeyEnv: "TEST_AGE_KEY", PrivateKeyPath: "/nonexistent"})
	require.NoError(t, err)
	rc, err := d.Wrap(io.NopCloser(bytes.NewReader(encrypt(t, id, "part"))))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "part", string(data))
}

func TestWrongKeyFails(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	t.Setenv("TEST_AGE_KEY", other.String())

	d, err := crypto.NewAgeDecryptorFromEnv("TEST_AGE_KEY")
	require.NoError(t, err)
	_, err = d.Wrap(io.NopCloser(bytes.NewReader(encrypt(t, id, "part"))))
	require.ErrorContains(t, err, "age decryption failed")
}

func TestNoEncryption(t *testing.T) {
	d, err := crypto.NewFromConfig(nil)
	require.NoError(t, err)
	require.Nil(t, d)

	src := io.NopCloser(bytes.NewReader([]byte("plain")))
	rc, err := d.Wrap(src)
	require.NoError(t, err)
	require.Equal(t, src, rc)

	_, err = crypto.NewFromConfig(&config.Encryption{Method: "age"})
	require.Error(t, err)
	t.Setenv("TEST_AGE_KEY", "")
	_, err = crypto.NewAgeDecryptorFromEnv("TEST_AGE_KEY")
	require.ErrorContains(t, err, "is not set")
}
