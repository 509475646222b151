package cmd

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromptConfig(t *testing.T) {
	answers := strings.Join([]string{
		"Bank Ledger",
		"",
		"/backups/7",
		"yes",
		"",
		"postgres",
		"2",
		"",
	}, "\n") + "\n"

	cfg, err := promptConfig(bufio.NewReader(strings.NewReader(answers)), io.Discard, "/etc/restore")
	require.NoError(t, err)
	require.Equal(t, "bank_ledger", cfg.Project.ID)
	require.Equal(t, "local", cfg.Backup.Source)
	require.Equal(t, "/backups/7", cfg.Backup.Local.Path)
	require.Equal(t, "/etc/restore/keys/backup.key", cfg.Encryption.PrivateKeyPath)
	require.Equal(t, "postgres", cfg.Target.Type)
	require.Equal(t, "RESTORE_TARGET_DSN", cfg.Target.DSNEnv)
	require.Equal(t, 2, cfg.Target.NodeGroups)
	require.Equal(t, 2, cfg.Target.Replicas)
	require.NoError(t, cfg.Validate())
}

func TestPromptConfigRejectsBadInput(t *testing.T) {
	_, err := promptConfig(bufio.NewReader(strings.NewReader("p\nftp\n")), io.Discard, "/tmp")
	require.ErrorContains(t, err, "unsupported backup source")

	answers := "p\nlocal\n/b\nno\nmemory\n0\n"
	_, err = promptConfig(bufio.NewReader(strings.NewReader(answers)), io.Discard, "/tmp")
	require.ErrorContains(t, err, "invalid number")
}
