package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"restorable.io/cluster-restore/internal/config"
	"restorable.io/cluster-restore/internal/nodegroup"
	"restorable.io/cluster-restore/internal/report"
	"restorable.io/cluster-restore/internal/signing"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap config and keys for a new project",
	Long: `Initializes a new cluster-restore project.

This command creates a '.restorable' directory in your home directory containing
a default 'config.yaml' and a new Ed25519 keypair for signing restore reports.
It will prompt for the backup location and the target topology.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Bootstrapping a new cluster-restore project...")

		baseDir, err := config.Dir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(baseDir, "keys"), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", baseDir, err)
		}

		path := configPath
		if path == "" {
			path = filepath.Join(baseDir, "config.yaml")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("a config file already exists at %s", path)
		}

		cfg, err := promptConfig(bufio.NewReader(os.Stdin), os.Stdout, baseDir)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid answers: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote config to %s\n", path)

		pubKey, privKey, err := signing.GenerateSigningKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate signing key pair: %w", err)
		}
		privKeyPath := cfg.Signing.PrivateKeyPath
		pubKeyPath := report.PublicKeyPath(privKeyPath)
		if err := os.WriteFile(privKeyPath, privKey, 0600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		if err := os.WriteFile(pubKeyPath, pubKey, 0644); err != nil {
			return fmt.Errorf("failed to write public key: %w", err)
		}
		fmt.Printf("✓ Wrote signing keys to %s and %s\n", privKeyPath, pubKeyPath)
		fmt.Println("\nProject initialized. Please review config.yaml and provide secrets via environment variables.")
		return nil
	},
}

// promptConfig asks for the settings that have no sensible default.
func promptConfig(reader *bufio.Reader, out io.Writer, baseDir string) (*config.Config, error) {
	cfg := config.DefaultConfig(baseDir)

	projectName, err := promptString(reader, out, "Project name")
	if err != nil {
		return nil, err
	}
	cfg.Project = config.Project{
		ID:   strings.ToLower(strings.ReplaceAll(projectName, " ", "_")),
		Name: projectName,
	}

	backupSource, err := promptWithDefault(reader, out, "Backup source type (local/s3/command)", "local")
	if err != nil {
		return nil, err
	}
	cfg.Backup.Source = backupSource
	switch backupSource {
	case "local":
		path, err := promptString(reader, out, "Path to backup part file or directory")
		if err != nil {
			return nil, err
		}
		cfg.Backup.Local = &config.Local{Path: path}
	case "s3":
		prefix, err := promptString(reader, out, "S3 key, or prefix ending in '/' for every part")
		if err != nil {
			return nil, err
		}
		cfg.Backup.S3 = &config.S3{
			Endpoint:     "https://s3.eu-central-1.example",
			Bucket:       "cluster-backups",
			Region:       "eu-central-1",
			AccessKeyEnv: "RESTORE_S3_KEY",
			SecretKeyEnv: "RESTORE_S3_SECRET",
			Prefix:       prefix,
		}
	case "command":
		exec, err := promptString(reader, out, "Command printing the backup part")
		if err != nil {
			return nil, err
		}
		cfg.Backup.Command = &config.Command{Exec: exec}
	default:
		return nil, fmt.Errorf("unsupported backup source: %s", backupSource)
	}

	useEncryption, err := promptWithDefault(reader, out, "Is the backup encrypted? (yes/no)", "no")
	if err != nil {
		return nil, err
	}
	if strings.ToLower(useEncryption) == "yes" {
		keyPath, err := promptWithDefault(reader, out, "Path to encryption private key", filepath.Join(baseDir, "keys", "backup.key"))
		if err != nil {
			return nil, err
		}
		cfg.Encryption = &config.Encryption{Method: "age", PrivateKeyPath: keyPath}
	}

	targetType, err := promptWithDefault(reader, out, "Target type (memory/postgres/ephemeral)", "ephemeral")
	if err != nil {
		return nil, err
	}
	cfg.Target.Type = targetType
	switch targetType {
	case "postgres":
		cfg.Target.DSNEnv = "RESTORE_TARGET_DSN"
	case "ephemeral":
		cfg.Target.Ephemeral = &config.Ephemeral{
			DockerImage: "postgres:16",
			User:        "postgres",
			PasswordEnv: "RESTORE_DB_PASSWORD",
			DBName:      "cluster_restore",
		}
	}
	if cfg.Target.NodeGroups, err = promptIntWithDefault(reader, out, "Target node groups", 1, nodegroup.MaxNodeGroups); err != nil {
		return nil, err
	}
	if cfg.Target.Replicas, err = promptIntWithDefault(reader, out, "Replicas per node group", 2, 4); err != nil {
		return nil, err
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// promptString asks the user for input without a default value.
func promptString(reader *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// promptWithDefault asks the user for input, providing a default if input is empty.
func promptWithDefault(reader *bufio.Reader, out io.Writer, label, defaultValue string) (string, error) {
	fmt.Fprintf(out, "%s (%s): ", label, defaultValue)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue, nil
	}
	return input, nil
}

// promptIntWithDefault is a convenience wrapper for integer prompts in [1, max].
func promptIntWithDefault(reader *bufio.Reader, out io.Writer, label string, defaultValue, max int) (int, error) {
	valStr, err := promptWithDefault(reader, out, label, strconv.Itoa(defaultValue))
	if err != nil {
		return 0, err
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 1 || val > max {
		return 0, fmt.Errorf("invalid number provided: %q (1-%d)", valStr, max)
	}
	return val, nil
}
