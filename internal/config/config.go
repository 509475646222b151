package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"restorable.io/cluster-restore/internal/nodegroup"
)

// Config matches the structure of the config.yaml file.
type Config struct {
	Version      int          `yaml:"version"`
	Project      Project      `yaml:"project"`
	CLI          CLI          `yaml:"cli"`
	Log          Log          `yaml:"log"`
	Backup       Backup       `yaml:"backup"`
	Encryption   *Encryption  `yaml:"encryption,omitempty"`
	Target       Target       `yaml:"target"`
	Restore      Restore      `yaml:"restore"`
	Verification Verification `yaml:"verification"`
	Metrics      Metrics      `yaml:"metrics"`
	Signing      Signing      `yaml:"signing"`
}

type Project struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type CLI struct {
	MachineID string `yaml:"machine_id"`
	ReportDir string `yaml:"report_dir"`
	SchemaDir string `yaml:"schema_dir"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

type Local struct {
	// Path is a part file or a directory of *.jsonl part files.
	Path string `yaml:"path"`
}

type Command struct {
	Exec string `yaml:"exec"`
}

type Backup struct {
	Source  string   `yaml:"source"`
	Local   *Local   `yaml:"local,omitempty"`
	S3      *S3      `yaml:"s3,omitempty"`
	Command *Command `yaml:"command,omitempty"`
}

type S3 struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	// Prefix names one part, or every part below it when it ends in '/'.
	Prefix string `yaml:"prefix"`
}

type Encryption struct {
	Method         string `yaml:"method"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	PrivateKeyEnv  string `yaml:"private_key_env,omitempty"`
}

// Target selects the cluster a restore writes into.
type Target struct {
	// Type is memory, postgres or ephemeral.
	Type string `yaml:"type"`
	// NodeGroups and Replicas describe the topology the target emulates.
	NodeGroups    int    `yaml:"node_groups"`
	Replicas      int    `yaml:"replicas"`
	CatalogSchema string `yaml:"catalog_schema"`
	// DSNEnv names the variable holding the postgres connection string.
	DSNEnv    string     `yaml:"dsn_env,omitempty"`
	Ephemeral *Ephemeral `yaml:"ephemeral,omitempty"`
}

type Ephemeral struct {
	DockerImage string `yaml:"docker_image"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	DBName      string `yaml:"db_name"`
}

type Restore struct {
	Parallelism  int  `yaml:"parallelism"`
	RestoreMeta  bool `yaml:"restore_meta"`
	RestoreData  bool `yaml:"restore_data"`
	RestoreEpoch bool `yaml:"restore_epoch"`
	// ApplyStatusTable is schema.table of the apply-status record.
	ApplyStatusTable string `yaml:"apply_status_table"`
	// NodeGroupMap pins original node groups, as in "(0,1)(2,0)".
	NodeGroupMap string `yaml:"node_group_map,omitempty"`
	Retry        Retry  `yaml:"retry"`
}

type Retry struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Verification struct {
	Schema SchemaVerification `yaml:"schema"`
	Tuples TupleVerification  `yaml:"tuples"`
	// MaxDuration flags restores slower than this. Zero disables the limit.
	MaxDuration time.Duration `yaml:"max_duration"`
}

type SchemaVerification struct {
	Enabled bool `yaml:"enabled"`
}

type TupleVerification struct {
	Enabled           bool `yaml:"enabled"`
	MinNonEmptyTables int  `yaml:"min_non_empty_tables"`
}

type Metrics struct {
	// Addr serves /metrics when set, such as ":9464".
	Addr string `yaml:"addr,omitempty"`
}

type Signing struct {
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Dir is ~/.restorable, where config, keys, schemas and reports live.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".restorable"), nil
}

// DefaultPath is the config file used when none is given.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultConfig returns a config with every default filled in, rooted at baseDir.
func DefaultConfig(baseDir string) *Config {
	return &Config{
		Version: 1,
		CLI: CLI{
			MachineID: "restore-01",
			ReportDir: filepath.Join(baseDir, "reports"),
			SchemaDir: filepath.Join(baseDir, "schemas"),
		},
		Log: Log{Level: "info", Format: "text"},
		Backup: Backup{
			Source: "local",
		},
		Target: Target{
			Type:          "memory",
			NodeGroups:    1,
			Replicas:      1,
			CatalogSchema: "restore",
		},
		Restore: Restore{
			Parallelism:      1,
			RestoreMeta:      true,
			RestoreData:      true,
			RestoreEpoch:     true,
			ApplyStatusTable: "restore.apply_status",
			Retry: Retry{
				MaxRetries:      5,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		Verification: Verification{
			Schema: SchemaVerification{Enabled: true},
			Tuples: TupleVerification{Enabled: true, MinNonEmptyTables: 1},
		},
		Signing: Signing{
			PrivateKeyPath: filepath.Join(baseDir, "keys", "signing.key"),
		},
	}
}

// Load reads the file at path over the defaults. An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found at %s. Please run 'cluster-restore init'", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file at %s: %w", path, err)
	}

	cfg := DefaultConfig(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the settings a restore cannot run without.
func (c *Config) Validate() error {
	switch c.Backup.Source {
	case "local", "s3", "command":
	default:
		return fmt.Errorf("unsupported backup source type: %s", c.Backup.Source)
	}

	switch c.Target.Type {
	case "memory":
	case "postgres":
		if c.Target.DSNEnv == "" {
			return fmt.Errorf("target type 'postgres' needs dsn_env")
		}
	case "ephemeral":
		if c.Target.Ephemeral == nil || c.Target.Ephemeral.DockerImage == "" {
			return fmt.Errorf("target type 'ephemeral' needs ephemeral.docker_image")
		}
	default:
		return fmt.Errorf("unsupported target type: %s", c.Target.Type)
	}
	if c.Target.NodeGroups < 1 || c.Target.NodeGroups > nodegroup.MaxNodeGroups {
		return fmt.Errorf("target node_groups must be between 1 and %d, got %d", nodegroup.MaxNodeGroups, c.Target.NodeGroups)
	}

	if c.Restore.Parallelism < 1 {
		return fmt.Errorf("restore parallelism must be positive, got %d", c.Restore.Parallelism)
	}
	if c.Restore.Retry.MaxRetries < 0 {
		return fmt.Errorf("restore retry max_retries must not be negative")
	}
	if _, _, err := c.Restore.ApplyStatusName(); err != nil {
		return err
	}
	if _, err := nodegroup.ParseOverrides(c.Restore.NodeGroupMap); err != nil {
		return err
	}
	if c.Encryption != nil && c.Encryption.Method != "age" {
		return fmt.Errorf("unsupported encryption method: %s", c.Encryption.Method)
	}
	return nil
}

// ApplyStatusName splits ApplyStatusTable into schema and table name.
func (r *Restore) ApplyStatusName() (string, string, error) {
	schemaName, name, ok := strings.Cut(r.ApplyStatusTable, ".")
	if !ok || schemaName == "" || name == "" {
		return "", "", fmt.Errorf("apply_status_table must be schema.table, got %q", r.ApplyStatusTable)
	}
	return schemaName, name, nil
}
