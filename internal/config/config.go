// Package config loads and validates the PostgreSQL and MySQL engine
// configurations (spec §6), following the teacher's Load/applyDefaults/
// validate shape and its ${VAR} environment-substitution helper.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"
)

// SSLMode selects how the PostgreSQL engine negotiates TLS.
type SSLMode string

const (
	SSLDisable SSLMode = "disable"
	SSLPrefer  SSLMode = "prefer"
	SSLRequire SSLMode = "require"
)

// PGConfig configures a PostgreSQL logical-replication connection.
type PGConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	Database          string        `yaml:"database"`
	ApplicationName   string        `yaml:"application_name"`
	SSLMode           SSLMode       `yaml:"sslmode"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout_ms"`
	ReadTimeout       time.Duration `yaml:"read_timeout_ms"`
	WriteTimeout      time.Duration `yaml:"write_timeout_ms"`
	StatusInterval    time.Duration `yaml:"status_interval_ms"`
	SlotName          string        `yaml:"slot_name"`
	SlotCreateMissing bool          `yaml:"slot_create_if_missing"`
	SlotTemporary     bool          `yaml:"slot_temporary"`
	StartLSN          string        `yaml:"start_lsn"`
}

// MySQLConfig configures a MySQL binlog replication connection.
type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	ServerID        uint32        `yaml:"server_id"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout_ms"`
	ReadTimeout     time.Duration `yaml:"read_timeout_ms"`
	WriteTimeout    time.Duration `yaml:"write_timeout_ms"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period_ms"`
	StartFile       string        `yaml:"start_file"`
	StartPos        uint32        `yaml:"start_pos"`
}

func applyPGDefaults(c *PGConfig) {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLPrefer
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 10 * time.Second
	}
	if c.StartLSN == "" {
		c.StartLSN = "0/0"
	}
	c.SlotCreateMissing = true
}

func applyMySQLDefaults(c *MySQLConfig) {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = 30 * time.Second
	}
}

func validatePG(c *PGConfig) error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.SlotName == "" {
		return fmt.Errorf("slot_name is required")
	}
	switch c.SSLMode {
	case SSLDisable, SSLPrefer, SSLRequire:
	default:
		return fmt.Errorf("unsupported sslmode %q", c.SSLMode)
	}
	return nil
}

func validateMySQL(c *MySQLConfig) error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.ServerID == 0 {
		return fmt.Errorf("server_id is required and must be unique in the replication topology")
	}
	return nil
}

// LoadPG builds a PGConfig from defaults, then an environment overlay, then
// explicit overrides — in that precedence order, highest priority last
// (spec §6: explicit config supersedes env; env supersedes defaults).
func LoadPG(overrides PGConfig) (*PGConfig, error) {
	cfg := &PGConfig{}
	applyPGDefaults(cfg)
	applyPGEnv(cfg)
	mergePG(cfg, overrides)
	if err := validatePG(cfg); err != nil {
		return nil, fmt.Errorf("validating postgres config: %w", err)
	}
	return cfg, nil
}

// LoadMySQL builds a MySQLConfig from defaults then explicit overrides.
// MySQL has no equivalent documented environment-variable overlay in spec §6.
func LoadMySQL(overrides MySQLConfig) (*MySQLConfig, error) {
	cfg := &MySQLConfig{}
	applyMySQLDefaults(cfg)
	mergeMySQL(cfg, overrides)
	if err := validateMySQL(cfg); err != nil {
		return nil, fmt.Errorf("validating mysql config: %w", err)
	}
	return cfg, nil
}

func applyPGEnv(c *PGConfig) {
	if v, ok := os.LookupEnv("PGHOST"); ok {
		c.Host = v
	}
	if v, ok := os.LookupEnv("PGPORT"); ok {
		if p, err := parseInt(v); err == nil {
			c.Port = p
		}
	}
	if v, ok := os.LookupEnv("PGUSER"); ok {
		c.User = v
	}
	if v, ok := os.LookupEnv("PGPASSWORD"); ok {
		c.Password = v
	}
	if v, ok := os.LookupEnv("PGDATABASE"); ok {
		c.Database = v
	}
	if v, ok := os.LookupEnv("PGAPPNAME"); ok {
		c.ApplicationName = v
	}
	if v, ok := os.LookupEnv("PGSSLMODE"); ok {
		c.SSLMode = SSLMode(v)
	}
	if v, ok := os.LookupEnv("PGCONNECT_TIMEOUT"); ok {
		if secs, err := parseInt(v); err == nil {
			c.ConnectTimeout = time.Duration(secs) * time.Second
		}
	}
}

func parseInt(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

// mergePG overlays any non-zero-value field of overrides onto cfg —
// explicit config always wins over the environment.
func mergePG(cfg *PGConfig, overrides PGConfig) {
	if overrides.Host != "" {
		cfg.Host = overrides.Host
	}
	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.User != "" {
		cfg.User = overrides.User
	}
	if overrides.Password != "" {
		cfg.Password = overrides.Password
	}
	if overrides.Database != "" {
		cfg.Database = overrides.Database
	}
	if overrides.ApplicationName != "" {
		cfg.ApplicationName = overrides.ApplicationName
	}
	if overrides.SSLMode != "" {
		cfg.SSLMode = overrides.SSLMode
	}
	if overrides.ConnectTimeout != 0 {
		cfg.ConnectTimeout = overrides.ConnectTimeout
	}
	if overrides.ReadTimeout != 0 {
		cfg.ReadTimeout = overrides.ReadTimeout
	}
	if overrides.WriteTimeout != 0 {
		cfg.WriteTimeout = overrides.WriteTimeout
	}
	if overrides.StatusInterval != 0 {
		cfg.StatusInterval = overrides.StatusInterval
	}
	if overrides.SlotName != "" {
		cfg.SlotName = overrides.SlotName
	}
	if overrides.StartLSN != "" {
		cfg.StartLSN = overrides.StartLSN
	}
	cfg.SlotTemporary = overrides.SlotTemporary
}

func mergeMySQL(cfg *MySQLConfig, overrides MySQLConfig) {
	if overrides.Host != "" {
		cfg.Host = overrides.Host
	}
	if overrides.Port != 0 {
		cfg.Port = overrides.Port
	}
	if overrides.User != "" {
		cfg.User = overrides.User
	}
	if overrides.Password != "" {
		cfg.Password = overrides.Password
	}
	if overrides.Database != "" {
		cfg.Database = overrides.Database
	}
	if overrides.ServerID != 0 {
		cfg.ServerID = overrides.ServerID
	}
	if overrides.ConnectTimeout != 0 {
		cfg.ConnectTimeout = overrides.ConnectTimeout
	}
	if overrides.ReadTimeout != 0 {
		cfg.ReadTimeout = overrides.ReadTimeout
	}
	if overrides.WriteTimeout != 0 {
		cfg.WriteTimeout = overrides.WriteTimeout
	}
	if overrides.HeartbeatPeriod != 0 {
		cfg.HeartbeatPeriod = overrides.HeartbeatPeriod
	}
	if overrides.StartFile != "" {
		cfg.StartFile = overrides.StartFile
	}
	if overrides.StartPos != 0 {
		cfg.StartPos = overrides.StartPos
	}
}

// Redacted returns a copy of the PGConfig with the password masked, for
// logging.
func (c PGConfig) Redacted() PGConfig {
	c.Password = redact(c.Password)
	return c
}

// Redacted returns a copy of the MySQLConfig with the password masked.
func (c MySQLConfig) Redacted() MySQLConfig {
	c.Password = redact(c.Password)
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***REDACTED***"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR_NAME} patterns in a YAML document's bytes with
// environment variable values, mirroring the teacher's substituteEnvVars —
// useful when PGConfig/MySQLConfig values are loaded from a YAML file by
// the embedding application before being passed to LoadPG/LoadMySQL.
func ExpandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}
