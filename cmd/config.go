package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"mssql-writer/internal/conn"
	"mssql-writer/internal/errs"
	"mssql-writer/internal/schema"
	"mssql-writer/internal/writer"
)

type Config struct {
	DB     DBConfig      `mapstructure:"db"`
	Retry  RetryConfig   `mapstructure:"retry"`
	TmpDir string        `mapstructure:"tmpDir"`
	Tables []TableConfig `mapstructure:"tables"`
}

type DBConfig struct {
	Host       string    `mapstructure:"host"`
	Port       string    `mapstructure:"port"`
	Instance   string    `mapstructure:"instance"`
	Database   string    `mapstructure:"database"`
	Schema     string    `mapstructure:"schema"`
	User       string    `mapstructure:"user"`
	Password   string    `mapstructure:"password"`
	Collation  string    `mapstructure:"collation"`
	TDSVersion string    `mapstructure:"tdsVersion"` // kept for config compatibility; go-mssqldb negotiates TDS itself
	Encrypt    string    `mapstructure:"encrypt"`
	BCP        BCPConfig `mapstructure:"bcp"`
}

type BCPConfig struct {
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batchSize"`
	CodePage  string        `mapstructure:"codePage"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	Bulk           struct {
		MaxAttempts int `mapstructure:"maxAttempts"`
	} `mapstructure:"bulk"`
}

type TableConfig struct {
	TableID     string       `mapstructure:"tableId"`
	DBName      string       `mapstructure:"dbName"`
	Incremental bool         `mapstructure:"incremental"`
	Export      *bool        `mapstructure:"export"`
	PrimaryKey  []string     `mapstructure:"primaryKey"`
	File        string       `mapstructure:"file"`
	Items       []ItemConfig `mapstructure:"items"`
}

type ItemConfig struct {
	Name     string `mapstructure:"name"`
	DBName   string `mapstructure:"dbName"`
	Type     string `mapstructure:"type"`
	Size     string `mapstructure:"size"`
	Nullable bool   `mapstructure:"nullable"`
	Default  any    `mapstructure:"default"`
}

func setDefaults(v *viper.Viper) {
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{"db.host", "db.instance", "db.database", "db.user", "db.password", "db.collation", "db.tdsVersion", "db.bcp.codePage", "tmpDir"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("db.port", conn.DefaultPort)
	v.SetDefault("db.schema", "dbo")
	v.SetDefault("db.encrypt", "disable")
	v.SetDefault("db.bcp.path", "bcp")
	v.SetDefault("db.bcp.timeout", time.Hour)
	v.SetDefault("db.bcp.batchSize", 50000)
	v.SetDefault("retry.maxAttempts", 3)
	v.SetDefault("retry.initialBackoff", time.Second)
	v.SetDefault("retry.maxBackoff", 30*time.Second)
	v.SetDefault("retry.bulk.maxAttempts", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig decodes the configuration and validates the connection settings.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ConnConfig().Validate(); err != nil {
		return nil, &errs.ConfigurationError{Field: "db", Reason: err.Error()}
	}
	if len(cfg.Tables) == 0 {
		return nil, &errs.ConfigurationError{Field: "tables", Reason: "no tables configured"}
	}
	return cfg, nil
}

func (c *Config) ConnConfig() conn.Config {
	return conn.Config{
		Host:     c.DB.Host,
		Port:     c.DB.Port,
		Instance: c.DB.Instance,
		Database: c.DB.Database,
		User:     c.DB.User,
		Password: c.DB.Password,
		Encrypt:  c.DB.Encrypt,
	}
}

// Backend wires the SQL Server backend from the config.
func (c *Config) Backend(logger *slog.Logger) *writer.MSSQLBackend {
	b := writer.NewMSSQLBackend(c.ConnConfig(), logger)
	b.SQLPolicy = conn.RetryPolicy{
		MaxAttempts:    c.Retry.MaxAttempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
	b.BulkPolicy.MaxAttempts = c.Retry.Bulk.MaxAttempts
	b.BCPPath = c.DB.BCP.Path
	b.BatchSize = c.DB.BCP.BatchSize
	b.Timeout = c.DB.BCP.Timeout
	b.CodePage = c.DB.BCP.CodePage
	b.Collation = c.DB.Collation
	if c.TmpDir != "" {
		b.TmpDir = c.TmpDir
	}
	return b
}

// Descriptors converts the selected tables; an empty filter selects all of them.
// Tables match on tableId or dbName, case-insensitively.
func (c *Config) Descriptors(filter []string) ([]*schema.ExportDescriptor, error) {
	want := make(map[string]bool, len(filter))
	for _, f := range filter {
		want[strings.ToLower(f)] = true
	}

	var out []*schema.ExportDescriptor
	for _, t := range c.Tables {
		if len(want) > 0 && !want[strings.ToLower(t.TableID)] && !want[strings.ToLower(t.DBName)] {
			continue
		}
		d, err := t.Descriptor(c.DB.Schema)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no matching tables found for inputs: %v", filter)
	}
	return out, nil
}

// Descriptor builds and validates the export descriptor of one table.
func (t TableConfig) Descriptor(schemaName string) (*schema.ExportDescriptor, error) {
	name := t.DBName
	if name == "" {
		return nil, &errs.ConfigurationError{Field: "tables[" + t.TableID + "].dbName", Reason: "required"}
	}
	if schemaName != "" && !strings.Contains(name, ".") {
		name = schemaName + "." + name
	}

	d := &schema.ExportDescriptor{
		Table:       name,
		PrimaryKey:  t.PrimaryKey,
		Incremental: t.Incremental,
		SourceFile:  t.File,
		Disabled:    t.Export != nil && !*t.Export,
	}
	for _, it := range t.Items {
		typ, err := schema.ParseLogicalType(it.Type)
		if err != nil {
			return nil, &errs.ConfigurationError{Field: name + "." + it.Name, Reason: err.Error()}
		}
		col := schema.ColumnDefinition{
			SourceName: it.Name,
			Name:       it.DBName,
			Type:       typ,
			Size:       strings.TrimSpace(it.Size),
			Nullable:   it.Nullable,
		}
		if col.Name == "" {
			col.Name = it.Name
		}
		if it.Default != nil {
			def, err := cast.ToStringE(it.Default)
			if err != nil {
				return nil, &errs.ConfigurationError{Field: name + "." + it.Name + ".default", Reason: err.Error()}
			}
			col.Default = &def
		}
		d.Columns = append(d.Columns, col)
	}
	if len(d.Columns) == 0 {
		return nil, &errs.ConfigurationError{Field: name, Reason: "no items configured"}
	}
	if d.Disabled {
		return d, nil
	}
	if t.File == "" {
		return nil, &errs.ConfigurationError{Field: name + ".file", Reason: "required"}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
