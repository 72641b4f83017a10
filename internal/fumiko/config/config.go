// Package config loads Fumiko's configuration from an optional YAML file
// overlaid with environment variables.  Environment always wins, so a
// containerized deployment can ship a baseline file and inject credentials
// at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/fumiko/common/environment"
)

// Config is the full process configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the audit log and Matrix
	// sync state.
	DatabasePath string `yaml:"database_path"`

	// AuditCSVPath is the flat audit trail file.
	AuditCSVPath string `yaml:"audit_csv_path"`

	// HTTPAddr enables the health/status HTTP server when non-empty
	// (e.g. ":8080").
	HTTPAddr string `yaml:"http_addr"`

	Matrix     MatrixConfig     `yaml:"matrix"`
	Drive      DriveConfig      `yaml:"drive"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// MatrixConfig configures the chat transport.
type MatrixConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Rooms       []string `yaml:"rooms"`
	// AuditRoom receives operator notices for destructive operations.
	// Empty disables them.
	AuditRoom string `yaml:"audit_room"`
}

// DriveConfig configures the file-store client.
type DriveConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// SummarizerConfig configures the SUMMARY command backend.  An empty APIKey
// disables summaries.
type SummarizerConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// LimitsConfig tunes the safety layer.  Zero values take the package
// defaults (30 commands/hour, 5 minute confirmation TTL).
type LimitsConfig struct {
	RateLimit  int      `yaml:"rate_limit"`
	RateWindow Duration `yaml:"rate_window"`
	ConfirmTTL Duration `yaml:"confirm_ttl"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string ("90s", "5m") or an
// integer number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DatabasePath: "./fumiko.db",
		AuditCSVPath: "./fumiko-audit.csv",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Env-only configuration is fine.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on top of the file values.
func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("DATABASE_PATH", c.DatabasePath)
	c.AuditCSVPath = environment.StringOr("AUDIT_CSV_PATH", c.AuditCSVPath)
	c.HTTPAddr = environment.StringOr("HTTP_ADDR", c.HTTPAddr)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", c.Matrix.Rooms)
	c.Matrix.AuditRoom = environment.StringOr("MATRIX_AUDIT_ROOM", c.Matrix.AuditRoom)

	c.Drive.BaseURL = environment.StringOr("DRIVE_BASE_URL", c.Drive.BaseURL)
	c.Drive.Token = environment.StringOr("DRIVE_TOKEN", c.Drive.Token)

	c.Summarizer.APIKey = environment.StringOr("SUMMARIZER_API_KEY", c.Summarizer.APIKey)
	c.Summarizer.Endpoint = environment.StringOr("SUMMARIZER_ENDPOINT", c.Summarizer.Endpoint)
	c.Summarizer.Model = environment.StringOr("SUMMARIZER_MODEL", c.Summarizer.Model)

	c.Limits.RateLimit = environment.IntOr("RATE_LIMIT", c.Limits.RateLimit)
	c.Limits.RateWindow = Duration(environment.DurationOr("RATE_WINDOW", c.Limits.RateWindow.Std()))
	c.Limits.ConfirmTTL = Duration(environment.DurationOr("CONFIRM_TTL", c.Limits.ConfirmTTL.Std()))
}

// Validate checks that the required fields are present and well-formed.
func (c *Config) Validate() error {
	var problems []string

	if c.Matrix.Homeserver == "" {
		problems = append(problems, "matrix.homeserver (MATRIX_HOMESERVER) is required")
	}
	if c.Matrix.UserID == "" {
		problems = append(problems, "matrix.user_id (MATRIX_USER_ID) is required")
	} else if !strings.HasPrefix(c.Matrix.UserID, "@") {
		problems = append(problems, "matrix.user_id must be a full Matrix ID (@user:server)")
	}
	if c.Matrix.AccessToken == "" {
		problems = append(problems, "matrix.access_token (MATRIX_ACCESS_TOKEN) is required")
	}
	if len(c.Matrix.Rooms) == 0 {
		problems = append(problems, "matrix.rooms (MATRIX_ROOMS) must list at least one room")
	}
	if c.Drive.BaseURL == "" {
		problems = append(problems, "drive.base_url (DRIVE_BASE_URL) is required")
	}
	if c.Drive.Token == "" {
		problems = append(problems, "drive.token (DRIVE_TOKEN) is required")
	}
	if c.DatabasePath == "" {
		problems = append(problems, "database_path must not be empty")
	}
	if c.Limits.RateLimit < 0 {
		problems = append(problems, "limits.rate_limit must not be negative")
	}
	if c.Limits.RateWindow < 0 || c.Limits.ConfirmTTL < 0 {
		problems = append(problems, "limits durations must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
