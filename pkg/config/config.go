// Package config loads and validates the stack definition that drives a
// bring-up run: which containers form each tier, how aggressively to
// retry, and where the environment file and run history live.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Mode selects the stack footprint.
type Mode string

const (
	// ModeMini is the minimal stack for small hosts.
	ModeMini Mode = "mini"

	// ModeMax is the full stack including analytics and object storage.
	ModeMax Mode = "max"
)

// Profile selects hardware acceleration for the model server.
type Profile string

const (
	ProfileCPU       Profile = "cpu"
	ProfileGPUNvidia Profile = "gpu-nvidia"
	ProfileGPUAMD    Profile = "gpu-amd"
	ProfileNone      Profile = "none"
)

// Environment selects the network exposure of the stack.
type Environment string

const (
	// EnvironmentPrivate binds services to localhost only.
	EnvironmentPrivate Environment = "private"

	// EnvironmentPublic exposes services through the reverse proxy.
	EnvironmentPublic Environment = "public"
)

// Duration wraps time.Duration for YAML fields written as "5s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ContainerSpec names one container of a tier.
type ContainerSpec struct {
	// Name is the exact container name the runtime assigns.
	Name string `yaml:"name" validate:"required"`

	// Service is the compose service name used in bring-up commands.
	Service string `yaml:"service" validate:"required"`

	// HasHealthcheck selects the readiness probe: containers with a
	// healthcheck gate on "healthy", the rest on "running".
	HasHealthcheck bool `yaml:"has_healthcheck"`
}

// TiersConfig defines the ordered bring-up tiers. Dependencies always
// start, and must be ready, before workloads.
type TiersConfig struct {
	// Dependencies are the stateful backing services.
	Dependencies []ContainerSpec `yaml:"dependencies" validate:"min=1,dive"`

	// Workloads are the user-facing services built on the dependencies.
	Workloads []ContainerSpec `yaml:"workloads" validate:"min=1,dive"`
}

// RetryConfig bounds the remediate-and-retry loop.
type RetryConfig struct {
	// MaxAttempts is the attempt budget per operation, first included.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`
}

// GateConfig controls health gate polling.
type GateConfig struct {
	// Interval is the poll period.
	Interval Duration `yaml:"interval"`

	// Timeout is the overall gate deadline.
	Timeout Duration `yaml:"timeout"`
}

// HistoryConfig controls the run history store.
type HistoryConfig struct {
	// Enabled toggles persistence of runs and attempts.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LoggingConfig mirrors the telemetry logging options in the stack file.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// Config is the full stack definition.
type Config struct {
	// ProjectDir is where the compose files live and commands run.
	ProjectDir string `yaml:"project_dir" validate:"required"`

	// EnvFile is the environment file path, relative to ProjectDir
	// unless absolute.
	EnvFile string `yaml:"env_file"`

	// ComposeFiles are the compose file arguments, in order.
	ComposeFiles []string `yaml:"compose_files" validate:"min=1"`

	// Mode selects the stack footprint.
	Mode Mode `yaml:"mode" validate:"oneof=mini max"`

	// Profile selects hardware acceleration.
	Profile Profile `yaml:"profile" validate:"oneof=cpu gpu-nvidia gpu-amd none"`

	// Environment selects network exposure.
	Environment Environment `yaml:"environment" validate:"oneof=private public"`

	// BuildServices are services rebuilt locally before bring-up.
	BuildServices []string `yaml:"build_services"`

	// RequiredKeys are environment keys the operator must supply by hand.
	// Unlike generated secrets, a missing key here fails validation
	// before any external command runs.
	RequiredKeys []string `yaml:"required_keys"`

	// Tiers defines the bring-up order.
	Tiers TiersConfig `yaml:"tiers"`

	// Retry bounds the retry loop.
	Retry RetryConfig `yaml:"retry"`

	// Gate controls health gate polling.
	Gate GateConfig `yaml:"gate"`

	// History controls run persistence.
	History HistoryConfig `yaml:"history"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the stack definition used when no file is given. It
// mirrors the standard local AI stack layout.
func Default() *Config {
	return &Config{
		ProjectDir:    ".",
		EnvFile:       ".env",
		ComposeFiles:  []string{"docker-compose.yml"},
		Mode:          ModeMini,
		Profile:       ProfileCPU,
		Environment:   EnvironmentPrivate,
		BuildServices: []string{"n8n"},
		Tiers: TiersConfig{
			Dependencies: []ContainerSpec{
				{Name: "localai-postgres-1", Service: "postgres", HasHealthcheck: true},
				{Name: "localai-qdrant-1", Service: "qdrant", HasHealthcheck: false},
			},
			Workloads: []ContainerSpec{
				{Name: "localai-n8n-1", Service: "n8n", HasHealthcheck: true},
				{Name: "localai-webui-1", Service: "webui", HasHealthcheck: false},
			},
		},
		Retry: RetryConfig{MaxAttempts: 3},
		Gate: GateConfig{
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(120 * time.Second),
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "tierup.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads and validates a stack file. Fields absent from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse stack file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Gate.Interval.Std() <= 0 {
		return fmt.Errorf("gate interval must be positive")
	}
	if c.Gate.Timeout.Std() <= 0 {
		return fmt.Errorf("gate timeout must be positive")
	}
	if c.Gate.Interval.Std() >= c.Gate.Timeout.Std() {
		return fmt.Errorf("gate interval %s must be shorter than timeout %s",
			c.Gate.Interval.Std(), c.Gate.Timeout.Std())
	}

	seen := make(map[string]struct{})
	for _, spec := range append(append([]ContainerSpec{}, c.Tiers.Dependencies...), c.Tiers.Workloads...) {
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("container %s appears in more than one tier", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}

	return nil
}

// EnvFilePath returns the absolute environment file path.
func (c *Config) EnvFilePath() string {
	if filepath.IsAbs(c.EnvFile) {
		return c.EnvFile
	}
	return filepath.Join(c.ProjectDir, c.EnvFile)
}

// HistoryPath returns the absolute run history database path. Empty when
// history is disabled.
func (c *Config) HistoryPath() string {
	if !c.History.Enabled {
		return ""
	}
	if filepath.IsAbs(c.History.Path) {
		return c.History.Path
	}
	return filepath.Join(c.ProjectDir, c.History.Path)
}

// SecretKind selects how a generated secret is rendered.
type SecretKind string

const (
	// SecretHex is a 32-byte value hex encoded.
	SecretHex SecretKind = "hex"

	// SecretPassword is a 24-character alphanumeric password.
	SecretPassword SecretKind = "password"
)

// SecretSpec names one credential the environment file must contain.
type SecretSpec struct {
	Key     string
	Kind    SecretKind
	Comment string
}

// RequiredSecrets returns the credentials the mode needs, in the order
// they are appended to the environment file.
func (c *Config) RequiredSecrets() []SecretSpec {
	secrets := []SecretSpec{
		{Key: "POSTGRES_PASSWORD", Kind: SecretPassword, Comment: "# database superuser password"},
		{Key: "N8N_ENCRYPTION_KEY", Kind: SecretHex, Comment: "# workflow credential encryption key"},
		{Key: "JWT_SECRET", Kind: SecretHex, Comment: "# auth token signing key"},
	}
	if c.Mode == ModeMax {
		secrets = append(secrets,
			SecretSpec{Key: "CLICKHOUSE_PASSWORD", Kind: SecretPassword, Comment: "# analytics database password"},
			SecretSpec{Key: "MINIO_ROOT_PASSWORD", Kind: SecretPassword, Comment: "# object storage root password"},
		)
	}
	return secrets
}

// CapacityProfile maps the stack mode to the resource allocation profile.
func (c *Config) CapacityProfile() string {
	if c.Mode == ModeMini {
		return "conservative"
	}
	return "full"
}

// ComposeBase returns the shared prefix of every compose invocation:
// docker compose with each file flag and, when the profile applies, the
// profile flag.
func (c *Config) ComposeBase() []string {
	argv := []string{"docker", "compose"}
	for _, f := range c.ComposeFiles {
		argv = append(argv, "-f", f)
	}
	if c.Profile != ProfileNone {
		argv = append(argv, "--profile", string(c.Profile))
	}
	return argv
}
