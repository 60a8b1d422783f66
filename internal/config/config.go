// Package config provides configuration loading, validation, and
// hot-reload for the supervisor daemon.
//
// Configuration file: /etc/gocapcom/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml and log the result.
//     The running process applies none of the new values; the same
//     SIGHUP starts a tableflip binary upgrade, and the new process
//     loads the file from scratch at startup.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Subsystem names must be unique and non-empty.
//   - Every dependency edge must name a subsystem defined elsewhere in
//     the file (the registry itself additionally rejects cycles, since
//     that check requires the fully built graph).
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dloman/gocapcom/internal/process"
	"github.com/dloman/gocapcom/internal/registry"
	"github.com/dloman/gocapcom/internal/subsystem"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X;
// otherwise they keep the values below.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultLedgerPath is the default audit-ledger database location.
const DefaultLedgerPath = "/var/lib/gocapcom/ledger.db"

// Config is the root configuration structure for the supervisor daemon.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this supervisor node. Logged at
	// startup.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Subsystems is the full set of subsystem descriptors this daemon
	// supervises.
	Subsystems []SubsystemConfig `yaml:"subsystems"`

	// Ledger configures the bbolt-backed audit trail.
	Ledger LedgerConfig `yaml:"ledger"`

	// Observability configures the Prometheus metrics endpoint.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator override Unix socket.
	Operator OperatorConfig `yaml:"operator"`

	// StatusFeed configures the live status websocket endpoint.
	StatusFeed StatusFeedConfig `yaml:"status_feed"`

	// Umbilical configures the launch-agent RPC client shared by every
	// subsystem.
	Umbilical UmbilicalConfig `yaml:"umbilical"`
}

// SubsystemConfig is one subsystem descriptor as read from YAML.
type SubsystemConfig struct {
	// Name uniquely identifies this subsystem.
	Name string `yaml:"name"`

	// RestartPolicy is one of "automatic", "manual", "process_only".
	// Default: automatic.
	RestartPolicy string `yaml:"restart_policy"`

	// Critical marks this subsystem as triggering an emergency abort of
	// the whole daemon if it reaches Broken. Default: false.
	Critical bool `yaml:"critical"`

	// MaxRestarts caps the number of restart attempts before a
	// subsystem gives up and goes Broken. Default: 5.
	MaxRestarts int `yaml:"max_restarts"`

	// Children names the subsystems this one depends on: a parent goes
	// Online only once every child reports Online.
	Children []string `yaml:"children"`

	// Processes is the set of processes this subsystem launches.
	Processes []ProcessConfig `yaml:"processes"`

	// Timeouts. Zero means the corresponding wait has no time limit.
	// ConnectTimeout is carried into subsystem.Config but not read by the
	// subsystem state machine.
	ChildrenTimeout time.Duration `yaml:"children_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	LaunchTimeout   time.Duration `yaml:"launch_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// ProcessConfig is one process descriptor as read from YAML.
type ProcessConfig struct {
	Name string `yaml:"name"`

	// Variant is one of "static", "zygote", "virtual". Default: static.
	Variant string `yaml:"variant"`

	Compute string `yaml:"compute"`

	Executable string   `yaml:"executable"`
	Argv       []string `yaml:"argv"`
	Env        []string `yaml:"env"`

	// Virtual-only.
	ZygoteName string `yaml:"zygote_name"`
	Module     string `yaml:"module"`
	EntryPoint string `yaml:"entry_point"`

	User        string `yaml:"user"`
	Group       string `yaml:"group"`
	Cgroup      string `yaml:"cgroup"`
	Telemetry   bool   `yaml:"telemetry"`
	Interactive bool   `yaml:"interactive"`
	Oneshot     bool   `yaml:"oneshot"`
	Critical    bool   `yaml:"critical"`
	Notify      bool   `yaml:"notify"`
	MaxRestarts int    `yaml:"max_restarts"`

	LaunchTimeout time.Duration `yaml:"launch_timeout"`
	StopGraceSec  int32         `yaml:"stop_grace_sec"`
	StopKillSec   int32         `yaml:"stop_kill_sec"`
}

// LedgerConfig holds bbolt audit-trail parameters.
type LedgerConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/gocapcom/ledger.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the audit-trail retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator Unix socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for operator commands.
	// Permissions: 0600, owned by root. Default: /run/gocapcom/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// StatusFeedConfig holds the live status websocket parameters.
type StatusFeedConfig struct {
	// Addr is the websocket HTTP bind address. Default: 127.0.0.1:9092.
	Addr string `yaml:"addr"`

	// Enabled controls whether the status feed is started. Default: true.
	Enabled bool `yaml:"enabled"`
}

// UmbilicalConfig holds the launch-agent RPC client parameters shared by
// every subsystem's umbilicals.
type UmbilicalConfig struct {
	// DialTimeout must be at least 1s (checked by Validate). It is not
	// passed to the umbilical dialer: a dial is bounded only by the
	// caller's context. Default: 5s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// TLSCertFile, TLSKeyFile, TLSCAFile configure mutual TLS for the
	// umbilical RPC connection to each compute's launch agent.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	// Computes maps a compute name (as used in process.Config.Compute)
	// to the launch agent's dialable "host:port" address.
	Computes map[string]string `yaml:"computes"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Ledger: LedgerConfig{
			DBPath:        DefaultLedgerPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/gocapcom/operator.sock",
		},
		StatusFeed: StatusFeedConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9092",
		},
		Umbilical: UmbilicalConfig{
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if len(cfg.Subsystems) == 0 {
		errs = append(errs, "at least one subsystem must be configured")
	}

	names := make(map[string]struct{}, len(cfg.Subsystems))
	for _, sc := range cfg.Subsystems {
		if sc.Name == "" {
			errs = append(errs, "subsystem name must not be empty")
			continue
		}
		if _, dup := names[sc.Name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate subsystem name %q", sc.Name))
		}
		names[sc.Name] = struct{}{}

		if _, err := parseRestartPolicy(sc.RestartPolicy); err != nil {
			errs = append(errs, fmt.Sprintf("subsystem %q: %s", sc.Name, err))
		}
		if len(sc.Processes) == 0 {
			errs = append(errs, fmt.Sprintf("subsystem %q: at least one process must be configured", sc.Name))
		}
		for _, pc := range sc.Processes {
			if pc.Name == "" {
				errs = append(errs, fmt.Sprintf("subsystem %q: process name must not be empty", sc.Name))
			}
			if _, err := parseVariant(pc.Variant); err != nil {
				errs = append(errs, fmt.Sprintf("subsystem %q, process %q: %s", sc.Name, pc.Name, err))
			}
		}
	}
	for _, sc := range cfg.Subsystems {
		for _, child := range sc.Children {
			if _, ok := names[child]; !ok {
				errs = append(errs, fmt.Sprintf("subsystem %q depends on unknown subsystem %q", sc.Name, child))
			}
		}
	}

	if cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.db_path must not be empty")
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
	}
	if cfg.Umbilical.DialTimeout < time.Second {
		errs = append(errs, fmt.Sprintf("umbilical.dial_timeout must be >= 1s, got %s", cfg.Umbilical.DialTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// parseRestartPolicy converts a restart_policy name to subsystem.RestartPolicy.
func parseRestartPolicy(name string) (subsystem.RestartPolicy, error) {
	switch name {
	case "", "automatic":
		return subsystem.Automatic, nil
	case "manual":
		return subsystem.Manual, nil
	case "process_only":
		return subsystem.ProcessOnly, nil
	default:
		return subsystem.Automatic, fmt.Errorf("restart_policy must be one of automatic, manual, process_only, got %q", name)
	}
}

// parseVariant converts a process variant name to process.Variant.
func parseVariant(name string) (process.Variant, error) {
	switch name {
	case "", "static":
		return process.Static, nil
	case "zygote":
		return process.Zygote, nil
	case "virtual":
		return process.Virtual, nil
	default:
		return process.Static, fmt.Errorf("variant must be one of static, zygote, virtual, got %q", name)
	}
}

// Descriptors converts every validated SubsystemConfig into a
// registry.Descriptor, ready to hand to registry.New. Callers must have
// already validated cfg via Validate (Descriptors does not re-validate
// restart policy or variant names and will panic on a value Validate
// would have rejected, matching the invariant-violation panic style
// used elsewhere in this module).
func (cfg *Config) Descriptors() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(cfg.Subsystems))
	for _, sc := range cfg.Subsystems {
		policy, err := parseRestartPolicy(sc.RestartPolicy)
		if err != nil {
			panic(fmt.Sprintf("config: Descriptors called on unvalidated config: %s", err))
		}

		maxRestarts := sc.MaxRestarts
		if maxRestarts == 0 {
			maxRestarts = 5
		}

		processes := make([]process.Config, 0, len(sc.Processes))
		for _, pc := range sc.Processes {
			variant, err := parseVariant(pc.Variant)
			if err != nil {
				panic(fmt.Sprintf("config: Descriptors called on unvalidated config: %s", err))
			}
			processes = append(processes, process.Config{
				Name:          pc.Name,
				Variant:       variant,
				Compute:       pc.Compute,
				Executable:    pc.Executable,
				Argv:          pc.Argv,
				Env:           pc.Env,
				ZygoteName:    pc.ZygoteName,
				Module:        pc.Module,
				EntryPoint:    pc.EntryPoint,
				User:          pc.User,
				Group:         pc.Group,
				Cgroup:        pc.Cgroup,
				Telemetry:     pc.Telemetry,
				Interactive:   pc.Interactive,
				Oneshot:       pc.Oneshot,
				Critical:      pc.Critical,
				Notify:        pc.Notify,
				MaxRestarts:   pc.MaxRestarts,
				LaunchTimeout: pc.LaunchTimeout,
				StopGraceSec:  pc.StopGraceSec,
				StopKillSec:   pc.StopKillSec,
			})
		}

		out = append(out, registry.Descriptor{
			Config: subsystem.Config{
				Name:            sc.Name,
				RestartPolicy:   policy,
				Critical:        sc.Critical,
				MaxRestarts:     maxRestarts,
				Processes:       processes,
				ChildrenTimeout: sc.ChildrenTimeout,
				ConnectTimeout:  sc.ConnectTimeout,
				LaunchTimeout:   sc.LaunchTimeout,
				StopTimeout:     sc.StopTimeout,
			},
			Children: sc.Children,
		})
	}
	return out
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
