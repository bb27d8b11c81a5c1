// Package config loads and validates the factoryverse runtime
// configuration. Grounded on the teacher's internal/config/config.go:
// the Duration type, the Load/applyDefaults/normalizePaths/validate
// pipeline, the Clone-on-every-read pattern, and the aggregated
// validation-error style are kept; the Config struct itself is rebuilt
// around this domain (General/Walk/Mine/Craft/Snapshot/Signals/
// Completion/Admin instead of Projects/Providers/Tiers/Workflows/Matrix).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full runtime configuration, one section per SPEC_FULL.md
// §0.2 component.
type Config struct {
	General    General    `toml:"general"`
	Walk       Walk       `toml:"walk"`
	Mine       Mine       `toml:"mine"`
	Craft      Craft      `toml:"craft"`
	Snapshot   Snapshot   `toml:"snapshot"`
	Signals    Signals    `toml:"signals"`
	Completion Completion `toml:"completion"`
	Admin      Admin      `toml:"admin"`
}

// General covers tick-loop and queue knobs (spec.md §4.5/§4.13).
type General struct {
	TickInterval   Duration `toml:"tick_interval"`
	MaxQueueSize   int      `toml:"max_queue_size"`
	MaxPerTick     int      `toml:"max_per_tick"`
	ImmediateMode  bool     `toml:"immediate_mode"`
	StateDBPath    string   `toml:"state_db_path"`
	DiscoveryEvery int64    `toml:"discovery_every_ticks"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"` // "json" or "text"
}

// Walk covers the hysteresis/replanning knobs of agent.walk_to
// (spec.md §4.7, §6.4).
type Walk struct {
	ArriveRadius   float64  `toml:"arrive_radius"`
	Lookahead      int      `toml:"lookahead"`
	ReplanOnStuck  bool     `toml:"replan_on_stuck"`
	MaxReplans     int      `toml:"max_replans"`
	PreferCardinal bool     `toml:"prefer_cardinal"`
	DiagBand       float64  `toml:"diag_band"`
	SnapAxisEps    float64  `toml:"snap_axis_eps"`
	StuckTimeout   Duration `toml:"stuck_timeout"`
}

// Mine covers mine_resource defaults (spec.md §4.8, §6.4).
type Mine struct {
	ReachDistance     float64 `toml:"reach_distance"`
	Emulate           bool    `toml:"emulate"`
	WalkIfUnreachable bool    `toml:"walk_if_unreachable"`
}

// Craft covers agent.crafting.enqueue/cancel defaults (spec.md §4.9).
type Craft struct {
	MaxConcurrentPerAgent int `toml:"max_concurrent_per_agent"`
}

// Snapshot covers the chunked export layer (spec.md §4.10, §6.3).
type Snapshot struct {
	BaseDir       string   `toml:"base_dir"`
	ChunksPerTick int      `toml:"chunks_per_tick"`
	StatusEvery   int64    `toml:"status_every_ticks"`
	DiscoveryEvery int64   `toml:"discovery_every_ticks"`
	InitialDelay  Duration `toml:"initial_delay"`
}

// Signals covers the schema-registry sampler and its sinks (spec.md §4.11).
type Signals struct {
	BaseDir     string `toml:"base_dir"`
	UDPSinkAddr string `toml:"udp_sink_addr"`
}

// Completion covers the async-completion UDP transport (spec.md §4.12, §6.2).
type Completion struct {
	UDPPort int    `toml:"udp_port"`
	UDPHost string `toml:"udp_host"`
}

// Admin covers the net/http admin/RPC surface (SPEC_FULL.md supplemented
// feature, §6.1 envelope).
type Admin struct {
	BindAddress string `toml:"bind_address"`
	AuthToken   string `toml:"auth_token"`
	Enabled     bool   `toml:"enabled"`
}

// Clone returns a deep copy so callers (RWMutexManager) never share
// mutable state across readers.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	return &out
}

// Load reads and validates a factoryverse TOML configuration file, then
// overlays a sibling .env file for the handful of settings that make
// sense as environment overrides (state DB path, completion UDP port).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	normalizePaths(&cfg)
	applyEnvOverlay(&cfg, filepath.Join(filepath.Dir(path), ".env"))

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a factoryverse TOML configuration file.
//
// This mirrors Load but is intentionally named to reflect runtime refresh paths.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}

	cfg, err := Reload(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

// applyEnvOverlay loads FACTORYVERSE_STATE_DB and FACTORYVERSE_UDP_PORT
// from a .env file next to the TOML config, if present. A missing .env is
// not an error — godotenv overlay is opt-in (spec.md §0.2).
func applyEnvOverlay(cfg *Config, envPath string) {
	if _, err := os.Stat(envPath); err != nil {
		return
	}
	_ = godotenv.Load(envPath)

	if v := strings.TrimSpace(os.Getenv("FACTORYVERSE_STATE_DB")); v != "" {
		cfg.General.StateDBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("FACTORYVERSE_UDP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Completion.UDPPort = port
		}
	}
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if cfg.General.TickInterval.Duration == 0 {
		cfg.General.TickInterval.Duration = 20 * time.Millisecond // host simulation tick rate, not a polling interval
	}
	if cfg.General.MaxQueueSize == 0 {
		cfg.General.MaxQueueSize = 10000
	}
	if cfg.General.MaxPerTick == 0 {
		cfg.General.MaxPerTick = 50
	}
	if cfg.General.StateDBPath == "" {
		cfg.General.StateDBPath = "factoryverse-state.sqlite"
	}
	if cfg.General.DiscoveryEvery == 0 {
		cfg.General.DiscoveryEvery = 300
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Walk.ArriveRadius <= 0 {
		cfg.Walk.ArriveRadius = 0.7
	}
	if cfg.Walk.DiagBand <= 0 {
		cfg.Walk.DiagBand = 0.4
	}
	if cfg.Walk.SnapAxisEps <= 0 {
		cfg.Walk.SnapAxisEps = 0.15
	}
	if cfg.Walk.MaxReplans <= 0 {
		cfg.Walk.MaxReplans = 3
	}
	if cfg.Walk.Lookahead <= 0 {
		cfg.Walk.Lookahead = 1
	}
	if cfg.Walk.StuckTimeout.Duration == 0 {
		cfg.Walk.StuckTimeout.Duration = 5 * time.Second
	}
	if !md.IsDefined("walk", "replan_on_stuck") {
		cfg.Walk.ReplanOnStuck = true
	}
	if !md.IsDefined("walk", "prefer_cardinal") {
		cfg.Walk.PreferCardinal = true
	}

	if cfg.Mine.ReachDistance <= 0 {
		cfg.Mine.ReachDistance = 2.5
	}
	if !md.IsDefined("mine", "emulate") {
		cfg.Mine.Emulate = true
	}

	if cfg.Craft.MaxConcurrentPerAgent <= 0 {
		cfg.Craft.MaxConcurrentPerAgent = 1
	}

	if cfg.Snapshot.BaseDir == "" {
		cfg.Snapshot.BaseDir = "script-output/factoryverse"
	}
	if cfg.Snapshot.ChunksPerTick <= 0 {
		cfg.Snapshot.ChunksPerTick = 4
	}
	if cfg.Snapshot.StatusEvery <= 0 {
		cfg.Snapshot.StatusEvery = 60
	}
	if cfg.Snapshot.DiscoveryEvery <= 0 {
		cfg.Snapshot.DiscoveryEvery = cfg.General.DiscoveryEvery
	}

	if cfg.Signals.BaseDir == "" {
		cfg.Signals.BaseDir = filepath.Join(cfg.Snapshot.BaseDir, "signals")
	}

	if cfg.Completion.UDPPort == 0 {
		cfg.Completion.UDPPort = 34202
	}
	if cfg.Completion.UDPHost == "" {
		cfg.Completion.UDPHost = "127.0.0.1"
	}

	if cfg.Admin.BindAddress == "" {
		cfg.Admin.BindAddress = "127.0.0.1:8765"
	}
}

// normalizePaths expands "~" and trims whitespace for configured filesystem paths.
func normalizePaths(cfg *Config) {
	cfg.General.StateDBPath = expandHome(strings.TrimSpace(cfg.General.StateDBPath))
	cfg.Snapshot.BaseDir = expandHome(strings.TrimSpace(cfg.Snapshot.BaseDir))
	cfg.Signals.BaseDir = expandHome(strings.TrimSpace(cfg.Signals.BaseDir))
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func validate(cfg *Config) error {
	validationErr := &ValidationError{}

	if cfg.General.MaxQueueSize <= 0 {
		validationErr.add("general.max_queue_size", "must be positive", "set a bound such as 10000")
	}
	if cfg.General.MaxPerTick <= 0 {
		validationErr.add("general.max_per_tick", "must be positive", "set a per-tick drain cap such as 50")
	}
	if cfg.General.MaxPerTick > cfg.General.MaxQueueSize {
		validationErr.add("general.max_per_tick", "cannot exceed general.max_queue_size", "lower max_per_tick or raise max_queue_size")
	}
	if cfg.General.LogFormat != "json" && cfg.General.LogFormat != "text" {
		validationErr.add("general.log_format", fmt.Sprintf("unknown format %q", cfg.General.LogFormat), `use "json" or "text"`)
	}

	if cfg.Walk.DiagBand <= 0 {
		validationErr.add("walk.diag_band", "must be positive", "try 0.4")
	}
	if cfg.Walk.MaxReplans < 0 {
		validationErr.add("walk.max_replans", "cannot be negative", "use 0 to disable replanning")
	}

	if cfg.Mine.ReachDistance <= 0 {
		validationErr.add("mine.reach_distance", "must be positive", "try 2.5")
	}

	if cfg.Craft.MaxConcurrentPerAgent <= 0 {
		validationErr.add("craft.max_concurrent_per_agent", "must be positive", "use 1 (the runtime does not support concurrent crafts per agent yet)")
	}

	if cfg.Snapshot.ChunksPerTick <= 0 {
		validationErr.add("snapshot.chunks_per_tick", "must be positive", "try 4")
	}

	if cfg.Completion.UDPPort <= 0 || cfg.Completion.UDPPort > 65535 {
		validationErr.add("completion.udp_port", "must be a valid port number", "use 34202")
	}

	if cfg.Admin.Enabled && len(cfg.Admin.AuthToken) < 16 {
		validationErr.add("admin.auth_token", "must be at least 16 characters when admin is enabled", "generate a random token")
	}

	if len(validationErr.Issues) > 0 {
		return validationErr
	}
	return nil
}

// RestartRequired reports whether changing from old to new requires a full
// process restart rather than a hot ConfigManager.Set swap — fields that
// are bound once at process start (listening sockets, the state DB file
// handle) cannot be hot-swapped safely.
func RestartRequired(before, after *Config) bool {
	if before == nil || after == nil {
		return before != after
	}
	return before.General.StateDBPath != after.General.StateDBPath ||
		before.Completion.UDPPort != after.Completion.UDPPort ||
		before.Completion.UDPHost != after.Completion.UDPHost ||
		before.Admin.BindAddress != after.Admin.BindAddress
}

// ValidationIssue is a structured config validation failure.
type ValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ValidationError aggregates config validation failures, grounded on the
// teacher's DispatchValidationError aggregation style.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("config validation failed")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

func (e *ValidationError) add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{
		FieldPath:  fieldPath,
		Message:    message,
		Suggestion: suggestion,
	})
}
