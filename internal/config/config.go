// Package config handles command-line, environment and file configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/cellshot/internal/pattern"
)

// Subcommand names.
const (
	CommandRun   = "run"
	CommandStats = "stats"
)

// Global options apply to every subcommand.
type Global struct {
	ID        string `long:"id" env:"SHOT_ID" description:"run name; also names the ledger file <data-dir>/<id>.db"`
	DataDir   string `long:"data-dir" env:"SHOT_DATA_DIR" description:"directory holding ledger files" default:"./data"`
	LogLevel  string `long:"log-level" env:"SHOT_LOG_LEVEL" description:"log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
	LogFormat string `long:"log-format" env:"SHOT_LOG_FORMAT" description:"log format" choice:"json" choice:"text" default:"json"`
}

// Run options drive a load run.
type Run struct {
	Nodes     []string `long:"node" env:"SHOT_NODES" env-delim:"," description:"node RPC URL; repeat for more endpoints, the first also serves the follower and harvester"`
	NodesFile string   `long:"nodes-file" env:"SHOT_NODES_FILE" description:"YAML file listing node RPC URLs"`

	IntervalMs  int     `long:"interval-ms" env:"SHOT_INTERVAL_MS" description:"minimum time between send batches in milliseconds" default:"500"`
	BatchSize   int     `long:"batch-size" env:"SHOT_BATCH_SIZE" description:"outputs fetched per send batch" default:"1000"`
	MaxInFlight int     `long:"max-in-flight" env:"SHOT_MAX_IN_FLIGHT" description:"concurrent send cap" default:"500"`
	MaxSendRate float64 `long:"max-send-rate" env:"SHOT_MAX_SEND_RATE" description:"sends per second; 0 is unlimited" default:"0"`

	SendPattern   string        `long:"send-pattern" env:"SHOT_SEND_PATTERN" description:"send rate schedule; the max send rate is the constant rate, ramp end and spike baseline" choice:"constant" choice:"ramp" choice:"spike" default:"constant"`
	RampStartRate float64       `long:"ramp-start-rate" env:"SHOT_RAMP_START_RATE" description:"ramp starting sends per second" default:"1"`
	RampDuration  time.Duration `long:"ramp-duration" env:"SHOT_RAMP_DURATION" description:"time to reach the max send rate" default:"1m"`
	SpikeRate     float64       `long:"spike-rate" env:"SHOT_SPIKE_RATE" description:"sends per second during a spike"`
	SpikeDuration time.Duration `long:"spike-duration" env:"SHOT_SPIKE_DURATION" description:"length of a spike" default:"5s"`
	SpikeInterval time.Duration `long:"spike-interval" env:"SHOT_SPIKE_INTERVAL" description:"time between spike starts" default:"30s"`

	HarvestRate float64 `long:"harvest-rate" env:"SHOT_HARVEST_RATE" description:"harvest sends per second; 0 is unlimited" default:"0"`

	HighWater    uint64 `long:"high-water" env:"SHOT_HIGH_WATER" description:"pause harvesting while more owned outputs than this are unspent" default:"50000"`
	MaxOutputs   int    `long:"max-outputs" env:"SHOT_MAX_OUTPUTS" description:"cap on owned outputs per harvest; 0 is no cap" default:"0"`
	SafetyMargin uint64 `long:"safety-margin" env:"SHOT_SAFETY_MARGIN" description:"blocks below the tip treated as unsafe" default:"10"`

	SkipBefore *uint64 `long:"skip-before" env:"SHOT_SKIP_BEFORE" description:"first block height the follower records"`
	StealSince *uint64 `long:"steal-since" env:"SHOT_STEAL_SINCE" description:"first block height the harvester scans"`

	SourceLockHash string `long:"source-lock-hash" env:"SHOT_SOURCE_LOCK_HASH" description:"override the source lock hash used for cell queries"`

	HTTPAddr string `long:"http-addr" env:"SHOT_HTTP_ADDR" description:"status API listen address; empty disables it" default:":13001"`
}

// Stats options print one reconcile report.
type Stats struct {
	Window uint64 `long:"window" env:"SHOT_WINDOW" description:"trailing window in blocks" default:"50"`
}

type options struct {
	Global
	Run   Run   `command:"run" description:"follow the chain, harvest capacity and send self-transfers"`
	Stats Stats `command:"stats" description:"print one reconcile report of an existing ledger as JSON"`
}

// Config is the parsed configuration of one invocation.
type Config struct {
	Command string
	Global
	Run   Run
	Stats Stats
}

// Load reads an optional .env file, then parses args. Flags take precedence
// over environment variables, which take precedence over the .env file. A
// help request is returned as a *flags.Error of type flags.ErrHelp.
func Load(args []string, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Global: opts.Global,
		Run:    opts.Run,
		Stats:  opts.Stats,
	}
	if parser.Active != nil {
		cfg.Command = parser.Active.Name
	}

	if cfg.Command == CommandRun && cfg.Run.NodesFile != "" {
		nodes, err := LoadNodesFile(cfg.Run.NodesFile)
		if err != nil {
			return nil, err
		}
		cfg.Run.Nodes = append(cfg.Run.Nodes, nodes...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsHelp reports whether err is a help request from Load.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

// LoadNodesFile reads a YAML list of node URLs.
func LoadNodesFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading nodes file: %w", err)
	}
	var nodes []string
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parsing nodes file %s: %w", path, err)
	}
	return nodes, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(c.ID, `/\`) || c.ID == "." || c.ID == ".." {
		return fmt.Errorf("id %q must be a plain file name", c.ID)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}

	switch c.Command {
	case CommandRun:
		return c.Run.Validate()
	case CommandStats:
		return nil
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
}

// Validate validates the run options.
func (r *Run) Validate() error {
	if len(r.Nodes) == 0 {
		return fmt.Errorf("at least one node is required (--node or --nodes-file)")
	}
	for _, n := range r.Nodes {
		u, err := url.Parse(n)
		if err != nil {
			return fmt.Errorf("node %q: %w", n, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("node %q: scheme must be http or https", n)
		}
		if u.Host == "" {
			return fmt.Errorf("node %q: missing host", n)
		}
	}
	if r.IntervalMs <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if r.MaxInFlight <= 0 {
		return fmt.Errorf("max in flight must be positive")
	}
	if r.MaxSendRate < 0 {
		return fmt.Errorf("max send rate cannot be negative")
	}
	if r.SendPattern != "" && r.SendPattern != "constant" {
		if r.MaxSendRate <= 0 {
			return fmt.Errorf("send pattern %s needs a max send rate", r.SendPattern)
		}
		if _, err := r.Pattern(); err != nil {
			return err
		}
	}
	if r.HarvestRate < 0 {
		return fmt.Errorf("harvest rate cannot be negative")
	}
	if r.HighWater == 0 {
		return fmt.Errorf("high water must be positive")
	}
	return nil
}

// Pattern builds the send rate schedule.
func (r *Run) Pattern() (pattern.Pattern, error) {
	name := pattern.Name(r.SendPattern)
	if name == "" {
		name = pattern.Constant
	}
	return pattern.NewRegistry().Get(name, pattern.Config{
		Rate:          r.MaxSendRate,
		RampStart:     r.RampStartRate,
		RampDuration:  r.RampDuration,
		SpikeRate:     r.SpikeRate,
		SpikeDuration: r.SpikeDuration,
		SpikeInterval: r.SpikeInterval,
	})
}

// Interval returns the minimum time between send batches.
func (r *Run) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// DBPath returns the ledger file of the run.
func (g *Global) DBPath() string {
	return filepath.Join(g.DataDir, g.ID+".db")
}

// NewLogger builds the process logger writing to w.
func (g *Global) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if g.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
