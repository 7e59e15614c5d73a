// Package config defines the node's typed configuration (spec §6,
// "Configuration (enumerated)"), loaded from CLI flags, environment
// variables, and an optional TOML file, in the same layering the teacher
// repo's own node configuration uses.
package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// Config is the full set of fields spec §6 enumerates.
type Config struct {
	CreatorNodeEndpoint string `toml:"CreatorNodeEndpoint"`
	SPID                int64  `toml:"SPID"`
	DelegatePrivateKey  string `toml:"DelegatePrivateKey"`

	SnapbackIntervalMS              int `toml:"SnapbackIntervalMS"`
	NodeSyncFileSaveMaxConcurrency  int `toml:"NodeSyncFileSaveMaxConcurrency"`
	SyncMaxUserFailureCountBeforeSkip int `toml:"SyncMaxUserFailureCountBeforeSkip"`
	ExportWindow                     int64 `toml:"ExportWindow"`

	// MaxSyncJobConcurrency bounds how many /sync jobs for *different* users
	// may run at once (spec §4.3/§4.4: "across users, up to max_concurrency
	// may run in parallel"). The per-user lock already serializes jobs for
	// the same user regardless of this value.
	MaxSyncJobConcurrency int `toml:"MaxSyncJobConcurrency"`

	MaxStorageUsedPercent int `toml:"MaxStorageUsedPercent"`
	DevMode               bool `toml:"DevMode"`

	PeerWhitelist []string `toml:"PeerWhitelist"`
	PeerBlacklist []string `toml:"PeerBlacklist"`

	DatabaseURL  string `toml:"DatabaseURL"`
	RedisURL     string `toml:"RedisURL"`
	StorageRoot  string `toml:"StorageRoot"`
	ListenAddr   string `toml:"ListenAddr"`
	LogLevel     string `toml:"LogLevel"`
}

// Default returns the field defaults spec §6 names explicitly; every other
// field is zero-valued until supplied by flag, env, or file.
func Default() Config {
	return Config{
		SnapbackIntervalMS:                60_000,
		NodeSyncFileSaveMaxConcurrency:     10,
		SyncMaxUserFailureCountBeforeSkip: 3,
		ExportWindow:                       10_000,
		MaxSyncJobConcurrency:              100,
		MaxStorageUsedPercent:              95,
		StorageRoot:                        "/var/creator-node/storage",
		ListenAddr:                         ":4000",
		LogLevel:                           "info",
	}
}

// tomlSettings matches Go field names to TOML keys verbatim, mirroring the
// teacher's own node configuration loader.
var tomlSettings = toml.Config{
	NormFieldName: func(_ reflect.Type, key string) string { return key },
	FieldToKey:    func(_ reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) {
			link = fmt.Sprintf(" (see %s)", rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// LoadFile overlays a TOML config file onto cfg.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
}

// Flags is the urfave/cli/v2 flag set backing every Config field, each with
// an EnvVars fallback, matching the teacher's flags-plus-env-plus-TOML
// layering.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "creator-node-endpoint", EnvVars: []string{"CREATOR_NODE_ENDPOINT"}},
		&cli.StringFlag{Name: "delegate-private-key", EnvVars: []string{"DELEGATE_PRIVATE_KEY"}},
		&cli.IntFlag{Name: "snapback-interval-ms", EnvVars: []string{"SNAPBACK_INTERVAL_MS"}, Value: 60_000},
		&cli.IntFlag{Name: "node-sync-file-save-max-concurrency", EnvVars: []string{"NODE_SYNC_FILE_SAVE_MAX_CONCURRENCY"}, Value: 10},
		&cli.IntFlag{Name: "sync-max-user-failure-count-before-skip", EnvVars: []string{"SYNC_MAX_USER_FAILURE_COUNT_BEFORE_SKIP"}, Value: 3},
		&cli.Int64Flag{Name: "export-window", EnvVars: []string{"EXPORT_WINDOW"}, Value: 10_000},
		&cli.IntFlag{Name: "max-sync-job-concurrency", EnvVars: []string{"MAX_SYNC_JOB_CONCURRENCY"}, Value: 100},
		&cli.IntFlag{Name: "max-storage-used-percent", EnvVars: []string{"MAX_STORAGE_USED_PERCENT"}, Value: 95},
		&cli.BoolFlag{Name: "dev-mode", EnvVars: []string{"DEV_MODE"}},
		&cli.StringSliceFlag{Name: "peer-whitelist", EnvVars: []string{"PEER_WHITELIST"}},
		&cli.StringSliceFlag{Name: "peer-blacklist", EnvVars: []string{"PEER_BLACKLIST"}},
		&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}},
		&cli.StringFlag{Name: "redis-url", EnvVars: []string{"REDIS_URL"}},
		&cli.StringFlag{Name: "storage-root", EnvVars: []string{"STORAGE_ROOT"}, Value: "/var/creator-node/storage"},
		&cli.StringFlag{Name: "listen-addr", EnvVars: []string{"LISTEN_ADDR"}, Value: ":4000"},
		&cli.StringFlag{Name: "log-level", EnvVars: []string{"LOG_LEVEL"}, Value: "info"},
		&cli.StringFlag{Name: "config", Usage: "path to an optional TOML config file overlay"},
	}
}

// FromCLIContext builds a Config from parsed flags, then overlays a TOML
// file if --config was given. sp_id has no flag; a file may set SPID, but
// nothing reads Config.SPID: the node's identity is resolved at runtime by
// Identity Bootstrap (spec §4.6).
func FromCLIContext(c *cli.Context) (Config, error) {
	cfg := Config{
		CreatorNodeEndpoint:               c.String("creator-node-endpoint"),
		DelegatePrivateKey:                c.String("delegate-private-key"),
		SnapbackIntervalMS:                c.Int("snapback-interval-ms"),
		NodeSyncFileSaveMaxConcurrency:    c.Int("node-sync-file-save-max-concurrency"),
		SyncMaxUserFailureCountBeforeSkip: c.Int("sync-max-user-failure-count-before-skip"),
		ExportWindow:                      c.Int64("export-window"),
		MaxSyncJobConcurrency:             c.Int("max-sync-job-concurrency"),
		MaxStorageUsedPercent:             c.Int("max-storage-used-percent"),
		DevMode:                           c.Bool("dev-mode"),
		PeerWhitelist:                     c.StringSlice("peer-whitelist"),
		PeerBlacklist:                     c.StringSlice("peer-blacklist"),
		DatabaseURL:                       c.String("database-url"),
		RedisURL:                          c.String("redis-url"),
		StorageRoot:                       c.String("storage-root"),
		ListenAddr:                        c.String("listen-addr"),
		LogLevel:                          c.String("log-level"),
	}

	if path := c.String("config"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the repository assumes hold
// once Config leaves this package.
func (c Config) Validate() error {
	if c.CreatorNodeEndpoint == "" {
		return fmt.Errorf("creator_node_endpoint is required")
	}
	if c.NodeSyncFileSaveMaxConcurrency <= 0 {
		return fmt.Errorf("node_sync_file_save_max_concurrency must be positive")
	}
	if c.ExportWindow <= 0 {
		return fmt.Errorf("export_window must be positive")
	}
	return nil
}
