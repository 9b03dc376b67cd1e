// File: internal/busd/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Config is the busd process config file, loaded the way dh-cli loads its
// own TOML config (os.ReadFile + toml.Unmarshal, zero-value defaults when
// the file is absent) and then layered into a control.ConfigStore so the
// running daemon can serve a live snapshot and react to SIGUSR1 reloads.

package busd

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/momentics/busd/control"
)

// Config is the on-disk shape of --proc-conf.
type Config struct {
	BusShmKey      string   `toml:"bus_shm_key"`
	ShmSize        int64    `toml:"shm_size"`
	BusShmSize     int64    `toml:"bus_shm_size"`
	ListenPort     int      `toml:"listen_port"`
	MsgPerRun      int      `toml:"msg_per_run"`
	ReportInterval Duration `toml:"report_interval"`
	KVServers      []string `toml:"kv_servers"`
	LogLevel       string   `toml:"log_level"`
}

// Duration wraps time.Duration so TOML carries it as a plain string
// ("5s", "200ms") rather than a raw integer of ambiguous unit.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for go-toml/v2.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("busd: config: bad duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) asDuration() time.Duration { return time.Duration(d) }

// defaultConfig matches the spec's stated defaults (msg_per_run=200, etc).
func defaultConfig() Config {
	return Config{
		BusShmKey:      "busd",
		ShmSize:        16 * 1024 * 1024,
		BusShmSize:     64 * 1024 * 1024,
		ListenPort:     7900,
		MsgPerRun:      200,
		ReportInterval: Duration(5 * time.Second),
		LogLevel:       "info",
	}
}

// LoadConfig reads path, merging onto defaultConfig(); a missing file is
// not an error, matching dh-cli's Load().
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("busd: config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("busd: config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// NewConfigStore snapshots cfg into a control.ConfigStore for live
// observation/hot-reload by the rest of the daemon.
func NewConfigStore(cfg Config) *control.ConfigStore {
	cs := control.NewConfigStore()
	cs.SetConfig(map[string]any{
		"bus_shm_key":     cfg.BusShmKey,
		"shm_size":        cfg.ShmSize,
		"bus_shm_size":    cfg.BusShmSize,
		"listen_port":     cfg.ListenPort,
		"msg_per_run":     cfg.MsgPerRun,
		"report_interval": cfg.ReportInterval.asDuration().String(),
		"kv_servers":      cfg.KVServers,
		"log_level":       cfg.LogLevel,
	})
	return cs
}
