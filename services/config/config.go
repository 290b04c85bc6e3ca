// Package config loads the TOML configuration of a link deployment and
// publishes it onto the bus.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"modemlink-go/bus"
	"modemlink-go/logging"
	"modemlink-go/services/link"
	"modemlink-go/services/modemsim"
	"modemlink-go/services/shmfifo"
	"modemlink-go/types"
)

const configPrefix = "config"

// Duration is a time.Duration written as a string ("6s", "10ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type LinkSection struct {
	ResetMode       string   `toml:"reset_mode"`
	StuckTimeout    Duration `toml:"stuck_timeout"`
	FIFOFullTimeout Duration `toml:"fifo_full_timeout"`
	IdleCheck       Duration `toml:"idle_check"`
	QueueDepth      int      `toml:"queue_depth"`
	MaxMessage      int      `toml:"max_message"`
}

type FIFOSection struct {
	CommonSize int `toml:"common_size"`
	AudioSize  int `toml:"audio_size"`
}

type LogSection struct {
	Level     string `toml:"level"`
	JSON      bool   `toml:"json"`
	Timestamp bool   `toml:"timestamp"`
	NoColor   bool   `toml:"no_color"`
}

type BusSection struct {
	QueueLen int `toml:"queue_len"`
}

type SimSection struct {
	ResetDelay      Duration `toml:"reset_delay"`
	SleepAfter      Duration `toml:"sleep_after"`
	BootConfig      uint32   `toml:"boot_config"`
	BootVersion     uint32   `toml:"boot_version"`
	TrafficInterval Duration `toml:"traffic_interval"`
}

type Config struct {
	Link LinkSection `toml:"link"`
	FIFO FIFOSection `toml:"fifo"`
	Log  LogSection  `toml:"log"`
	Bus  BusSection  `toml:"bus"`
	Sim  SimSection  `toml:"sim"`
}

func Default() Config {
	lc := link.DefaultConfig()
	fc := shmfifo.DefaultConfig()
	sc := modemsim.DefaultConfig()
	return Config{
		Link: LinkSection{
			ResetMode:       lc.ResetMode.String(),
			StuckTimeout:    Duration{lc.StuckTimeout},
			FIFOFullTimeout: Duration{lc.FIFOFullTimeout},
			IdleCheck:       Duration{lc.IdleCheck},
			QueueDepth:      lc.QueueDepth,
			MaxMessage:      lc.MaxMessage,
		},
		FIFO: FIFOSection{CommonSize: fc.CommonSize, AudioSize: fc.AudioSize},
		Log:  LogSection{Level: "info", Timestamp: true},
		Bus:  BusSection{QueueLen: 64},
		Sim: SimSection{
			ResetDelay:      Duration{sc.ResetDelay},
			SleepAfter:      Duration{sc.SleepAfter},
			BootConfig:      sc.Boot.Config,
			BootVersion:     sc.Boot.Version,
			TrafficInterval: Duration{time.Second},
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(doc, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkUndecoded(meta toml.MetaData) error {
	keys := meta.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

func powerOfTwo(n int) bool { return n >= 4 && n&(n-1) == 0 }

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if _, e := link.ParseResetMode(c.Link.ResetMode); e != nil {
		err = multierr.Append(err, e)
	}
	for name, d := range map[string]Duration{
		"link.stuck_timeout":     c.Link.StuckTimeout,
		"link.fifo_full_timeout": c.Link.FIFOFullTimeout,
		"link.idle_check":        c.Link.IdleCheck,
		"sim.reset_delay":        c.Sim.ResetDelay,
		"sim.sleep_after":        c.Sim.SleepAfter,
		"sim.traffic_interval":   c.Sim.TrafficInterval,
	} {
		if d.Duration <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Link.FIFOFullTimeout.Duration >= c.Link.StuckTimeout.Duration {
		err = multierr.Append(err, errors.New("link.fifo_full_timeout must be shorter than link.stuck_timeout"))
	}
	if c.Link.QueueDepth <= 0 {
		err = multierr.Append(err, errors.New("link.queue_depth must be positive"))
	}
	if c.Link.MaxMessage <= 0 || c.Link.MaxMessage > shmfifo.MaxPayload {
		err = multierr.Append(err, fmt.Errorf("link.max_message must be in (0, %d]", shmfifo.MaxPayload))
	}
	if !powerOfTwo(c.FIFO.CommonSize) {
		err = multierr.Append(err, fmt.Errorf("fifo.common_size %d is not a power of two", c.FIFO.CommonSize))
	}
	if !powerOfTwo(c.FIFO.AudioSize) {
		err = multierr.Append(err, fmt.Errorf("fifo.audio_size %d is not a power of two", c.FIFO.AudioSize))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		err = multierr.Append(err, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	if c.Bus.QueueLen <= 0 {
		err = multierr.Append(err, errors.New("bus.queue_len must be positive"))
	}
	return err
}

func (c Config) LinkConfig() (link.Config, error) {
	mode, err := link.ParseResetMode(c.Link.ResetMode)
	if err != nil {
		return link.Config{}, err
	}
	return link.Config{
		ResetMode:       mode,
		StuckTimeout:    c.Link.StuckTimeout.Duration,
		FIFOFullTimeout: c.Link.FIFOFullTimeout.Duration,
		IdleCheck:       c.Link.IdleCheck.Duration,
		QueueDepth:      c.Link.QueueDepth,
		MaxMessage:      c.Link.MaxMessage,
	}, nil
}

func (c Config) FIFOConfig() shmfifo.Config {
	return shmfifo.Config{CommonSize: c.FIFO.CommonSize, AudioSize: c.FIFO.AudioSize}
}

func (c Config) SimConfig() modemsim.Config {
	return modemsim.Config{
		ResetDelay: c.Sim.ResetDelay.Duration,
		SleepAfter: c.Sim.SleepAfter.Duration,
		Boot:       types.BootInfo{Config: c.Sim.BootConfig, Version: c.Sim.BootVersion},
	}
}

// LogConfig overlays the [log] section on the runtime logging defaults.
func (c Config) LogConfig() logging.Config {
	lc := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		lc.Level = lvl
	}
	lc.JSON = c.Log.JSON
	lc.Timestamp = c.Log.Timestamp
	lc.NoColor = c.Log.NoColor
	return lc
}

// Publish puts every section on config/<section> as a retained message.
func Publish(conn *bus.Connection, c Config) error {
	sections := map[string]any{
		"link": c.Link,
		"fifo": c.FIFO,
		"log":  c.Log,
		"bus":  c.Bus,
		"sim":  c.Sim,
	}
	var err error
	for name, v := range sections {
		err = multierr.Append(err, conn.Publish(conn.NewMessage(bus.T(configPrefix, name), v, true)))
	}
	return err
}
