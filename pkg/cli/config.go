/*
Package cli facilitates building command-line applications that broadcast payloads over Bluetooth
LE advertisements. It defines a [Config] type that can be used to register common command-line
flags (using the Golang flag package), environment variable equivalents and a TOML configuration
file.

Settings are resolved with the following precedence: command-line flags, then environment
variables, then the configuration file, then built-in defaults.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the adapter, rotation period, etc.
	flag.Parse()
	if err := config.Load(); err != nil { // Fills in missing fields from the environment and file
		panic(err)
	}
	advConfig, err := config.AdvertiserConfig()

A [Flag] mask controls which settings are exposed. Note that config.Flags must be set before
calling [flag.Parse] or [Config.Load]:

	config, err = NewConfig(FlagScan) // Only registers reassembly settings.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/advertiser"
	"github.com/teslamotors/ble-broadcast/pkg/cache"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/connector/ble"
	"github.com/teslamotors/ble-broadcast/pkg/probe"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
	"github.com/teslamotors/ble-broadcast/pkg/reassembly"
	"github.com/teslamotors/ble-broadcast/pkg/rotation"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvConfigFile        = "BLE_BROADCAST_CONFIG"
	EnvCompanyID         = "BLE_BROADCAST_COMPANY_ID"
	EnvAdapter           = "BLE_BROADCAST_ADAPTER"
	EnvPeriod            = "BLE_BROADCAST_PERIOD"
	EnvMode              = "BLE_BROADCAST_MODE"
	EnvTxPower           = "BLE_BROADCAST_TX_POWER"
	EnvConnectable       = "BLE_BROADCAST_CONNECTABLE"
	EnvFrameOverhead     = "BLE_BROADCAST_FRAME_OVERHEAD"
	EnvProbeTimeout      = "BLE_BROADCAST_PROBE_TIMEOUT"
	EnvProbeDelay        = "BLE_BROADCAST_PROBE_DELAY"
	EnvLegacyOnly        = "BLE_BROADCAST_LEGACY_ONLY"
	EnvBudgetCache       = "BLE_BROADCAST_BUDGET_CACHE"
	EnvBudgetMaxAge      = "BLE_BROADCAST_BUDGET_MAX_AGE"
	EnvReassemblyTimeout = "BLE_BROADCAST_REASSEMBLY_TIMEOUT"
	EnvSweepInterval     = "BLE_BROADCAST_SWEEP_INTERVAL"
	EnvVerbose           = "BLE_BROADCAST_VERBOSE"
)

// DefaultCompanyID is the manufacturer id used when none is configured.
const DefaultCompanyID uint16 = 0x004c

// DefaultBudgetMaxAge is how long a cached frame budget is trusted.
const DefaultBudgetMaxAge = 24 * time.Hour

const budgetCacheEntries = 16

// Flag controls what options should be scanned from the command line, environment variables and
// configuration file.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAdapter   Flag = 1 // Enable adapter selection.
	FlagBroadcast Flag = 2 // Enable company id, rotation and advertising options.
	FlagProbe     Flag = 4 // Enable frame budget probe options.
	FlagScan      Flag = 8 // Enable reassembly options.
	FlagAll       Flag = FlagAdapter | FlagBroadcast | FlagProbe | FlagScan
)

// Config fields determine how a client opens the adapter, broadcasts and reassembles payloads.
type Config struct {
	Flags      Flag // Controls which set of environment variables/CLI flags to use.
	ConfigFile string

	CompanyID     uint16
	AdapterID     string
	Period        time.Duration
	Mode          connector.AdvertiseMode
	TxPower       connector.TxPower
	Connectable   bool
	FrameOverhead int

	ProbeTimeout time.Duration
	ProbeDelay   time.Duration
	LegacyOnly   bool
	// BudgetCache names a file that records probe results so later runs can skip probing.
	BudgetCache  string
	BudgetMaxAge time.Duration

	ReassemblyTimeout time.Duration
	SweepInterval     time.Duration

	Debug bool

	// pinned records settings that a higher precedence source already provided.
	pinned map[string]bool
}

// setting binds a Config field to its flag name, environment variable and TOML key. The TOML key
// is the flag name with dashes replaced by underscores.
type setting struct {
	name    string
	mask    Flag
	env     string
	usage   string
	boolean bool
	get     func(c *Config) string
	set     func(c *Config, value string) error
}

func (s *setting) key() string {
	return strings.ReplaceAll(s.name, "-", "_")
}

func parseDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

func parseBool(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return true, nil
	}
	return strconv.ParseBool(value)
}

func durationSetting(name string, mask Flag, env, usage string, field func(c *Config) *time.Duration) setting {
	return setting{
		name:  name,
		mask:  mask,
		env:   env,
		usage: usage,
		get:   func(c *Config) string { return field(c).String() },
		set: func(c *Config, value string) (err error) {
			*field(c), err = parseDuration(value)
			return
		},
	}
}

func boolSetting(name string, mask Flag, env, usage string, field func(c *Config) *bool) setting {
	return setting{
		name:    name,
		mask:    mask,
		env:     env,
		usage:   usage,
		boolean: true,
		get:     func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, value string) (err error) {
			*field(c), err = parseBool(value)
			return
		},
	}
}

var settings = []setting{
	{
		name:  "company-id",
		mask:  FlagBroadcast,
		env:   EnvCompanyID,
		usage: "Manufacturer `id` carried by every frame",
		get:   func(c *Config) string { return fmt.Sprintf("0x%04x", c.CompanyID) },
		set: func(c *Config, value string) error {
			id, err := strconv.ParseUint(strings.TrimSpace(value), 0, 16)
			if err != nil {
				return fmt.Errorf("%w: '%s'", protocol.ErrInvalidCompanyID, value)
			}
			c.CompanyID = uint16(id)
			return nil
		},
	},
	{
		name:  "adapter",
		mask:  FlagAdapter,
		env:   EnvAdapter,
		usage: "Bluetooth adapter `id`, for example hci1",
		get:   func(c *Config) string { return c.AdapterID },
		set: func(c *Config, value string) error {
			if _, err := ble.ParseAdapterID(value); err != nil {
				return err
			}
			c.AdapterID = strings.TrimSpace(value)
			return nil
		},
	},
	durationSetting("period", FlagBroadcast, EnvPeriod, "Interval between fragment transmissions",
		func(c *Config) *time.Duration { return &c.Period }),
	{
		name:  "mode",
		mask:  FlagBroadcast,
		env:   EnvMode,
		usage: "Advertise `mode` (low_power|balanced|low_latency)",
		get:   func(c *Config) string { return c.Mode.String() },
		set: func(c *Config, value string) (err error) {
			c.Mode, err = connector.ParseAdvertiseMode(strings.TrimSpace(value))
			return
		},
	},
	{
		name:  "tx-power",
		mask:  FlagBroadcast,
		env:   EnvTxPower,
		usage: "Transmit power `level` (ultra_low|low|medium|high)",
		get:   func(c *Config) string { return c.TxPower.String() },
		set: func(c *Config, value string) (err error) {
			c.TxPower, err = connector.ParseTxPower(strings.TrimSpace(value))
			return
		},
	},
	boolSetting("connectable", FlagBroadcast, EnvConnectable, "Advertise as connectable",
		func(c *Config) *bool { return &c.Connectable }),
	{
		name:  "frame-overhead",
		mask:  FlagBroadcast,
		env:   EnvFrameOverhead,
		usage: "`Bytes` reserved in every frame for framing added by the radio",
		get:   func(c *Config) string { return strconv.Itoa(c.FrameOverhead) },
		set: func(c *Config, value string) error {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return err
			}
			if n < 0 {
				return fmt.Errorf("negative frame overhead %d", n)
			}
			c.FrameOverhead = n
			return nil
		},
	},
	durationSetting("probe-timeout", FlagProbe, EnvProbeTimeout, "Time allowed for each probe transmission",
		func(c *Config) *time.Duration { return &c.ProbeTimeout }),
	durationSetting("probe-delay", FlagProbe, EnvProbeDelay, "Pause between probe transmissions",
		func(c *Config) *time.Duration { return &c.ProbeDelay }),
	boolSetting("legacy-only", FlagProbe, EnvLegacyOnly, "Never probe extended advertising frame sizes",
		func(c *Config) *bool { return &c.LegacyOnly }),
	{
		name:  "budget-cache",
		mask:  FlagProbe,
		env:   EnvBudgetCache,
		usage: "Reuse frame budgets probed by earlier runs, stored in `file`",
		get:   func(c *Config) string { return c.BudgetCache },
		set: func(c *Config, value string) error {
			c.BudgetCache = strings.TrimSpace(value)
			return nil
		},
	},
	durationSetting("budget-max-age", FlagProbe, EnvBudgetMaxAge, "Probe again once a cached frame budget is older than this",
		func(c *Config) *time.Duration { return &c.BudgetMaxAge }),
	durationSetting("reassembly-timeout", FlagScan, EnvReassemblyTimeout, "Discard partial messages older than this",
		func(c *Config) *time.Duration { return &c.ReassemblyTimeout }),
	durationSetting("sweep-interval", FlagScan, EnvSweepInterval, "Interval between scans for stale partial messages",
		func(c *Config) *time.Duration { return &c.SweepInterval }),
	boolSetting("debug", 0, EnvVerbose, "Enable verbose debugging messages",
		func(c *Config) *bool { return &c.Debug }),
}

// NewConfig returns a Config populated with default values.
func NewConfig(flags Flag) (*Config, error) {
	options := connector.DefaultOptions()
	return &Config{
		Flags:             flags,
		CompanyID:         DefaultCompanyID,
		Period:            rotation.DefaultPeriod,
		Mode:              options.Mode,
		TxPower:           options.TxPower,
		ProbeTimeout:      probe.DefaultAttemptTimeout,
		ProbeDelay:        probe.DefaultDelay,
		BudgetMaxAge:      DefaultBudgetMaxAge,
		ReassemblyTimeout: reassembly.DefaultTimeout,
		SweepInterval:     reassembly.DefaultSweepInterval,
		pinned:            make(map[string]bool),
	}, nil
}

func (c *Config) enabled(s *setting) bool {
	return c.Flags.isSet(s.mask)
}

// RegisterCommandLineFlags adds flags for the settings enabled by c.Flags to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds flags for the settings enabled by c.Flags to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("config", "Load settings from TOML `file`. Defaults to $"+EnvConfigFile+".", func(value string) error {
		c.ConfigFile = value
		c.pinned["config"] = true
		return nil
	})
	for i := range settings {
		s := &settings[i]
		if !c.enabled(s) {
			continue
		}
		usage := fmt.Sprintf("%s (default %s). Defaults to $%s.", s.usage, s.get(c), s.env)
		fn := func(value string) error {
			if err := s.set(c, value); err != nil {
				return err
			}
			c.pinned[s.name] = true
			return nil
		}
		if s.boolean {
			fs.BoolFunc(s.name, usage, fn)
		} else {
			fs.Func(s.name, usage, fn)
		}
	}
}

// ReadFromEnvironment populates c using environment variables. Values that were set on the
// command line are not overwritten.
//
// Call ReadFromEnvironment after flag.Parse() so that explicit command-line parameters take
// precedence.
func (c *Config) ReadFromEnvironment() error {
	if !c.pinned["config"] {
		if path, ok := os.LookupEnv(EnvConfigFile); ok {
			c.ConfigFile = path
			c.pinned["config"] = true
			log.Debug("Set config file to '%s'", path)
		}
	}
	for i := range settings {
		s := &settings[i]
		if !c.enabled(s) || c.pinned[s.name] {
			continue
		}
		value, ok := os.LookupEnv(s.env)
		if !ok {
			continue
		}
		if err := s.set(c, value); err != nil {
			return fmt.Errorf("invalid $%s: %w", s.env, err)
		}
		c.pinned[s.name] = true
		log.Debug("Set %s to '%s'", s.name, s.get(c))
	}
	return nil
}

// LoadFile populates c from a TOML file. Settings already provided by flags or environment
// variables are not overwritten. Keys that do not name a setting are rejected.
func (c *Config) LoadFile(path string) error {
	var raw map[string]interface{}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	known := make(map[string]bool, len(settings))
	for i := range settings {
		known[settings[i].key()] = true
	}
	var unknown []string
	for key := range raw {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("load config: unknown settings %s", strings.Join(unknown, ", "))
	}

	for i := range settings {
		s := &settings[i]
		if !c.enabled(s) || c.pinned[s.name] || !meta.IsDefined(s.key()) {
			continue
		}
		if err := s.set(c, fmt.Sprint(raw[s.key()])); err != nil {
			return fmt.Errorf("parse %s: %w", s.key(), err)
		}
		log.Debug("Set %s to '%s' from %s", s.name, s.get(c), path)
	}
	return nil
}

// Load reads the environment and then, if one is configured, the configuration file.
func (c *Config) Load() error {
	if err := c.ReadFromEnvironment(); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return nil
	}
	return c.LoadFile(c.ConfigFile)
}

// Options returns the advertising options applied to every send.
func (c *Config) Options() connector.Options {
	options := connector.DefaultOptions()
	options.Mode = c.Mode
	options.TxPower = c.TxPower
	options.Connectable = c.Connectable
	return options
}

// AdvertiserConfig converts c into an advertiser configuration.
func (c *Config) AdvertiserConfig() (advertiser.Config, error) {
	if c.CompanyID == 0 {
		return advertiser.Config{}, fmt.Errorf("%w: 0x0000 is reserved", protocol.ErrInvalidCompanyID)
	}
	config := advertiser.DefaultConfig(c.CompanyID)
	config.Period = c.Period
	config.ProbeTimeout = c.ProbeTimeout
	config.ProbeDelay = c.ProbeDelay
	config.PreferExtended = !c.LegacyOnly
	config.FrameOverhead = c.FrameOverhead
	config.ReassemblyTimeout = c.ReassemblyTimeout
	config.SweepInterval = c.SweepInterval
	config.Options = c.Options()
	return config, nil
}

// TransportConfig returns the settings used to open the Bluetooth adapter.
func (c *Config) TransportConfig() ble.Config {
	return ble.Config{
		AdapterID:   c.AdapterID,
		Mode:        c.Mode,
		Connectable: c.Connectable,
	}
}

func (c *Config) budgetCacheKey() string {
	return cache.Key(c.AdapterID, c.CompanyID, c.Connectable, c.LegacyOnly)
}

func (c *Config) loadBudgetCache() (*cache.BudgetCache, error) {
	budgets, err := cache.ImportFromFile(c.BudgetCache)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load budget cache: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		budgets = cache.New(budgetCacheEntries)
	}
	return budgets, nil
}

// ApplyCachedBudget sets config.FrameBudget from c.BudgetCache if it holds a recent probe result
// for the configured adapter. It does nothing if c.BudgetCache is not set.
func (c *Config) ApplyCachedBudget(config *advertiser.Config, now time.Time) error {
	if c.BudgetCache == "" {
		return nil
	}
	log.Debug("Loading budget cache from %s...", c.BudgetCache)
	budgets, err := c.loadBudgetCache()
	if err != nil {
		return err
	}
	if entry, ok := budgets.Get(c.budgetCacheKey(), c.BudgetMaxAge, now); ok {
		log.Debug("Using cached frame budget of %d bytes from %s", entry.FrameBudget, entry.ProbedAt.Format(time.RFC3339))
		config.FrameBudget = entry.FrameBudget
	}
	return nil
}

// UpdateCachedBudget records the frame budget adv measured in c.BudgetCache.
//
// If c.BudgetCache is not set or adv never completed a probe, then this method does nothing.
func (c *Config) UpdateCachedBudget(adv *advertiser.Advertiser, now time.Time) {
	caps := adv.Capabilities()
	if c.BudgetCache == "" || !caps.Probed {
		return
	}
	budgets, err := c.loadBudgetCache()
	if err != nil {
		log.Error("Error updating cache: %s", err)
		return
	}
	budgets.Update(c.budgetCacheKey(), cache.Entry{FrameBudget: caps.FrameBudget, Extended: caps.Extended, ProbedAt: now})
	if err := budgets.ExportToFile(c.BudgetCache); err != nil {
		log.Error("Error updating cache: %s", err)
	}
}
