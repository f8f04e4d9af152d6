package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kstaniek/go-loshark/internal/logging"
)

type appConfig struct {
	backend         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	exclusive       bool
	usbVID          string
	usbPID          string
	usbConfig       int
	usbInterface    int
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	allowOrigins    string
	wsPing          time.Duration
	httpTimeout     time.Duration
	reqTimeout      time.Duration
	listTimeout     time.Duration
	txQueue         int
	autoConnect     bool
	autoOpen        bool
	reconnectMin    time.Duration
	reconnectMax    time.Duration
	mdnsEnable      bool
	mdnsName        string
	configFile      string
}

const envPrefix = "LOSHARK_"

// newFlagSet binds every option of c to a flag. Environment variables and the
// config file are applied through the same flags, keyed by flag name.
func newFlagSet(c *appConfig, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("loshark-server", flag.ContinueOnError)
	fs.StringVar(&c.backend, "backend", "serial", "Device backend: serial|usb")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyACM0", "Serial device path")
	fs.IntVar(&c.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read poll interval")
	fs.BoolVar(&c.exclusive, "serial-exclusive", true, "Take an exclusive lock on the serial device")
	fs.StringVar(&c.usbVID, "usb-vid", "a108", "USB vendor id (hex)")
	fs.StringVar(&c.usbPID, "usb-pid", "", "USB product id (hex); empty matches any")
	fs.IntVar(&c.usbConfig, "usb-config", 1, "USB configuration number")
	fs.IntVar(&c.usbInterface, "usb-interface", 5, "USB interface number")
	fs.StringVar(&c.listenAddr, "listen", ":8080", "HTTP API listen address")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Dedicated metrics listen address (e.g., :9100); empty serves /metrics on the API only")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 256, "Per-subscriber event buffer")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous event subscribers (0 = unlimited)")
	fs.StringVar(&c.allowOrigins, "allow-origins", "", "Comma separated CORS origins; empty disables CORS")
	fs.DurationVar(&c.wsPing, "ws-ping-interval", 20*time.Second, "Websocket ping interval")
	fs.DurationVar(&c.httpTimeout, "http-timeout", 10*time.Second, "Upper bound for one API request")
	fs.DurationVar(&c.reqTimeout, "request-timeout", 500*time.Millisecond, "Device watchdog window")
	fs.DurationVar(&c.listTimeout, "list-timeout", 2*time.Second, "Device watchdog window for listprop")
	fs.IntVar(&c.txQueue, "tx-queue", 64, "Outbound frame queue depth")
	fs.BoolVar(&c.autoConnect, "auto-connect", true, "Connect to the device at startup")
	fs.BoolVar(&c.autoOpen, "auto-open", false, "Open the modem after every connect")
	fs.DurationVar(&c.reconnectMin, "reconnect-min", 20*time.Millisecond, "Initial reconnect backoff")
	fs.DurationVar(&c.reconnectMax, "reconnect-max", 5*time.Second, "Reconnect backoff cap")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement of the API")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default loshark-<hostname>)")
	fs.StringVar(&c.configFile, "config", "", "TOML config file; keys are flag names with '_' or '-'")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// loadConfig parses args and layers the config file and LOSHARK_* variables
// beneath explicitly set flags: flag > env > file > default.
func loadConfig(args []string, lookupEnv func(string) (string, bool)) (*appConfig, bool, error) {
	cfg := &appConfig{}
	var showVersion bool
	fs := newFlagSet(cfg, &showVersion)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if showVersion {
		return cfg, true, nil
	}

	if _, ok := set["config"]; !ok {
		if v, ok := lookupEnv(envName("config")); ok && strings.TrimSpace(v) != "" {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		if err := applyFile(fs, cfg.configFile, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(fs, set, lookupEnv); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := loadConfig(os.Args[1:], os.LookupEnv)
	if errors.Is(err, flag.ErrHelp) {
		var dummy bool
		fs := newFlagSet(&appConfig{}, &dummy)
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
		return nil, false
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, false
	}
	return cfg, showVersion
}

// applyEnvOverrides sets each flag not given on the command line from its
// LOSHARK_* variable. Empty values are ignored.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookupEnv func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		if _, ok := set[f.Name]; ok {
			return
		}
		v, ok := lookupEnv(envName(f.Name))
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

// applyFile loads a TOML file of flag values. Unknown keys are an error.
func applyFile(fs *flag.FlagSet, path string, set map[string]struct{}) error {
	raw := map[string]any{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ReplaceAll(k, "_", "-")
		if name == "config" || name == "version" || fs.Lookup(name) == nil {
			return fmt.Errorf("config %s: unknown key %q", path, k)
		}
		if _, ok := set[name]; ok {
			continue
		}
		if err := fs.Set(name, tomlString(raw[k])); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, k, err)
		}
	}
	return nil
}

func tomlString(v any) string {
	switch x := v.(type) {
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(x)
	}
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	switch c.backend {
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial device required")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return errors.New("serial-read-timeout must be > 0")
		}
	case "usb":
		if _, err := parseUSBID(c.usbVID); err != nil || c.usbVID == "" {
			return fmt.Errorf("invalid usb-vid: %q", c.usbVID)
		}
		if _, err := parseUSBID(c.usbPID); err != nil {
			return fmt.Errorf("invalid usb-pid: %q", c.usbPID)
		}
		if c.usbConfig <= 0 || c.usbInterface < 0 {
			return errors.New("usb-config must be > 0 and usb-interface >= 0")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.reqTimeout <= 0 || c.listTimeout <= 0 || c.httpTimeout <= 0 || c.wsPing <= 0 {
		return errors.New("timeouts must be > 0")
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.reconnectMin <= 0 || c.reconnectMax < c.reconnectMin {
		return fmt.Errorf("reconnect backoff must satisfy 0 < min <= max (got %v, %v)", c.reconnectMin, c.reconnectMax)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// parseUSBID parses a 16-bit hex id with optional 0x prefix. Empty is 0.
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func (c *appConfig) origins() []string {
	var out []string
	for _, o := range strings.Split(c.allowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
