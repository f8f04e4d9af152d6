package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) { v, ok := m[k]; return v, ok }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, showVersion, err := loadConfig(nil, env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if showVersion {
		t.Fatal("showVersion set")
	}
	if cfg.backend != "serial" || cfg.serialDev != "/dev/ttyACM0" || cfg.listenAddr != ":8080" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.reqTimeout != 500*time.Millisecond || cfg.listTimeout != 2*time.Second {
		t.Fatalf("timeouts %v %v", cfg.reqTimeout, cfg.listTimeout)
	}
	if cfg.reconnectMin != 20*time.Millisecond || cfg.reconnectMax != 5*time.Second {
		t.Fatalf("backoff %v %v", cfg.reconnectMin, cfg.reconnectMax)
	}
}

func TestLoadConfig_Version(t *testing.T) {
	_, showVersion, err := loadConfig([]string{"-version", "-log-level", "bogus"}, env(nil))
	if err != nil || !showVersion {
		t.Fatalf("showVersion=%v err=%v", showVersion, err)
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	cfg, _, err := loadConfig(nil, env(map[string]string{
		"LOSHARK_BAUD":                 "230400",
		"LOSHARK_MDNS_ENABLE":          "true",
		"LOSHARK_SERIAL_READ_TIMEOUT":  "100ms",
		"LOSHARK_LOG_METRICS_INTERVAL": "5s",
		"LOSHARK_HUB_POLICY":           "kick",
		"LOSHARK_LISTEN":               "  ",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.baud != 230400 {
		t.Fatalf("expected baud override, got %d", cfg.baud)
	}
	if !cfg.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if cfg.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", cfg.serialReadTO)
	}
	if cfg.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", cfg.logMetricsEvery)
	}
	if cfg.hubPolicy != "kick" {
		t.Fatalf("hub policy %q", cfg.hubPolicy)
	}
	if cfg.listenAddr != ":8080" {
		t.Fatalf("blank env must be ignored, listen=%q", cfg.listenAddr)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	cfg, _, err := loadConfig([]string{"-baud", "9600"}, env(map[string]string{"LOSHARK_BAUD": "230400"}))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.baud != 9600 {
		t.Fatalf("expected baud 9600 got %d", cfg.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	if _, _, err := loadConfig(nil, env(map[string]string{"LOSHARK_HUB_BUFFER": "notint"})); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "loshark.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConfigFile_Precedence(t *testing.T) {
	path := writeFile(t, `
backend = "usb"
usb_pid = "0005"
baud = 57600
request_timeout = "750ms"
allow_origins = ["http://a.local", "http://b.local"]
auto-open = true
hub_buffer = 32
`)
	cfg, _, err := loadConfig(
		[]string{"-config", path, "-hub-buffer", "64"},
		env(map[string]string{"LOSHARK_BAUD": "19200"}),
	)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.backend != "usb" || cfg.usbPID != "0005" || !cfg.autoOpen {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.reqTimeout != 750*time.Millisecond {
		t.Fatalf("request timeout %v", cfg.reqTimeout)
	}
	if cfg.baud != 19200 {
		t.Fatalf("env must beat file, baud=%d", cfg.baud)
	}
	if cfg.hubBuffer != 64 {
		t.Fatalf("flag must beat file, hub-buffer=%d", cfg.hubBuffer)
	}
	if o := cfg.origins(); len(o) != 2 || o[1] != "http://b.local" {
		t.Fatalf("origins %v", o)
	}
}

func TestConfigFile_FromEnvAndUnknownKey(t *testing.T) {
	path := writeFile(t, `listen = "127.0.0.1:9000"`)
	cfg, _, err := loadConfig(nil, env(map[string]string{"LOSHARK_CONFIG": path}))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.listenAddr != "127.0.0.1:9000" {
		t.Fatalf("listen %q", cfg.listenAddr)
	}

	bad := writeFile(t, `no_such_key = 1`)
	if _, _, err := loadConfig([]string{"-config", bad}, env(nil)); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if _, _, err := loadConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")}, env(nil)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func validConfig() *appConfig {
	return &appConfig{
		backend: "serial", serialDev: "/dev/null", baud: 115200, serialReadTO: 10 * time.Millisecond,
		usbVID: "a108", usbConfig: 1, usbInterface: 5,
		logFormat: "text", logLevel: "info", hubBuffer: 8, hubPolicy: "drop",
		reqTimeout: time.Second, listTimeout: time.Second, httpTimeout: time.Second, wsPing: time.Second,
		txQueue: 8, reconnectMin: time.Millisecond, reconnectMax: time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := validConfig()
	c.backend = "usb"
	c.usbPID = "0x0005"
	if err := c.validate(); err != nil {
		t.Fatalf("usb: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"noSerial", func(c *appConfig) { c.serialDev = "" }},
		{"badVID", func(c *appConfig) { c.backend = "usb"; c.usbVID = "zz" }},
		{"emptyVID", func(c *appConfig) { c.backend = "usb"; c.usbVID = "" }},
		{"badPID", func(c *appConfig) { c.backend = "usb"; c.usbPID = "10000" }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badReqTO", func(c *appConfig) { c.reqTimeout = 0 }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = 0 }},
		{"badBackoff", func(c *appConfig) { c.reconnectMax = 0 }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseUSBID(t *testing.T) {
	for in, want := range map[string]uint16{"a108": 0xa108, "0xA108": 0xa108, "": 0, " 5 ": 5} {
		got, err := parseUSBID(in)
		if err != nil || got != want {
			t.Errorf("parseUSBID(%q)=%x,%v want %x", in, got, err, want)
		}
	}
}
