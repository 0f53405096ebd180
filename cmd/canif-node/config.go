package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/canif"
	"github.com/kstaniek/go-canif/internal/hub"
	"github.com/kstaniek/go-canif/internal/ring"
)

const envPrefix = "CANIF_"

// appConfig is filled from defaults, then the YAML file, then CANIF_*
// environment variables, then explicitly passed flags.
type appConfig struct {
	Backend           string        `yaml:"backend"`
	CANIf             string        `yaml:"can_if"`
	CANLinkUp         bool          `yaml:"can_link_up"`
	Serial            string        `yaml:"serial"`
	Baud              int           `yaml:"baud"`
	SerialReadTimeout time.Duration `yaml:"serial_read_timeout"`

	TxQueue   int    `yaml:"tx_queue"`
	RxQueue   int    `yaml:"rx_queue"`
	TxPolicy  string `yaml:"tx_policy"`
	RxPolicy  string `yaml:"rx_policy"`
	RxAccept  string `yaml:"rx_accept"`
	Mailboxes int    `yaml:"mailboxes"`

	Listen            string        `yaml:"listen"`
	MaxClients        int           `yaml:"max_clients"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ClientReadTimeout time.Duration `yaml:"client_read_timeout"`
	HubBuffer         int           `yaml:"hub_buffer"`
	HubPolicy         string        `yaml:"hub_policy"`

	MetricsAddr        string        `yaml:"metrics_addr"`
	LogFormat          string        `yaml:"log_format"`
	LogLevel           string        `yaml:"log_level"`
	LogFile            string        `yaml:"log_file"`
	LogMetricsInterval time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable         bool          `yaml:"mdns_enable"`
	MDNSName           string        `yaml:"mdns_name"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		Backend:           "socketcan",
		CANIf:             "can0",
		Serial:            "/dev/ttyUSB0",
		Baud:              115200,
		SerialReadTimeout: 50 * time.Millisecond,
		TxQueue:           canif.DefaultTxQueueSize,
		RxQueue:           canif.DefaultRxQueueSize,
		TxPolicy:          ring.Guarded.String(),
		RxPolicy:          ring.Unsynchronized.String(),
		RxAccept:          "auto",
		Mailboxes:         3,
		Listen:            ":20000",
		HandshakeTimeout:  3 * time.Second,
		ClientReadTimeout: 60 * time.Second,
		HubBuffer:         512,
		HubPolicy:         "drop",
		LogFormat:         "text",
		LogLevel:          "info",
	}
}

func (c *appConfig) flagSet(configPath *string, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("canif-node", flag.ContinueOnError)
	fs.StringVar(&c.Backend, "backend", c.Backend, "CAN backend: socketcan|serial|sim")
	fs.StringVar(&c.CANIf, "can-if", c.CANIf, "SocketCAN interface (backend=socketcan)")
	fs.BoolVar(&c.CANLinkUp, "can-link-up", c.CANLinkUp, "Bring the SocketCAN interface up via rtnetlink before opening it")
	fs.StringVar(&c.Serial, "serial", c.Serial, "Serial device path (backend=serial)")
	fs.IntVar(&c.Baud, "baud", c.Baud, "Serial baud rate")
	fs.DurationVar(&c.SerialReadTimeout, "serial-read-timeout", c.SerialReadTimeout, "Serial read timeout")
	fs.IntVar(&c.TxQueue, "tx-queue", c.TxQueue, "Transmit queue slots (usable capacity is one less)")
	fs.IntVar(&c.RxQueue, "rx-queue", c.RxQueue, "Receive queue slots (usable capacity is one less)")
	fs.StringVar(&c.TxPolicy, "tx-policy", c.TxPolicy, "Transmit queue policy: guarded|unsynchronized")
	fs.StringVar(&c.RxPolicy, "rx-policy", c.RxPolicy, "Receive queue policy: guarded|unsynchronized")
	fs.StringVar(&c.RxAccept, "rx-accept", c.RxAccept, "Receive acceptance: auto|std|ext|all (data frames only; auto is ext for serial, std otherwise)")
	fs.IntVar(&c.Mailboxes, "mailboxes", c.Mailboxes, "Emulated transmit mailboxes")
	fs.StringVar(&c.Listen, "listen", c.Listen, "TCP tap listen address; empty disables the tap")
	fs.IntVar(&c.MaxClients, "max-clients", c.MaxClients, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.DurationVar(&c.HandshakeTimeout, "handshake-timeout", c.HandshakeTimeout, "Client handshake timeout")
	fs.DurationVar(&c.ClientReadTimeout, "client-read-timeout", c.ClientReadTimeout, "Per-connection read deadline")
	fs.IntVar(&c.HubBuffer, "hub-buffer", c.HubBuffer, "Per-client hub buffer (messages)")
	fs.StringVar(&c.HubPolicy, "hub-policy", c.HubPolicy, "Backpressure policy: drop|kick")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "Also write logs to this file (rotated)")
	fs.DurationVar(&c.LogMetricsInterval, "log-metrics-interval", c.LogMetricsInterval, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.MDNSEnable, "mdns-enable", c.MDNSEnable, "Advertise the tap over mDNS")
	fs.StringVar(&c.MDNSName, "mdns-name", c.MDNSName, "mDNS instance name (default canif-node-<hostname>)")
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// parseConfig resolves the configuration from args, the environment and an
// optional YAML file. The second result reports -version.
func parseConfig(args []string, lookup func(string) (string, bool), stderr io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	var path string
	var showVersion bool
	fs := cfg.flagSet(&path, &showVersion)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return nil, true, nil
	}
	// Remember explicit flags; file and env must not override them.
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if path == "" {
		if v, ok := lookup(envPrefix + "CONFIG"); ok {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, false, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(fs, explicit, lookup); err != nil {
		return nil, false, err
	}
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return nil, false, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func loadFile(cfg *appConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// envName maps a flag name to its override variable: tx-queue -> CANIF_TX_QUEUE.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not explicitly passed from its CANIF_*
// variable, parsed by the flag's own type. Empty values are ignored.
func applyEnvOverrides(fs *flag.FlagSet, explicit map[string]string, lookup func(string) (string, bool)) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		if _, ok := explicit[f.Name]; ok {
			return
		}
		v, ok := lookup(envName(f.Name))
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" && f.Name != "listen" && f.Name != "metrics-addr" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks values and ranges only; it does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.Backend {
	case "serial", "socketcan", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.Backend)
	}
	if _, err := hub.ParsePolicy(c.HubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %s", c.HubPolicy)
	}
	accept := c.rxAccept()
	if _, err := acceptFilter(accept); err != nil {
		return err
	}
	if c.Backend == "serial" && accept == "std" {
		return errors.New("backend=serial delivers only extended-ID frames; rx-accept=std would drop all of them (use auto, ext or all)")
	}
	txp, err := ring.ParsePolicy(c.TxPolicy)
	if err != nil {
		return fmt.Errorf("invalid tx-policy: %w", err)
	}
	if _, err := ring.ParsePolicy(c.RxPolicy); err != nil {
		return fmt.Errorf("invalid rx-policy: %w", err)
	}
	if c.TxQueue <= 0 || c.TxQueue > ring.MaxCapacity {
		return fmt.Errorf("tx-queue must be in 1..%d (got %d)", ring.MaxCapacity, c.TxQueue)
	}
	if c.RxQueue <= 0 || c.RxQueue > ring.MaxCapacity {
		return fmt.Errorf("rx-queue must be in 1..%d (got %d)", ring.MaxCapacity, c.RxQueue)
	}
	if c.Listen != "" && txp == ring.Unsynchronized {
		return errors.New("tx-policy=unsynchronized needs a single producer; disable the tap (-listen \"\") or use guarded")
	}
	if c.Mailboxes <= 0 {
		return fmt.Errorf("mailboxes must be > 0 (got %d)", c.Mailboxes)
	}
	if c.HubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.HubBuffer)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.Baud)
	}
	if c.SerialReadTimeout <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.ClientReadTimeout <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.MaxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.LogMetricsInterval < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// rxAccept resolves "auto" against the backend.
func (c *appConfig) rxAccept() string {
	if c.RxAccept != "auto" {
		return c.RxAccept
	}
	if c.Backend == "serial" {
		return "ext"
	}
	return "std"
}

// acceptFilter maps -rx-accept to the binding's acceptance filter.
func acceptFilter(s string) (func(can.Header) bool, error) {
	switch s {
	case "std":
		return canif.StandardDataOnly, nil
	case "ext":
		return canif.ExtendedDataOnly, nil
	case "all":
		return canif.AnyData, nil
	}
	return nil, fmt.Errorf("invalid rx-accept: %s", s)
}
