// Package config loads and validates the PBX configuration. Values come
// from a YAML file, overridden by CORALPBX_-prefixed environment
// variables, overridden by command-line flags. The loaded Config is an
// immutable snapshot; runtime consumers hold it via atomic.Pointer so a
// reload publishes a complete new snapshot rather than mutating fields.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full PBX configuration tree. Field names mirror the YAML
// schema one to one.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DialPlan  DialPlanConfig  `yaml:"dialplan"`
	Voicemail VoicemailConfig `yaml:"voicemail"`
	Features  FeaturesConfig  `yaml:"features"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`

	Extensions []ExtensionConfig `yaml:"extensions"`
	Trunks     []TrunkConfig     `yaml:"trunks"`
	LCR        LCRConfig         `yaml:"lcr"`
}

// ServerConfig holds SIP transport binding and the RTP relay port range.
type ServerConfig struct {
	SIPHost           string `yaml:"sip_host"`
	SIPPort           int    `yaml:"sip_port"`
	RTPPortRangeStart int    `yaml:"rtp_port_range_start"`
	RTPPortRangeEnd   int    `yaml:"rtp_port_range_end"`
	ExternalIP        string `yaml:"external_ip"`
}

// DialPlanConfig holds the ordered dial patterns. Patterns are anchored
// regular expressions matched against the dialed number.
type DialPlanConfig struct {
	InternalPattern   string   `yaml:"internal_pattern"`
	ConferencePattern string   `yaml:"conference_pattern"`
	VoicemailPattern  string   `yaml:"voicemail_pattern"`
	ParkingPattern    string   `yaml:"parking_pattern"`
	PagingPattern     string   `yaml:"paging_pattern"`
	EmergencyNumbers  []string `yaml:"emergency_numbers"`
	DefaultTrunk      string   `yaml:"default_trunk"`
}

// VoicemailConfig tunes the no-answer diversion and the recording store.
type VoicemailConfig struct {
	NoAnswerTimeout   int    `yaml:"no_answer_timeout"`
	StoragePath       string `yaml:"storage_path"`
	MaxMessageSeconds int    `yaml:"max_message_seconds"`
	// AnswerMode selects what the caller hears on no-answer diversion:
	// "reject" sends 486 and hands the call to voicemail out of dialog,
	// "answer" sends 200 OK with SDP pointing at the voicemail recorder.
	AnswerMode string `yaml:"answer_mode"`
}

// FeaturesConfig groups feature toggles.
type FeaturesConfig struct {
	DTMF           DTMFConfig           `yaml:"dtmf"`
	DNSSRVFailover DNSSRVFailoverConfig `yaml:"dns_srv_failover"`
}

// DTMFConfig holds RFC 2833 negotiation parameters.
type DTMFConfig struct {
	PayloadType int `yaml:"payload_type"`
}

// DNSSRVFailoverConfig tunes trunk SRV resolution and failover.
type DNSSRVFailoverConfig struct {
	Enabled       bool `yaml:"enabled"`
	CheckInterval int  `yaml:"check_interval"`
	MaxFailures   int  `yaml:"max_failures"`
}

// DatabaseConfig selects the persistence driver for CDRs, the phone
// book and voicemail metadata.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// APIConfig holds the admin HTTP server binding.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// SecurityConfig holds SIP auth and admin API credentials.
type SecurityConfig struct {
	SIPRealm          string `yaml:"sip_realm"`
	AdminUsername     string `yaml:"admin_username"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
	JWTSecret         string `yaml:"jwt_secret"`
	TokenTTL          int    `yaml:"token_ttl"`
}

// LoggingConfig selects slog handler and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExtensionConfig is a statically provisioned extension.
type ExtensionConfig struct {
	Number        string `yaml:"number"`
	Name          string `yaml:"name"`
	Password      string `yaml:"password"`
	VoicemailPIN  string `yaml:"voicemail_pin"`
	Email         string `yaml:"email"`
	AllowExternal bool   `yaml:"allow_external"`
	IsAdmin       bool   `yaml:"is_admin"`
}

// TrunkConfig describes an upstream carrier trunk.
type TrunkConfig struct {
	Name      string `yaml:"name"`
	Domain    string `yaml:"domain"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Register  bool   `yaml:"register"`
	Expiry    int    `yaml:"expiry"`
}

// LCRConfig is the least-cost-routing rate table.
type LCRConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rates   []LCRRateConfig `yaml:"rates"`
}

// LCRRateConfig is one dial-pattern rate entry.
type LCRRateConfig struct {
	Pattern          string                `yaml:"pattern"`
	Trunk            string                `yaml:"trunk"`
	RatePerMinute    float64               `yaml:"rate_per_minute"`
	ConnectionFee    float64               `yaml:"connection_fee"`
	MinimumSeconds   int                   `yaml:"minimum_seconds"`
	BillingIncrement int                   `yaml:"billing_increment"`
	Multipliers      []LCRMultiplierConfig `yaml:"multipliers"`
}

// LCRMultiplierConfig scales a rate during [StartHour, EndHour).
type LCRMultiplierConfig struct {
	StartHour int     `yaml:"start_hour"`
	EndHour   int     `yaml:"end_hour"`
	Factor    float64 `yaml:"factor"`
}

// Default returns a Config populated with defaults. Loading merges the
// YAML file and overrides on top of this.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SIPHost:           "0.0.0.0",
			SIPPort:           5060,
			RTPPortRangeStart: 10000,
			RTPPortRangeEnd:   20000,
		},
		DialPlan: DialPlanConfig{
			InternalPattern:   `^1\d{3}$`,
			ConferencePattern: `^2\d{3}$`,
			VoicemailPattern:  `^\*\d{3}$`,
			ParkingPattern:    `^8\d{2}$`,
			PagingPattern:     `^7\d{2}$`,
			EmergencyNumbers:  []string{"911", "112"},
		},
		Voicemail: VoicemailConfig{
			NoAnswerTimeout:   30,
			StoragePath:       "voicemail",
			MaxMessageSeconds: 180,
			AnswerMode:        "reject",
		},
		Features: FeaturesConfig{
			DTMF: DTMFConfig{PayloadType: 101},
			DNSSRVFailover: DNSSRVFailoverConfig{
				Enabled:       true,
				CheckInterval: 60,
				MaxFailures:   3,
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "coralpbx.db",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8080",
		},
		Security: SecurityConfig{
			SIPRealm:      "coralpbx",
			AdminUsername: "admin",
			TokenTTL:      3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file (if any),
// environment overrides, and command-line flags, in ascending
// precedence. args is os.Args[1:].
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("coralpbx", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	sipPort := fs.Int("sip-port", 0, "override SIP listen port")
	logLevel := fs.String("log-level", "", "override log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = os.Getenv("CORALPBX_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if *sipPort != 0 {
		cfg.Server.SIPPort = *sipPort
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CORALPBX_ environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CORALPBX_SIP_HOST"); v != "" {
		cfg.Server.SIPHost = v
	}
	if v := os.Getenv("CORALPBX_SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.SIPPort = p
		}
	}
	if v := os.Getenv("CORALPBX_EXTERNAL_IP"); v != "" {
		cfg.Server.ExternalIP = v
	}
	if v := os.Getenv("CORALPBX_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CORALPBX_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CORALPBX_API_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("CORALPBX_JWT_SECRET"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("CORALPBX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CORALPBX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration for internal consistency. It is
// called by Load; callers constructing a Config by hand should call it
// themselves.
func (c *Config) Validate() error {
	if c.Server.SIPPort < 1 || c.Server.SIPPort > 65535 {
		return fmt.Errorf("server.sip_port %d out of range", c.Server.SIPPort)
	}
	if c.Server.RTPPortRangeStart < 1024 || c.Server.RTPPortRangeEnd > 65535 {
		return fmt.Errorf("rtp port range [%d,%d] out of bounds",
			c.Server.RTPPortRangeStart, c.Server.RTPPortRangeEnd)
	}
	if c.Server.RTPPortRangeStart%2 != 0 {
		return fmt.Errorf("server.rtp_port_range_start %d must be even", c.Server.RTPPortRangeStart)
	}
	if c.Server.RTPPortRangeEnd <= c.Server.RTPPortRangeStart {
		return fmt.Errorf("rtp port range [%d,%d] is empty",
			c.Server.RTPPortRangeStart, c.Server.RTPPortRangeEnd)
	}

	for _, p := range []struct{ name, pattern string }{
		{"dialplan.internal_pattern", c.DialPlan.InternalPattern},
		{"dialplan.conference_pattern", c.DialPlan.ConferencePattern},
		{"dialplan.voicemail_pattern", c.DialPlan.VoicemailPattern},
		{"dialplan.parking_pattern", c.DialPlan.ParkingPattern},
		{"dialplan.paging_pattern", c.DialPlan.PagingPattern},
	} {
		if p.pattern == "" {
			continue
		}
		if _, err := regexp.Compile(p.pattern); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}

	if pt := c.Features.DTMF.PayloadType; pt < 96 || pt > 127 {
		return fmt.Errorf("features.dtmf.payload_type %d outside dynamic range 96-127", pt)
	}
	if c.Features.DNSSRVFailover.MaxFailures < 1 {
		return fmt.Errorf("features.dns_srv_failover.max_failures must be >= 1")
	}

	if c.Voicemail.NoAnswerTimeout < 1 {
		return fmt.Errorf("voicemail.no_answer_timeout must be >= 1 second")
	}
	switch c.Voicemail.AnswerMode {
	case "reject", "answer":
	default:
		return fmt.Errorf("voicemail.answer_mode %q: must be reject or answer", c.Voicemail.AnswerMode)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("database.driver %q: must be sqlite, postgres or none", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.driver postgres requires database.dsn")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q: must be text or json", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Extensions))
	for i, ext := range c.Extensions {
		if ext.Number == "" {
			return fmt.Errorf("extensions[%d]: number is required", i)
		}
		if seen[ext.Number] {
			return fmt.Errorf("extensions[%d]: duplicate number %s", i, ext.Number)
		}
		seen[ext.Number] = true
		if ext.Password == "" {
			return fmt.Errorf("extension %s: password is required", ext.Number)
		}
	}

	trunkNames := make(map[string]bool, len(c.Trunks))
	for i, t := range c.Trunks {
		if t.Name == "" {
			return fmt.Errorf("trunks[%d]: name is required", i)
		}
		if trunkNames[t.Name] {
			return fmt.Errorf("trunks[%d]: duplicate name %s", i, t.Name)
		}
		trunkNames[t.Name] = true
		if t.Domain == "" {
			return fmt.Errorf("trunk %s: domain is required", t.Name)
		}
		switch t.Transport {
		case "", "udp", "tcp", "tls":
		default:
			return fmt.Errorf("trunk %s: transport %q not supported", t.Name, t.Transport)
		}
	}
	if dt := c.DialPlan.DefaultTrunk; dt != "" && !trunkNames[dt] {
		return fmt.Errorf("dialplan.default_trunk %q does not name a configured trunk", dt)
	}

	for i, r := range c.LCR.Rates {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("lcr.rates[%d].pattern: %w", i, err)
		}
		if r.Trunk != "" && !trunkNames[r.Trunk] {
			return fmt.Errorf("lcr.rates[%d]: trunk %q not configured", i, r.Trunk)
		}
		for j, m := range r.Multipliers {
			if m.StartHour < 0 || m.StartHour > 23 || m.EndHour < 0 || m.EndHour > 24 {
				return fmt.Errorf("lcr.rates[%d].multipliers[%d]: hours out of range", i, j)
			}
		}
	}

	return nil
}

// SlogLevel maps the configured level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MediaIP returns the IP address to advertise in SDP bodies. It prefers
// the configured external IP, then a non-loopback interface address,
// then the SIP bind host.
func (c *Config) MediaIP() string {
	if c.Server.ExternalIP != "" {
		return c.Server.ExternalIP
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	if c.Server.SIPHost != "" && c.Server.SIPHost != "0.0.0.0" {
		return c.Server.SIPHost
	}
	return "127.0.0.1"
}
