// Package config parses the bootstrap environment into a single Config
// struct, following a CheckAndSetDefaults idiom for validating and
// filling in defaults on load.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Mode selects how the gateway resolves the effective host.
type Mode string

const (
	ModeStandalone  Mode = "standalone"
	ModeProxy       Mode = "proxy"
	ModeStreamProxy Mode = "stream_proxy"
)

// Config is the bootstrap configuration, read once from the environment.
type Config struct {
	BaseIdTag       string
	BasePassword    string
	JWTSecret       []byte
	Mode            Mode
	Listen          string
	ListenHTTP      string
	DataDir         string
	PrivateDataDir  string
	PublicDataDir   string
	ACMEEmail       string
	LocalIPs        []string
	IdentityProviders []string
	BaseAppDomain   string

	// Clock is used throughout the server core for testable time;
	// defaults to the real clock (grounded on lib/auth/native's Keygen.clock
	// and lib/services/watcher.go's ResourceWatcherConfig.Clock).
	Clock clockwork.Clock
}

// FromEnv reads the process's bootstrap environment variables.
func FromEnv() (*Config, error) {
	c := &Config{
		BaseIdTag:      os.Getenv("BASE_ID_TAG"),
		BasePassword:   os.Getenv("BASE_PASSWORD"),
		JWTSecret:      []byte(os.Getenv("JWT_SECRET")),
		Mode:           Mode(os.Getenv("MODE")),
		Listen:         os.Getenv("LISTEN"),
		ListenHTTP:     os.Getenv("LISTEN_HTTP"),
		DataDir:        os.Getenv("DATA_DIR"),
		PrivateDataDir: os.Getenv("PRIVATE_DATA_DIR"),
		PublicDataDir:  os.Getenv("PUBLIC_DATA_DIR"),
		ACMEEmail:      os.Getenv("ACME_EMAIL"),
		BaseAppDomain:  os.Getenv("BASE_APP_DOMAIN"),
	}
	c.LocalIPs = splitList(os.Getenv("LOCAL_IPS"))
	c.IdentityProviders = splitList(os.Getenv("IDENTITY_PROVIDERS"))
	if err := c.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

// splitList parses a comma-separated env value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// CheckAndSetDefaults validates required fields and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseIdTag == "" {
		return trace.BadParameter("missing BASE_ID_TAG")
	}
	if len(c.JWTSecret) == 0 {
		return trace.BadParameter("missing JWT_SECRET")
	}
	if c.Mode == "" {
		c.Mode = ModeStandalone
	}
	switch c.Mode {
	case ModeStandalone, ModeProxy, ModeStreamProxy:
	default:
		return trace.BadParameter("invalid MODE %q", c.Mode)
	}
	if c.Listen == "" {
		c.Listen = ":8443"
	}
	if c.ListenHTTP == "" {
		c.ListenHTTP = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PrivateDataDir == "" {
		c.PrivateDataDir = c.DataDir + "/private"
	}
	if c.PublicDataDir == "" {
		c.PublicDataDir = c.DataDir + "/public"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CertRenewalWindow is how far before expiry the worker starts renewing a
// tenant's certificate.
const CertRenewalWindow = 30 * 24 * time.Hour
