// Package config loads the proxy's TOML configuration into an immutable
// snapshot: the listening server, the upstream account registry, and the
// virtual users with their access rules. The snapshot is passed by
// reference into each new session; reloads build a new snapshot rather
// than mutating this one.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"imap-acl-proxy/internal/policy"
	"imap-acl-proxy/internal/secret"
)

// Config is the full configuration snapshot.
type Config struct {
	Server    ServerConfig      `toml:"server"`
	Upstreams []UpstreamAccount `toml:"upstreams"`
	Users     []VirtualUser     `toml:"users"`
}

// ServerConfig describes the listening side of the proxy.
type ServerConfig struct {
	Listen          string   `toml:"listen"`
	TLSCert         string   `toml:"tls_cert"`
	TLSKey          string   `toml:"tls_key"`
	MetricsListen   string   `toml:"metrics_listen"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	MaxAuthAttempts int      `toml:"max_auth_attempts"`
}

// UpstreamAccount identifies a real mailbox server and its credentials.
// Immutable once loaded; referenced, never owned, by virtual users.
type UpstreamAccount struct {
	Name            string `toml:"name"`
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	TLS             bool   `toml:"tls"`
	StartTLS        bool   `toml:"starttls"`
	Username        string `toml:"username"`
	Password        string `toml:"password"`
	CaseInsensitive bool   `toml:"case_insensitive"`
	Delimiter       string `toml:"hierarchy_delimiter"`
	EmulateMove     bool   `toml:"emulate_move"`
}

// VirtualUser is a locally issued identity mapped to exactly one
// upstream account, restricted by its rule set.
type VirtualUser struct {
	Username    string       `toml:"username"`
	Password    string       `toml:"password"`
	Upstream    string       `toml:"upstream"`
	RuleConfigs []RuleConfig `toml:"rules"`

	Account *UpstreamAccount `toml:"-"`
	Rules   policy.RuleSet   `toml:"-"`
}

// RuleConfig is one rule as written in the config file: exactly one of
// folder (literal path) or pattern (anchored regex) plus granted actions.
type RuleConfig struct {
	Folder  string   `toml:"folder"`
	Pattern string   `toml:"pattern"`
	Actions []string `toml:"actions"`
}

// Duration wraps time.Duration for TOML string values like "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

const (
	defaultListen          = "127.0.0.1:9993"
	defaultMaxAuthAttempts = 3
	defaultDelimiter       = "/"
)

// Load reads a TOML config file from path, validates it, resolves
// secrets, and compiles every user's rule set.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish validates the decoded config and builds the derived state:
// defaults, secret resolution, upstream links, compiled rules.
func (c *Config) finish() error {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Server.MaxAuthAttempts <= 0 {
		c.Server.MaxAuthAttempts = defaultMaxAuthAttempts
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("config: tls_cert and tls_key must be set together")
	}

	upstreams := make(map[string]*UpstreamAccount, len(c.Upstreams))
	for i := range c.Upstreams {
		up := &c.Upstreams[i]
		if up.Name == "" {
			return fmt.Errorf("config: upstream %d: missing name", i)
		}
		if upstreams[up.Name] != nil {
			return fmt.Errorf("config: duplicate upstream %q", up.Name)
		}
		if up.Host == "" {
			return fmt.Errorf("config: upstream %q: missing host", up.Name)
		}
		if up.Port <= 0 || up.Port > 65535 {
			return fmt.Errorf("config: upstream %q: invalid port %d", up.Name, up.Port)
		}
		if up.TLS && up.StartTLS {
			return fmt.Errorf("config: upstream %q: tls and starttls cannot both be true", up.Name)
		}
		if up.Delimiter == "" {
			up.Delimiter = defaultDelimiter
		}
		resolved, err := secret.Resolve(up.Password)
		if err != nil {
			return fmt.Errorf("config: upstream %q: %w", up.Name, err)
		}
		up.Password = resolved
		upstreams[up.Name] = up
	}

	seen := make(map[string]bool, len(c.Users))
	for i := range c.Users {
		u := &c.Users[i]
		if u.Username == "" {
			return fmt.Errorf("config: user %d: missing username", i)
		}
		if seen[u.Username] {
			return fmt.Errorf("config: duplicate user %q", u.Username)
		}
		seen[u.Username] = true

		if u.Password == "" {
			return fmt.Errorf("config: user %q: missing password", u.Username)
		}
		resolved, err := secret.Resolve(u.Password)
		if err != nil {
			return fmt.Errorf("config: user %q: %w", u.Username, err)
		}
		u.Password = resolved

		account := upstreams[u.Upstream]
		if account == nil {
			return fmt.Errorf("config: user %q: unknown upstream %q", u.Username, u.Upstream)
		}
		u.Account = account

		rules, err := compileRules(u.RuleConfigs, account)
		if err != nil {
			return fmt.Errorf("config: user %q: %w", u.Username, err)
		}
		u.Rules = rules
	}

	return nil
}

func compileRules(configs []RuleConfig, account *UpstreamAccount) (policy.RuleSet, error) {
	rules := make(policy.RuleSet, 0, len(configs))
	for i, rc := range configs {
		if (rc.Folder == "") == (rc.Pattern == "") {
			return nil, fmt.Errorf("rule %d: exactly one of folder or pattern must be set", i)
		}
		if len(rc.Actions) == 0 {
			return nil, fmt.Errorf("rule %d: no actions granted", i)
		}

		var actions policy.ActionSet
		for _, name := range rc.Actions {
			a, err := policy.ParseAction(name)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			actions = actions.Union(policy.NewActionSet(a))
		}

		var matcher policy.Matcher
		if rc.Folder != "" {
			matcher = policy.NewLiteralMatcher(rc.Folder, account.CaseInsensitive, account.Delimiter)
		} else {
			var err error
			matcher, err = policy.NewPatternMatcher(rc.Pattern, account.CaseInsensitive)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		}

		rules = append(rules, policy.Rule{Matcher: matcher, Actions: actions})
	}
	return rules, nil
}

// LookupUser returns the VirtualUser for the given username, or nil if
// not found.
func (c *Config) LookupUser(username string) *VirtualUser {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
