// internal/config/config.go
//
// Package config loads and validates the carrier process's configuration
// file (§6 of the spec): a JSON key/value document recognized by both the
// pfd and speedtest sample applications.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carrierproto/carrier/internal/util"
)

// Mode selects whether the process accepts (server) or initiates (client)
// sessions.
type Mode string

const (
	ModeServer Mode = "server"
	ModeClient Mode = "client"
)

// Service is one entry of services[]: a named TCP backend the server side
// exposes to requesting clients (§4.6, §6).
type Service struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// User is one entry of users[]: an allowed peer user-id and the service
// names it may request (§6).
type User struct {
	UserID   string   `json:"user_id"`
	Services []string `json:"services"`
}

// STUN is the STUN server preference (§3 Preferences).
type STUN struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
}

// TURN is the TURN server preference, including credentials and the
// fingerprint flag (§3 Preferences, §6 turn_fingerprint).
type TURN struct {
	Server      string `json:"server"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Realm       string `json:"realm"`
	Fingerprint bool   `json:"fingerprint"`
}

// Bootstrap is one bootstraps[] entry: a static identity-overlay entry
// point (§3 BootstrapNode).
type Bootstrap struct {
	IPv4      string `json:"ipv4"`
	IPv6      string `json:"ipv6"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key"`
}

// Config is the full recognized option set from §6.
type Config struct {
	Mode          Mode        `json:"mode"`
	ServerID      string      `json:"serverid"`
	ServerAddress string      `json:"server_address"`
	UDPEnabled    bool        `json:"udp_enabled"`
	DataDir       string      `json:"datadir"`
	LogLevel      string      `json:"loglevel"`
	LogFile       string      `json:"logfile"`
	Bootstraps    []Bootstrap `json:"bootstraps"`
	Services      []Service   `json:"services"`
	Users         []User      `json:"users"`
	STUN          STUN        `json:"stun"`
	TURN          TURN        `json:"turn"`
}

// Default returns the baseline configuration used when fields are absent
// from the JSON document, mirroring the teacher's Default()/Load() pattern.
func Default() Config {
	return Config{
		Mode:       ModeServer,
		UDPEnabled: true,
		DataDir:    "data",
		LogLevel:   "info",
	}
}

// Validate checks the recognized options for internal consistency. It does
// not attempt to resolve hostnames or dial ports.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServer, ModeClient:
	default:
		return fmt.Errorf("mode must be %q or %q", ModeServer, ModeClient)
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("datadir is required")
	}

	if c.Mode == ModeClient {
		if strings.TrimSpace(c.ServerID) == "" && strings.TrimSpace(c.ServerAddress) == "" {
			return errors.New("client mode requires serverid or server_address")
		}
	}

	seenServices := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if strings.TrimSpace(s.Name) == "" {
			return errors.New("services[].name is required")
		}
		if len(s.Name) > 63 {
			return fmt.Errorf("services[].name %q exceeds 63 characters", s.Name)
		}
		if seenServices[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seenServices[s.Name] = true
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("services[%q].port must be 1..65535", s.Name)
		}
	}

	for _, u := range c.Users {
		if strings.TrimSpace(u.UserID) == "" {
			return errors.New("users[].user_id is required")
		}
		for _, svc := range u.Services {
			if !seenServices[svc] {
				return fmt.Errorf("users[%q] references unknown service %q", u.UserID, svc)
			}
		}
	}

	for i, b := range c.Bootstraps {
		if b.IPv4 == "" && b.IPv6 == "" {
			return fmt.Errorf("bootstraps[%d] requires ipv4 or ipv6", i)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("bootstraps[%d].port must be 1..65535", i)
		}
		if b.PublicKey == "" {
			return fmt.Errorf("bootstraps[%d].public_key is required", i)
		}
	}

	return nil
}

// Load reads and validates a configuration file, starting from Default()
// so missing JSON fields remain initialized.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path if present, otherwise creates one from
// Default(). Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// KeyFile returns the path of the persisted identity key under DataDir.
func (c Config) KeyFile() string {
	return filepath.Join(c.DataDir, "identity.key")
}

// DHTSaveFile returns the path of the persisted identity-overlay savedata
// blob under DataDir (§6 Persisted state: datadir/dhtdata).
func (c Config) DHTSaveFile() string {
	return filepath.Join(c.DataDir, "dhtdata")
}

// ServicesFor returns the service names userID is permitted to request,
// per the users[] allow-list.
func (c Config) ServicesFor(userID string) ([]string, bool) {
	for _, u := range c.Users {
		if u.UserID == userID {
			return u.Services, true
		}
	}
	return nil, false
}

// ServiceByName looks up a registered service by name.
func (c Config) ServiceByName(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}
