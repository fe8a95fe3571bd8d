// Package configuration reads the dtool configuration file and resolves
// lookups against it and the process environment.
//
// The configuration lives in a flat JSON object, by default at
// <xdg-config-home>/dtool/dtool.json:
//
//	{
//	  "DTOOL_SMB_SERVER_NAME_myserver": "smb.example.com",
//	  "DTOOL_SMB_SERVER_PORT_myserver": 445,
//	  "DTOOL_AZURE_ACCOUNT_KEY_mystorageaccount": "...base64..."
//	}
//
// An environment variable with the same name as a key always takes
// precedence over the file value. A Config is a snapshot: it is never
// mutated after loading.
package configuration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	// EnvConfigPath overrides the location of the configuration file.
	EnvConfigPath = "DTOOL_CONFIG_PATH"

	// CacheDirectoryKey configures where brokers place fetched item content.
	CacheDirectoryKey = "DTOOL_CACHE_DIRECTORY"
)

// Config is an immutable view over the dtool configuration file and the
// process environment.
type Config struct {
	path   string
	values map[string]interface{}
}

// Default loads the configuration from $DTOOL_CONFIG_PATH if set, falling
// back to dtool/dtool.json under the XDG config home.
func Default() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = filepath.Join(xdg.ConfigHome, "dtool", "dtool.json")
	}
	return Load(path)
}

// Load reads the JSON configuration file at path. A missing file is not an
// error: lookups on the resulting Config fall through to the environment
// only.
func Load(path string) (*Config, error) {
	c := &Config{path: path, values: map[string]interface{}{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &c.values); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, nil
}

// Path returns the location the configuration was loaded from, whether or
// not the file existed.
func (c *Config) Path() string {
	return c.path
}

// Get resolves key with the dtool precedence: environment variable first,
// then the config file. Missing keys yield "". File values that are not
// strings (JSON numbers, booleans) are stringified.
func (c *Config) Get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v, ok := c.values[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// GetDefault is Get with a fallback for unset keys.
func (c *Config) GetDefault(key, def string) string {
	if v := c.Get(key); v != "" {
		return v
	}
	return def
}

// Require resolves key and fails with a MissingKeyError naming it when no
// value is configured. Broker parsers use this for credential lookups so
// that the resulting error tells the user exactly which key to set.
func (c *Config) Require(key, account string) (string, error) {
	if v := c.Get(key); v != "" {
		return v, nil
	}
	return "", MissingKeyError{Key: key, Account: account, Path: c.path}
}

// CacheDirectory returns the directory brokers download item content into,
// honoring DTOOL_CACHE_DIRECTORY and defaulting to dtool under the XDG
// cache home.
func (c *Config) CacheDirectory() string {
	return c.GetDefault(CacheDirectoryKey, filepath.Join(xdg.CacheHome, "dtool"))
}

// MissingKeyError is returned when a required key has a value in neither
// the environment nor the configuration file.
type MissingKeyError struct {
	Key     string // full key name, e.g. DTOOL_SMB_USERNAME_myserver
	Account string // the account the key belongs to
	Path    string // configuration file consulted
}

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("no value for %s (account %q): set the environment variable or add the key to %s",
		e.Key, e.Account, e.Path)
}
