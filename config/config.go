// Package config loads the broker's process-level configuration: the
// upstream language server to launch, the address clients attach on, and
// the ambient knobs (log level/path, debounce delay, timeouts) that flow
// into languageclient.Config / binding.Config.
//
// Grounded on the teacher's own config-fallback-search entry point
// (tryLoadConfig: explicit path, then cwd, then "."), reimplemented over
// viper's config-search-path support instead of a hand-rolled loop, and
// validated through security.ValidateConfigPath the same way the
// teacher's own main.go guards against an operator-supplied path
// escaping the directories it's willing to read from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodinGame/languageserver-mutualized/security"
)

// Config is the broker's fully-resolved runtime configuration.
type Config struct {
	// ListenAddr is the TCP address clients attach to, e.g. ":9999".
	ListenAddr string `mapstructure:"listenAddr"`
	// DebugAddr, if set, serves a JSON snapshot of the shared language
	// client's state (open documents, registrations) for
	// cmd/mutualized-inspect. Empty disables the debug endpoint.
	DebugAddr string `mapstructure:"debugAddr"`

	// ServerCommand launches the upstream language server as a child
	// process communicating over stdio. Mutually exclusive with
	// ServerAddr; ServerCommand wins if both are set.
	ServerCommand []string `mapstructure:"serverCommand"`
	// ServerAddr dials an already-running upstream server over TCP
	// instead of spawning one.
	ServerAddr string `mapstructure:"serverAddr"`

	// WatchRoot is the workspace root watchedfiles.Watcher recursively
	// watches. Empty disables filesystem watching.
	WatchRoot string `mapstructure:"watchRoot"`

	LogLevel    string `mapstructure:"logLevel"`
	LogPath     string `mapstructure:"logPath"`
	MaxLogFiles int    `mapstructure:"maxLogFiles"`

	DebounceDelay     time.Duration `mapstructure:"debounceDelay"`
	DiffTimeout       time.Duration `mapstructure:"diffTimeout"`
	ClientInitTimeout time.Duration `mapstructure:"clientInitTimeout"`

	DisableSaveNotifications bool `mapstructure:"disableSaveNotifications"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listenAddr", ":9423")
	v.SetDefault("logLevel", "info")
	v.SetDefault("debounceDelay", 500*time.Millisecond)
	v.SetDefault("diffTimeout", 20*time.Millisecond)
	v.SetDefault("clientInitTimeout", 10*time.Second)
	v.SetDefault("maxLogFiles", 5)
}

// Flags registers the broker's command-line flags on cmd and binds them
// into v, so a flag always takes precedence over a config file value,
// which in turn takes precedence over the defaults set above.
func Flags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("config", "", "path to a config file (yaml/json/toml)")
	flags.String("listen-addr", "", "TCP address to accept client connections on")
	flags.String("debug-addr", "", "serve a JSON state snapshot for cmd/mutualized-inspect on this address, e.g. :9424")
	flags.String("server-addr", "", "dial an already-running upstream language server at this TCP address")
	flags.StringSlice("server-command", nil, "launch the upstream language server as a child process, e.g. --server-command=gopls,serve")
	flags.String("watch-root", "", "workspace root to watch for filesystem changes not covered by open documents")
	flags.String("log-level", "", "debug, info, warn, or error")
	flags.String("log-path", "", "file to append logs to, in addition to stderr")
	flags.Duration("debounce-delay", 0, "trailing debounce applied to document sync flushes")
	flags.Duration("diff-timeout", 0, "budget for computing a minimal incremental diff before falling back to full replace")
	flags.Duration("client-init-timeout", 0, "how long a Binding waits for a client's initialize/initialized handshake")
	flags.Bool("disable-save-notifications", false, "never forward willSave/didSave to the upstream server")

	bindableFlags := map[string]string{
		"listen-addr":                "listenAddr",
		"debug-addr":                 "debugAddr",
		"server-addr":                "serverAddr",
		"server-command":             "serverCommand",
		"watch-root":                 "watchRoot",
		"log-level":                  "logLevel",
		"log-path":                   "logPath",
		"debounce-delay":             "debounceDelay",
		"diff-timeout":               "diffTimeout",
		"client-init-timeout":        "clientInitTimeout",
		"disable-save-notifications": "disableSaveNotifications",
	}
	for flagName, key := range bindableFlags {
		_ = v.BindPFlag(key, flags.Lookup(flagName))
	}
}

// Load resolves Config from (in ascending precedence) built-in defaults,
// a discovered config file, environment variables prefixed MUTUALIZED_,
// and finally explicit command-line flags bound via Flags.
//
// configPathFlag is the --config flag's raw value; empty means "search".
func Load(v *viper.Viper, configPathFlag string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("mutualized")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, configPathFlag); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// readConfigFile mirrors the teacher's tryLoadConfig fallback order: an
// explicit --config path first (validated so it can't escape the
// directories an operator is allowed to point at), then a
// mutualized.{yaml,json,toml} discovered in the current working
// directory. A missing config file in the fallback case is not an error;
// the broker runs on defaults plus flags/env alone.
func readConfigFile(v *viper.Viper, configPathFlag string) error {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	allowed := security.GetConfigAllowedDirectories(filepath.Join(cwd, "config"), cwd)

	if configPathFlag != "" {
		resolved, err := security.ValidateConfigPath(configPathFlag, allowed)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		v.SetConfigFile(resolved)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: read %s: %w", resolved, err)
		}
		return nil
	}

	v.SetConfigName("mutualized")
	v.AddConfigPath(cwd)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: read discovered config: %w", err)
	}
	return nil
}
