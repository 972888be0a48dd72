// Package flags provides support for mcproxy CLI args
package flags

import (
	"flag"

	"mcproxy.dev/mcproxy/config"
)

// ServerFlags holds CLI arguments for the proxy daemon.
type ServerFlags struct {
	ConfigPath string
	Verbose    bool

	// Overrides applied on top of the config file when non-zero.
	Port       int
	StatusPort int
	ServerURL  string
}

// ParseServerArgs parses daemon arguments. args[0] is the program name.
func ParseServerArgs(args []string) (*ServerFlags, error) {
	f := &ServerFlags{}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "", "path to the YAML configuration file")
	fs.BoolVar(&f.Verbose, "verbose", false, "enable debug logging")
	fs.IntVar(&f.Port, "port", 0, "listen port (overrides config)")
	fs.IntVar(&f.StatusPort, "status-port", 0, "status endpoint port (overrides config)")
	fs.StringVar(&f.ServerURL, "server", "", "downstream MCP server URL (overrides config)")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadServerConfigFromFlags loads the config file named by the flags and
// applies the command-line overrides.
func LoadServerConfigFromFlags(f *ServerFlags) (*config.Config, error) {
	cfg, err := config.Load(config.Path(f.ConfigPath))
	if err != nil {
		return nil, err
	}
	if f.Port != 0 {
		cfg.Proxy.Port = f.Port
	}
	if f.StatusPort != 0 {
		cfg.Proxy.StatusPort = f.StatusPort
	}
	if f.ServerURL != "" {
		cfg.Proxy.MCPServerURL = f.ServerURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
