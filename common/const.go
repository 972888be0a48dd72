package common

const (
	// ConfigEnvVar names the environment variable consulted for a config
	// file path when the -config flag is not given.
	ConfigEnvVar = "MCPROXY_CONFIG"

	// VaultSecretEnvVar names the environment variable holding the process
	// secret the vault key is derived from. A random secret is generated
	// when it is unset.
	VaultSecretEnvVar = "MCPROXY_VAULT_SECRET"

	// DefaultConfigFile is the config file loaded from the working
	// directory when neither the flag nor the environment variable is set.
	DefaultConfigFile = "mcproxy.yaml"

	// DefaultListenPort is the port the proxy listens on for client
	// sessions.
	DefaultListenPort = 8080

	// DefaultMaxConnections caps concurrently active client sessions.
	DefaultMaxConnections = 100

	// DefaultMaxQueueSize bounds the per-connection outbound queue while
	// the server leg is not connected.
	DefaultMaxQueueSize = 100

	// DefaultMaxMessageSize bounds a single inbound frame, in bytes.
	DefaultMaxMessageSize = 1 << 20
)
