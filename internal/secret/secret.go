// Package secret defines the secret store capability set (§6.4): read
// once at pipeline start, treated as opaque thereafter, never persisted by
// the core.
package secret

import "os"

// Store is the capability every secret source implements.
type Store interface {
	Get(key string) (string, bool)
}

// EnvSecretStore reads secrets from environment variables, so broker and
// alert credentials never have to be written to a config file on disk.
type EnvSecretStore struct {
	prefix string
}

// NewEnvSecretStore returns a Store that reads key as the environment
// variable prefix+key (e.g. prefix "WHITELIGHT_" turns "BROKER_API_KEY"
// into "WHITELIGHT_BROKER_API_KEY").
func NewEnvSecretStore(prefix string) EnvSecretStore {
	return EnvSecretStore{prefix: prefix}
}

func (s EnvSecretStore) Get(key string) (string, bool) {
	return os.LookupEnv(s.prefix + key)
}
