package config

import (
	"os"
	"sort"
	"sync"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// EnvKey is one recognized APP_ENV_* environment key.
type EnvKey struct {
	Name        string
	Required    bool
	Description string
}

var (
	envMu   sync.Mutex
	envKeys = map[string]EnvKey{}
)

// RegisterEnvKey adds a key to the recognized registry. Components register
// their keys from init functions; ValidateEnv checks the registry at boot.
func RegisterEnvKey(key EnvKey) {
	envMu.Lock()
	defer envMu.Unlock()
	envKeys[key.Name] = key
}

// RegisteredEnvKeys returns the recognized keys, sorted by name.
func RegisteredEnvKeys() []EnvKey {
	envMu.Lock()
	defer envMu.Unlock()
	out := make([]EnvKey, 0, len(envKeys))
	for _, k := range envKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateEnv verifies every required registered key is present in the
// environment. The first missing key fails with kind config-invalid.
func ValidateEnv() error {
	for _, key := range RegisteredEnvKeys() {
		if !key.Required {
			continue
		}
		if _, ok := os.LookupEnv(key.Name); !ok {
			return errors.New(errors.KindConfigInvalid,
				"required environment key %s is not set", key.Name)
		}
	}
	return nil
}

func init() {
	RegisterEnvKey(EnvKey{Name: "APP_ENV_NAME", Description: "deployment environment name"})
	RegisterEnvKey(EnvKey{Name: "APP_ENV_JWT_SECRET", Description: "JWT signing secret"})
	RegisterEnvKey(EnvKey{Name: "APP_ENV_AES_KEY", Description: "claim encryption key"})
	RegisterEnvKey(EnvKey{Name: "APP_ENV_DATABASE_DSN", Description: "relational data source DSN"})
	RegisterEnvKey(EnvKey{Name: "APP_ENV_REDIS_ADDR", Description: "pub/sub store address"})
}
