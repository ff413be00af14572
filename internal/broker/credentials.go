package broker

import (
	"os"
	"sync"
)

// CredentialRegistry is an in-memory CredentialStore: per-user brokerage
// key pairs registered at startup or via an operator action, plus an
// optional environment-backed default used by single-tenant deployments
// and local development. Multi-tenant credential provisioning (how keys
// reach this registry) is outside this coordinator's scope.
type CredentialRegistry struct {
	mu      sync.RWMutex
	byUser  map[string]Credentials
	envKey  string
	envSec  string
	envPlan bool
}

// NewEnvCredentialStore builds a CredentialRegistry seeded from
// ALPACA_KEY_ID/ALPACA_SECRET_KEY/ALPACA_PAPER, used as the fallback
// credentials for any user without a registered key pair.
func NewEnvCredentialStore() *CredentialRegistry {
	return &CredentialRegistry{
		byUser:  make(map[string]Credentials),
		envKey:  os.Getenv("ALPACA_KEY_ID"),
		envSec:  os.Getenv("ALPACA_SECRET_KEY"),
		envPlan: os.Getenv("ALPACA_PAPER") != "false",
	}
}

// Register associates a user with a brokerage key pair.
func (r *CredentialRegistry) Register(userID string, creds Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = creds
}

// GetCredentials implements CredentialStore.
func (r *CredentialRegistry) GetCredentials(userID string) (Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if creds, ok := r.byUser[userID]; ok {
		return creds, true
	}
	if r.envKey == "" || r.envSec == "" {
		return Credentials{}, false
	}
	return Credentials{KeyID: r.envKey, SecretKey: r.envSec, Paper: r.envPlan}, true
}
