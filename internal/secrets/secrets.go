package secrets

import (
	"errors"
	"os"
	"strings"
)

// ErrAuthUnavailable is returned while API credentials have not been
// configured yet.
var ErrAuthUnavailable = errors.New("api credentials not configured")

type Credentials struct {
	Key    string
	Secret string
}

// Store hands out decrypted API credentials on demand. Credentials are
// never persisted or logged by anything that consumes this interface.
type Store interface {
	Credentials() (Credentials, error)
}

// Env reads credentials from the environment, typically populated from
// a .env file at startup.
type Env struct {
	KeyVar    string
	SecretVar string
}

func NewEnv() *Env {
	return &Env{KeyVar: "GATE_API_KEY", SecretVar: "GATE_API_SECRET"}
}

func (e *Env) Credentials() (Credentials, error) {
	key := strings.TrimSpace(os.Getenv(e.KeyVar))
	secret := strings.TrimSpace(os.Getenv(e.SecretVar))
	if key == "" || secret == "" {
		return Credentials{}, ErrAuthUnavailable
	}
	return Credentials{Key: key, Secret: secret}, nil
}
