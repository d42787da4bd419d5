// Package identity supplies the owner identifier handed to the backend.
package identity

import (
	"context"
	"os"
)

// Source yields the owner identifier. An empty string is valid and means
// no owner is configured yet.
type Source interface {
	Owner(ctx context.Context) (string, error)
}

// Static is a fixed owner identifier.
type Static string

func (s Static) Owner(context.Context) (string, error) { return string(s), nil }

// Env reads the owner from an environment variable, falling back to Default.
type Env struct {
	Key     string
	Default string
}

func (e Env) Owner(context.Context) (string, error) {
	if v, ok := os.LookupEnv(e.Key); ok && v != "" {
		return v, nil
	}
	return e.Default, nil
}
