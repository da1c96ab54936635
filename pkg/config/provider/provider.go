// Package provider defines the config source abstraction.
//
// Providers load raw configuration bytes and support watching for changes.
// The gateway ships a file provider; remote sources can implement the same
// interface.
package provider

import (
	"context"
	"fmt"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile Type = "file"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// Provider loads configuration bytes from a source.
type Provider interface {
	// Type returns the provider type.
	Type() Type

	// Load reads the raw configuration.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value when the source changes.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases provider resources.
	Close() error
}
