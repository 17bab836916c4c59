package decoder

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports inconsistent batch sizes, lengths or widths
	// at the decoder boundary.
	ErrShapeMismatch = errors.New("decoder: shape mismatch")

	// ErrTokenOutOfRange reports a token id outside [0, vocab_size).
	ErrTokenOutOfRange = errors.New("decoder: token id out of range")

	// ErrInputMode reports an input kind the configured input layer cannot consume.
	ErrInputMode = errors.New("decoder: unsupported input for input layer")
)

// ConfigError is returned by New and Config.Validate for an invalid
// configuration value.
type ConfigError struct {
	Field string
	Value any
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("decoder: invalid %s: %v", e.Field, e.Value)
	}
	return fmt.Sprintf("decoder: invalid %s: %v (%s)", e.Field, e.Value, e.Msg)
}

func shapeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}
