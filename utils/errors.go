package utils

import "fmt"

// NewError creates a plain error from a message.
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError annotates err with context, preserving errors.Is/As through %w.
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
