// Package auth provides minimal API key validation.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates the API key presented with a request.
type Validator interface {
	Validate(key string) error
}

// StaticKey validates against a single shared API key. An empty configured
// key disables auth and accepts every request.
type StaticKey struct {
	Key string
}

func (s StaticKey) Validate(key string) error {
	if s.Key == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(s.Key), []byte(key)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(key string) error

func (f FuncValidator) Validate(key string) error {
	return f(key)
}
