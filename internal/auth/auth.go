package auth

import "errors"

// ErrNoToken indicates no bearer credential is available. Callers must fail
// fast instead of attempting an unauthenticated call.
var ErrNoToken = errors.New("auth: no bearer token available")

// TokenProvider supplies the bearer credential for backend calls. Injected at
// construction so components never read ambient global storage.
type TokenProvider interface {
	Token() (string, error)
}

// StaticToken is a TokenProvider around a fixed credential.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }
