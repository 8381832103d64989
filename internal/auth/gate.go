package auth

import "context"

// Action describes a destructive operation awaiting authorization.
type Action struct {
	Name   string // e.g. "cancel"
	ItemID string
	Reason string
}

// Gate is the confirmation step interposed before destructive operations for
// users without elevated privilege. It is a pure pass/fail decision point and
// never performs the operation itself.
type Gate interface {
	Authorize(ctx context.Context, action Action) (bool, error)
}

// ElevatedGate approves everything; used for principals with admin privilege.
type ElevatedGate struct{}

func (ElevatedGate) Authorize(ctx context.Context, action Action) (bool, error) {
	return true, nil
}

// CredentialGate asks an external verifier to confirm admin credentials. The
// verifier is typically backed by a dialog or a side-channel auth endpoint.
type CredentialGate struct {
	Verify func(ctx context.Context, action Action) (bool, error)
}

func (g CredentialGate) Authorize(ctx context.Context, action Action) (bool, error) {
	if g.Verify == nil {
		return false, nil
	}
	return g.Verify(ctx, action)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, action Action) (bool, error)

func (f GateFunc) Authorize(ctx context.Context, action Action) (bool, error) {
	return f(ctx, action)
}
