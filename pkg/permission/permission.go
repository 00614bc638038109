package permission

import (
	"context"
	"errors"
	"fmt"
)

var ErrPermissionDenied = errors.New("permission denied")

// Capability names one {resource, operation} pair an operation requires,
// e.g. {"content", "write"} or {"components", "move"}.
type Capability struct {
	Resource  string
	Operation string
}

func (c Capability) String() string {
	return c.Resource + ":" + c.Operation
}

// Checker is the external permission collaborator. Identity is assumed
// resolved by the caller; the engine only asks yes/no per capability.
type Checker interface {
	Allowed(ctx context.Context, userID string, cap Capability) (bool, error)
}

// Check turns a checker's answer into a hard error on denial. The engine
// calls this before any optimistic mutation, so denials never need rollback.
func Check(ctx context.Context, checker Checker, userID string, cap Capability) error {
	if checker == nil {
		return fmt.Errorf("%s: no permission checker configured: %w", cap, ErrPermissionDenied)
	}
	ok, err := checker.Allowed(ctx, userID, cap)
	if err != nil {
		return fmt.Errorf("%s: permission check failed: %w", cap, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", cap, ErrPermissionDenied)
	}
	return nil
}

// AllowAll grants every capability. Useful for tests and trusted tooling.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, string, Capability) (bool, error) {
	return true, nil
}

// StaticChecker grants exactly the capabilities it was built with.
type StaticChecker struct {
	granted map[Capability]bool
}

func NewStaticChecker(caps ...Capability) *StaticChecker {
	granted := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	return &StaticChecker{granted: granted}
}

func (s *StaticChecker) Allowed(_ context.Context, _ string, cap Capability) (bool, error) {
	return s.granted[cap], nil
}
