package system

import "context"

// Service represents a lifecycle-managed component. All application modules
// that run background work implement this interface so the system manager can
// start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
