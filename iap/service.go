package iap

import "context"

type LifecycleState uint8

const (
	LifecycleStateStopped LifecycleState = iota
	LifecycleStateStarting
	LifecycleStateStarted
	LifecycleStateStopping
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleStateStopped:
		return "stopped"
	case LifecycleStateStarting:
		return "starting"
	case LifecycleStateStarted:
		return "started"
	case LifecycleStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is a platform-agnostic purchase service.
//
// Important: only one purchase can be in flight at a time. A second purchase
// issued while one is pending fails with ErrOperationInProgress.
//
// Blocking calls return when the underlying channel reports a terminal event
// for the request. The ctx only bounds how long the caller waits; giving up on
// a wait does not cancel the request itself.
type Service interface {
	// Init binds the service to the native channel. It must be called before
	// any other operation and returns the service itself.
	Init(ctx context.Context, platformCtx any) (Service, error)

	// Resume starts the service and returns the resulting started flag.
	Resume(ctx context.Context) (bool, error)

	// Pause stops the service and returns the resulting started flag. It is a
	// no-op while a purchase is in flight.
	Pause(ctx context.Context) (bool, error)

	// Purchase buys the product. Failures are returned as *Error values,
	// cancellations as ErrCancelled.
	Purchase(ctx context.Context, product Product) (*Purchase, error)

	IsStarted() bool

	// Dispose releases the channel and cancels any pending purchase. It never
	// fails and is idempotent.
	Dispose()
}
