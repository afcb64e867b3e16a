// Package errs collects the closed error-kind taxonomy the engine, history
// store, and activity worker pool classify outcomes into (spec §7). Kept on
// the standard library rather than a third-party errors package: the
// taxonomy is a small sentinel set private to this module and
// errors.Is/errors.As already give everything a module this size needs from
// it — see DESIGN.md.
package errs

import "errors"

var (
	// ErrOptimisticConflict is returned by the history store when a commit's
	// prior_version/fencing token no longer matches the current high-water.
	// The caller must discard its turn and retry against fresh history.
	ErrOptimisticConflict = errors.New("optimistic conflict: stale fencing token or event_id high-water")

	// ErrNondeterminism is returned by the runtime when replay observes an
	// event that the program's next scheduling call cannot be matched to.
	ErrNondeterminism = errors.New("nondeterminism: replay diverged from recorded history")

	// ErrConfigError marks an activity name that isn't registered, or an
	// input/output payload that fails to (de)serialize against its schema.
	// Never retried.
	ErrConfigError = errors.New("config error: unregistered activity or schema mismatch")

	// ErrAlreadyExists is returned by Start when instance_id already has a
	// run, whatever that run's (name, version, input).
	ErrAlreadyExists = errors.New("orchestration instance already exists")

	// ErrConflictingStart names a start whose (name, version, input) differs
	// from the existing run's. Start does not make that distinction and
	// never returns it; a conflicting start is reported as ErrAlreadyExists.
	ErrConflictingStart = errors.New("orchestration instance exists with conflicting start parameters")

	// ErrBufferOverflow names an external-event buffer overflow. Nothing
	// returns or records it: raise_event keeps no external-event buffer.
	ErrBufferOverflow = errors.New("external event buffer overflow")

	// ErrNotFound is returned by reads (get/status/read_history) for an
	// unknown instance_id.
	ErrNotFound = errors.New("instance not found")

	// ErrLeaseExpired names a lease whose fencing token is no longer
	// current. The history store does not return it: ack and renew_lease
	// report a superseded fencing token as ErrOptimisticConflict.
	ErrLeaseExpired = errors.New("lease expired or fencing token superseded")
)

// Kind classifies an activity outcome per spec §7. Distinct from the
// sentinel errors above: Kind is the wire-level tag stored on
// ActivityFailed events and reported in metrics, while the sentinels are
// Go-level control flow inside this process.
type Kind string

const (
	KindApp           Kind = "app"
	KindInfra         Kind = "infra"
	KindConfig        Kind = "config"
	KindNondeterminism Kind = "nondeterminism"
)

// Classified pairs an error with its Kind, attached by activity handlers
// and the worker pool so the retry engine can decide whether to retry.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return string(c.Kind) + ": " + c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// App wraps err as a logical, non-retryable activity failure: the worker
// pool settles it on the attempt that produced it, whatever max_attempts
// allows, since App failures are never transient infrastructure noise.
func App(err error) error { return &Classified{Kind: KindApp, Err: err} }

// Infra wraps err as a transient failure; consumed by the retry engine and
// only surfaced to the program after max_attempts is exhausted.
func Infra(err error) error { return &Classified{Kind: KindInfra, Err: err} }

// ClassOf extracts the Kind of err, defaulting to KindInfra for an
// unclassified error (conservative: treat unknown failures as retryable).
func ClassOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindInfra
}
