package errors

// Kind classifies a reconciliation error for propagation and retry decisions.
type Kind string

const (
	KindUnknown             Kind = "UNKNOWN"
	KindCycleDetected       Kind = "CYCLE_DETECTED"
	KindUnresolvedReference Kind = "UNRESOLVED_REFERENCE"
	KindTypeMismatch        Kind = "TYPE_MISMATCH"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindLockHeld            Kind = "LOCK_HELD"
	KindStaleLock           Kind = "STALE_LOCK"
	KindTransientProvider   Kind = "TRANSIENT_PROVIDER_ERROR"
	KindFatalProvider       Kind = "FATAL_PROVIDER_ERROR"
	KindStateIO             Kind = "STATE_IO_ERROR"
	KindConfig              Kind = "CONFIG_ERROR"
	KindDocument            Kind = "DOCUMENT_ERROR"
	KindPreventDestroy      Kind = "PREVENT_DESTROY"
)

func (k Kind) String() string {
	return string(k)
}
