// Package epstatus defines the error taxonomy shared by every core
// component. Callers compare with errors.Is; internal components may
// wrap a sentinel with additional context via fmt.Errorf("...: %w", ...).
package epstatus

import (
	"errors"

	"github.com/ledgerwatch/ep-core/log"
)

// Exported taxonomy. These are the only statuses a caller outside the
// core should ever observe.
var (
	ErrKeyExists         = errors.New("key exists")
	ErrKeyMissing        = errors.New("key missing")
	ErrNotMyVBucket      = errors.New("not my vbucket")
	ErrTmpFail           = errors.New("temporary failure")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrWouldBlock        = errors.New("would block")
	ErrDisconnect        = errors.New("disconnected")
	ErrInvalid           = errors.New("invalid argument")
	ErrRollbackRequested = errors.New("rollback requested")
	ErrRollbackRequired  = errors.New("rollback required")
)

// Internal-only statuses. These must never cross the core's external
// boundary; callers normalize them before returning.
var (
	errRetry              = errors.New("retry")
	errHandleBusy         = errors.New("handle busy")
	errCompactionConflict = errors.New("compaction conflict")
)

// ErrRetry reports a transient condition the caller should retry
// without surfacing to the request boundary.
func ErrRetry() error { return errRetry }

// ErrHandleBusy reports that a storage handle is in use by another
// in-flight operation.
func ErrHandleBusy() error { return errHandleBusy }

// ErrCompactionConflict reports that an operation collided with an
// in-progress compaction pass.
func ErrCompactionConflict() error { return errCompactionConflict }

// NormalizeStorageError maps a raw storage-layer error onto the
// taxonomy:
//
//	NoSuchFile | NoHeader -> TmpFail
//	AllocFail             -> OutOfMemory
//	DocNotFound           -> KeyMissing
//	everything else       -> TmpFail (caller should log a warning)
func NormalizeStorageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrKeyMissing):
		return ErrKeyMissing
	case errors.Is(err, ErrOutOfMemory):
		return ErrOutOfMemory
	default:
		return ErrTmpFail
	}
}

// RecoverOOM implements the request-boundary recovery policy: an
// OutOfMemory at the boundary becomes an externally retriable TmpFail.
func RecoverOOM(err error) error {
	if errors.Is(err, ErrOutOfMemory) {
		return ErrTmpFail
	}
	return err
}

// MustNotHappen reports a fatal invariant violation the core has no
// recovery path for (a corrupted checkpoint chain, an impossible
// state transition): it logs at Crit, which terminates the process
// the same way go-ethereum's log.Crit does, mirroring the source's
// treatment of these as unrecoverable rather than retriable errors.
func MustNotHappen(msg string, ctx ...interface{}) {
	log.Crit(msg, ctx...)
}
