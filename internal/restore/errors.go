package restore

import (
	"github.com/pingcap/errors"
)

// Errors returned by the coordinator. Every fatal error leaves the apply-status
// record untouched.
var (
	ErrInitFailed        = errors.Normalize("consumer init failed", errors.RFCCodeText("Restore:Protocol:ErrInitFailed"))
	ErrObjectFailed      = errors.Normalize("restore of object %d (%s) failed", errors.RFCCodeText("Restore:Protocol:ErrObjectFailed"))
	ErrEndOfTables       = errors.Normalize("end of tables failed", errors.RFCCodeText("Restore:Protocol:ErrEndOfTables"))
	ErrEndOfTuples       = errors.Normalize("end of tuples failed", errors.RFCCodeText("Restore:Protocol:ErrEndOfTuples"))
	ErrEndOfLog          = errors.Normalize("end of log entries failed", errors.RFCCodeText("Restore:Protocol:ErrEndOfLog"))
	ErrLogApply          = errors.Normalize("apply of log entry %d failed", errors.RFCCodeText("Restore:Protocol:ErrLogApply"))
	ErrBookkeeping       = errors.Normalize("apply status bookkeeping failed", errors.RFCCodeText("Restore:Protocol:ErrBookkeeping"))
	ErrRetryExhausted    = errors.Normalize("temporary error persisted after %d retries", errors.RFCCodeText("Restore:Protocol:ErrRetryExhausted"))
	ErrAborted           = errors.Normalize("restore aborted before %s phase", errors.RFCCodeText("Restore:Protocol:ErrAborted"))
	ErrProtocolViolation = errors.Normalize("%s not allowed in phase %s", errors.RFCCodeText("Restore:Protocol:ErrProtocolViolation"))
	ErrSchemaMismatch    = errors.Normalize("table %s differs from the table in the target", errors.RFCCodeText("Restore:Protocol:ErrSchemaMismatch"))
	ErrSource            = errors.Normalize("reading %s failed", errors.RFCCodeText("Restore:Protocol:ErrSource"))

	// ErrInconsistency marks a log entry that could not be applied against
	// current state, such as an update of a missing key. It is recorded and
	// the restore continues.
	ErrInconsistency = errors.Normalize("log entry %d on %s: %s", errors.RFCCodeText("Restore:Protocol:ErrInconsistency"))
	// ErrTemporary marks a failure a consumer expects to clear on retry.
	ErrTemporary = errors.Normalize("temporary failure", errors.RFCCodeText("Restore:Protocol:ErrTemporary"))
)

// IsInconsistency reports whether err is a recoverable log inconsistency.
func IsInconsistency(err error) bool {
	return Is(err, ErrInconsistency)
}

// Is reports whether err or any error it wraps is an instance of target.
func Is(err error, target *errors.Error) bool {
	for err != nil {
		if e, ok := err.(*errors.Error); ok && e.ID() == target.ID() {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		case interface{ Cause() error }:
			err = x.Cause()
		default:
			return false
		}
	}
	return false
}
