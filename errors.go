package agency

import (
	"fmt"

	"github.com/influxdata/agency/kit/platform/errors"
)

var (
	// ErrNotLeader is returned when a write is sent to a node that is not the leader.
	ErrNotLeader = &errors.Error{Code: errors.ENotLeader, Msg: "node is not the leader"}

	// ErrClusterTimeout is returned when a wait exceeds its deadline. The
	// operation may still take effect.
	ErrClusterTimeout = &errors.Error{Code: errors.ETimeout, Msg: "cluster timeout; outcome unknown"}

	// ErrCompacted is returned when an index precedes the first retained log entry.
	ErrCompacted = &errors.Error{Code: errors.ECompacted, Msg: "requested index has been compacted"}

	// ErrEntryNotFound is returned when an index is past the end of the log.
	ErrEntryNotFound = &errors.Error{Code: errors.ENotFound, Msg: "log entry not found"}

	// ErrPreconditionFailed is returned when a transaction's preconditions did not hold.
	ErrPreconditionFailed = &errors.Error{Code: errors.EPrecondition, Msg: "precondition failed"}

	// ErrEmptyOperationSet is returned when a write carries no operations.
	ErrEmptyOperationSet = &errors.Error{Code: errors.EInvalid, Msg: "operation set is empty"}

	// ErrLogEntryTooLarge is returned when an entry payload exceeds MaxLogEntrySize.
	ErrLogEntryTooLarge = &errors.Error{Code: errors.EInvalid, Msg: "log entry too large"}

	// ErrClosed is returned when operating on a closed component.
	ErrClosed = &errors.Error{Code: errors.EUnavailable, Msg: "closed"}
)

// NotLeaderError returns ErrNotLeader annotated with the known leader, if any.
func NotLeaderError(op string, leaderID uint64) error {
	if leaderID == 0 {
		return &errors.Error{Code: errors.ENotLeader, Op: op, Msg: "node is not the leader; leader unknown"}
	}
	return &errors.Error{Code: errors.ENotLeader, Op: op, Msg: fmt.Sprintf("node is not the leader; leader is %d", leaderID)}
}

// CompactedError returns ErrCompacted annotated with the requested index and
// the first index still present in the log.
func CompactedError(op string, index, first uint64) error {
	return &errors.Error{
		Code: errors.ECompacted,
		Op:   op,
		Msg:  fmt.Sprintf("index %d precedes first retained index %d; use a snapshot", index, first),
	}
}

// CorruptStateError wraps err as a fatal state error.
func CorruptStateError(op string, err error) error {
	return &errors.Error{Code: errors.ECorrupt, Op: op, Err: err}
}

func invalidf(format string, args ...interface{}) error {
	return &errors.Error{Code: errors.EInvalid, Msg: fmt.Sprintf(format, args...)}
}
