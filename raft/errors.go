package raft

import "github.com/influxdata/agency/kit/platform/errors"

var (
	// ErrAlreadyOpen is returned when opening a node that is already open.
	ErrAlreadyOpen = &errors.Error{Code: errors.EConflict, Msg: "node already open"}

	// ErrStaleTerm is returned when a request carries a term older than the
	// receiver's current term.
	ErrStaleTerm = &errors.Error{Code: errors.EConflict, Msg: "stale term"}

	// ErrAlreadyVoted is returned when a vote is requested from a node that
	// voted for another candidate in the same term.
	ErrAlreadyVoted = &errors.Error{Code: errors.EConflict, Msg: "already voted"}

	// ErrOutOfDateLog is returned when a candidate's log is less up to date
	// than the voter's.
	ErrOutOfDateLog = &errors.Error{Code: errors.EConflict, Msg: "out of date log"}

	// ErrUnknownPeer is returned when a message is addressed to a peer the
	// transport cannot reach.
	ErrUnknownPeer = &errors.Error{Code: errors.EUnavailable, Msg: "unknown peer"}
)
