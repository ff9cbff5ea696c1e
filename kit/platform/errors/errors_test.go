package errors_test

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/influxdata/agency/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorCode_Wrapped(t *testing.T) {
	base := &errors.Error{Code: errors.ENotLeader, Op: "raft.Write"}
	wrapped := fmt.Errorf("write failed: %w", base)

	require.Equal(t, errors.ENotLeader, errors.ErrorCode(wrapped))
	require.Equal(t, "raft.Write", errors.ErrorOp(wrapped))
	require.True(t, stderrors.Is(wrapped, &errors.Error{Code: errors.ENotLeader}))
	require.False(t, stderrors.Is(wrapped, &errors.Error{Code: errors.ETimeout}))
}

func TestErrorCode_Nested(t *testing.T) {
	err := &errors.Error{
		Op:  "compaction.Compact",
		Err: &errors.Error{Code: errors.ECompacted, Msg: "index 3 precedes boundary 10"},
	}
	require.Equal(t, errors.ECompacted, errors.ErrorCode(err))
	require.Equal(t, "index 3 precedes boundary 10", errors.ErrorMessage(err))
	require.Equal(t, errors.EInternal, errors.ErrorCode(stderrors.New("plain")))
	require.Equal(t, "", errors.ErrorCode(nil))
}

func TestRetryable(t *testing.T) {
	require.True(t, errors.Retryable(&errors.Error{Code: errors.ETimeout}))
	require.True(t, errors.Retryable(&errors.Error{Code: errors.ENotLeader}))
	require.False(t, errors.Retryable(&errors.Error{Code: errors.ECorrupt}))
	require.False(t, errors.Retryable(&errors.Error{Code: errors.ECompacted}))
}

func TestError_JSONRoundTrip(t *testing.T) {
	in := &errors.Error{
		Code: errors.ENotLeader,
		Msg:  "leader is node 2",
		Op:   "raft.Write",
		Err:  &errors.Error{Code: errors.EUnavailable, Msg: "lost quorum"},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out errors.Error
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in.Code, out.Code)
	require.Equal(t, in.Msg, out.Msg)
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(out.Err))
}
