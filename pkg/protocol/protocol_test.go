package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeSatisfies(t *testing.T) {
	assert.True(t, ScopeSatisfies(ScopeAdmin, ScopeWrite))
	assert.True(t, ScopeSatisfies(ScopeAdmin, ScopePairing))
	assert.True(t, ScopeSatisfies(ScopeWrite, ScopeRead))
	assert.True(t, ScopeSatisfies(ScopeRead, ScopeRead))

	assert.False(t, ScopeSatisfies(ScopeRead, ScopeWrite))
	assert.False(t, ScopeSatisfies(ScopeWrite, ScopeAdmin))
	assert.False(t, ScopeSatisfies(ScopeApprovals, ScopePairing))
	assert.False(t, ScopeSatisfies(ScopeApprovals, ScopeRead))
}

func TestErrorRetryability(t *testing.T) {
	assert.True(t, NewError(ErrSessionBusy, "busy").Retryable)
	assert.True(t, NewError(ErrProviderError, "overloaded").Retryable)
	assert.True(t, NewError(ErrRateLimited, "slow down").Retryable)
	assert.False(t, NewError(ErrForbidden, "no").Retryable)
	assert.False(t, NewError(ErrUnknownMethod, "what").Retryable)
}

func TestFrameRoundTrip(t *testing.T) {
	req := NewRequest("r1", MethodChatSend, json.RawMessage(`{"message":"hi"}`))
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var back RequestFrame
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, FrameReq, back.Type)
	assert.Equal(t, MethodChatSend, back.Method)

	res := NewErrorResponse("r1", NewError(ErrInvalidParams, "bad"))
	data, err = json.Marshal(res)
	require.NoError(t, err)
	var backRes ResponseFrame
	require.NoError(t, json.Unmarshal(data, &backRes))
	assert.False(t, backRes.OK)
	assert.Equal(t, ErrInvalidParams, backRes.Error.Code)
}
