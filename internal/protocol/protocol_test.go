package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresType(t *testing.T) {
	_, err := Decode([]byte(`{"id":"r1","method":"skill_fetch"}`))
	require.ErrorIs(t, err, ErrMissingType)

	f, err := Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	require.Equal(t, KindHeartbeat, f.Type)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestResponseConstructors(t *testing.T) {
	ok := Response("r1", json.RawMessage(`{"n":1}`))
	require.Equal(t, KindResponse, ok.Type)
	require.Equal(t, "r1", ok.ID)
	require.Nil(t, ok.Error)

	fail := ErrorResponse("r2", ErrCodeHandlerFailed, "boom")
	require.Equal(t, KindResponse, fail.Type)
	require.NotNil(t, fail.Error)
	require.Equal(t, ErrCodeHandlerFailed, fail.Error.Code)
}

func TestFrameOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(&Frame{Type: KindHeartbeat})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"heartbeat"}`, string(raw))
}

func TestCloseCodeName(t *testing.T) {
	require.Equal(t, "auth_failure", CloseCodeName(CloseAuthFailure))
	require.Equal(t, "duplicate_connection", CloseCodeName(CloseDuplicateConnection))
	require.NotEmpty(t, CloseCodeName(1006))
}
