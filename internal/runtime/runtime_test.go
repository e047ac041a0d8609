package runtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	started   json.RawMessage
	stopped   string
	cancelled string
	messages  []json.RawMessage
	requests  []string
}

func (f *fakeTransport) StartSession(userID, sessionID string, config json.RawMessage) error {
	f.started = config
	return nil
}

func (f *fakeTransport) StopSession(userID, sessionID, reason string) error {
	f.stopped = reason
	return nil
}

func (f *fakeTransport) UserMessage(userID, sessionID string, data json.RawMessage) error {
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeTransport) Cancel(userID, sessionID, reason string) {
	f.cancelled = reason
}

func (f *fakeTransport) Request(ctx context.Context, userID, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	f.requests = append(f.requests, method)
	return json.RawMessage(`{}`), nil
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("python", &fakeTransport{}, "user-1", "sess-1")
	require.Error(t, err)
}

func TestStartEnvelopeCarriesKind(t *testing.T) {
	for _, kind := range []Kind{KindSemigraph, KindNode} {
		ft := &fakeTransport{}
		rt, err := New(kind, ft, "user-1", "sess-1")
		require.NoError(t, err)
		require.Equal(t, kind, rt.Kind())

		require.NoError(t, rt.Start(context.Background(), json.RawMessage(`{"a":1}`)))

		var env struct {
			Runtime string          `json:"runtime"`
			Config  json.RawMessage `json:"config"`
		}
		require.NoError(t, json.Unmarshal(ft.started, &env))
		require.Equal(t, string(kind), env.Runtime)
		require.JSONEq(t, `{"a":1}`, string(env.Config))
	}
}

func TestSnapshotMethodPerKind(t *testing.T) {
	ft := &fakeTransport{}

	sg, err := New(KindSemigraph, ft, "user-1", "sess-1")
	require.NoError(t, err)
	_, err = sg.Snapshot(context.Background())
	require.NoError(t, err)

	nd, err := New(KindNode, ft, "user-1", "sess-2")
	require.NoError(t, err)
	_, err = nd.Snapshot(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"graph.snapshot", "node.snapshot"}, ft.requests)
}

func TestLifecycleDelegation(t *testing.T) {
	ft := &fakeTransport{}
	rt, err := New(KindSemigraph, ft, "user-1", "sess-1")
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), json.RawMessage(`{"text":"hi"}`)))
	rt.Cancel("user asked")
	require.NoError(t, rt.Stop("finished"))

	require.Len(t, ft.messages, 1)
	require.Equal(t, "user asked", ft.cancelled)
	require.Equal(t, "finished", ft.stopped)
}
