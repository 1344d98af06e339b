package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/gatekeep/internal/canonical"
	"github.com/kadirpekel/gatekeep/internal/explorer"
)

type fakeExplorerClient struct {
	mu            sync.Mutex
	pushCalls     int
	appendCalls   int
	pushedTrace   []canonical.Message
	appendedTail  []canonical.Message
	pushErr       error
	appendErr     error
	traceIDToGive string
}

func (f *fakeExplorerClient) PushTrace(ctx context.Context, messages []canonical.Message, dataset string, metadata map[string]any, annotations []explorer.Annotation, gatewayCredential string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	f.pushedTrace = messages
	if f.pushErr != nil {
		return "", f.pushErr
	}
	if f.traceIDToGive == "" {
		f.traceIDToGive = "trace-1"
	}
	return f.traceIDToGive, nil
}

func (f *fakeExplorerClient) AppendMessages(ctx context.Context, traceID string, messages []canonical.Message, annotations []explorer.Annotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendCalls++
	f.appendedTail = messages
	return f.appendErr
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	store := NewStore()
	a := store.Create("s1", "my-dataset", true, "cred")
	b := store.Create("s1", "other-dataset", false, "other-cred")

	assert.Same(t, a, b)
	assert.True(t, store.Exists("s1"))
}

func TestStoreDestroy(t *testing.T) {
	store := NewStore()
	store.Create("s1", "", false, "")
	store.Destroy("s1")
	assert.False(t, store.Exists("s1"))
	assert.Nil(t, store.Get("s1"))
}

func TestStoreCount(t *testing.T) {
	store := NewStore()
	assert.Equal(t, 0, store.Count())

	store.Create("s1", "", false, "")
	store.Create("s2", "", false, "")
	assert.Equal(t, 2, store.Count())

	store.Create("s1", "", false, "")
	assert.Equal(t, 2, store.Count())

	store.Destroy("s1")
	assert.Equal(t, 1, store.Count())
}

func TestSessionAddMessage_PushTraceThenAppendMessages(t *testing.T) {
	store := NewStore()
	sess := store.Create("s1", "my-dataset", true, "cred")
	client := &fakeExplorerClient{}

	sess.AddMessage(context.Background(), client, canonical.NewTextMessage(canonical.RoleUser, "hi"), nil)
	assert.Equal(t, 1, client.pushCalls)
	assert.Equal(t, 0, client.appendCalls)

	sess.AddMessage(context.Background(), client, canonical.NewTextMessage(canonical.RoleAssistant, "hello"), nil)
	assert.Equal(t, 1, client.pushCalls)
	assert.Equal(t, 1, client.appendCalls)
	require.Len(t, client.appendedTail, 1)
	assert.Equal(t, "hello", client.appendedTail[0].Text())
}

func TestSessionAddMessage_NoPushWhenDisabled(t *testing.T) {
	store := NewStore()
	sess := store.Create("s1", "my-dataset", false, "cred")
	client := &fakeExplorerClient{}

	sess.AddMessage(context.Background(), client, canonical.NewTextMessage(canonical.RoleUser, "hi"), nil)
	assert.Equal(t, 0, client.pushCalls)

	trace := sess.Trace()
	require.Len(t, trace, 1)
}

func TestSessionNewAnnotations_DedupesRepeatViolations(t *testing.T) {
	store := NewStore()
	sess := store.Create("s1", "", false, "")

	ann := explorer.Annotation{Content: "blocked call", Address: "messages.0.tool_calls.0"}
	first := sess.NewAnnotations([]explorer.Annotation{ann})
	require.Len(t, first, 1)

	client := &fakeExplorerClient{}
	sess.AddMessage(context.Background(), client, canonical.NewTextMessage(canonical.RoleAssistant, "x"), first)

	second := sess.NewAnnotations([]explorer.Annotation{ann})
	assert.Empty(t, second, "a previously recorded annotation should not be reported again")
}

func TestSessionMethodForRoundTrip(t *testing.T) {
	store := NewStore()
	sess := store.Create("s1", "", false, "")
	sess.RecordRequestID(float64(1), "tools/call")

	method, ok := sess.MethodFor(float64(1))
	require.True(t, ok)
	assert.Equal(t, "tools/call", method)

	_, ok = sess.MethodFor(float64(2))
	assert.False(t, ok)
}

func TestSessionPendingErrors(t *testing.T) {
	store := NewStore()
	sess := store.Create("s1", "", false, "")

	sess.AddPendingError([]byte(`{"error":"blocked"}`))
	sess.AddPendingError([]byte(`{"error":"also blocked"}`))

	drained := sess.DrainPendingErrors()
	require.Len(t, drained, 2)
	assert.Empty(t, sess.DrainPendingErrors())
}
