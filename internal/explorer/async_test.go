package explorer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsyncPusher_PushesInBackground(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": []string{"t1"}})
	}))
	defer srv.Close()

	client := New(srv.URL)
	pusher := NewAsyncPusher(client, 4)

	pusher.PushTrace("my-dataset", nil, nil, nil, "")
	pusher.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAsyncPusher_SkipsEmptyDataset(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client := New(srv.URL)
	pusher := NewAsyncPusher(client, 4)

	pusher.PushTrace("", nil, nil, nil, "")
	pusher.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
