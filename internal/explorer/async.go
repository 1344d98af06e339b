package explorer

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/gatekeep/internal/canonical"
)

// AsyncPusher launches bounded-lifetime background trace pushes, used by
// the LLM proxy routes' "asynchronously push the trace" step, so a client
// disconnect cannot pile up goroutines unboundedly.
type AsyncPusher struct {
	client  *Client
	group   *errgroup.Group
	timeout time.Duration
}

// NewAsyncPusher constructs a pusher bounded to maxInFlight concurrent
// pushes.
func NewAsyncPusher(client *Client, maxInFlight int) *AsyncPusher {
	group := &errgroup.Group{}
	if maxInFlight > 0 {
		group.SetLimit(maxInFlight)
	}
	return &AsyncPusher{client: client, group: group, timeout: 30 * time.Second}
}

// PushTrace schedules a fire-and-forget push_trace call, detached from the
// request context so it survives client disconnect.
func (p *AsyncPusher) PushTrace(dataset string, messages []canonical.Message, metadata map[string]any, annotations []Annotation, gatewayCredential string) {
	if dataset == "" {
		return
	}
	p.group.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if _, err := p.client.PushTrace(ctx, messages, dataset, metadata, annotations, gatewayCredential); err != nil {
			slog.Warn("explorer: async push_trace failed (non-fatal)", "dataset", dataset, "error", err)
		}
		return nil
	})
}

// Wait blocks until all scheduled pushes complete.
func (p *AsyncPusher) Wait() {
	_ = p.group.Wait()
}
