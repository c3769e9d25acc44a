package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftctl/runbookd/internal/errors"
	"github.com/shiftctl/runbookd/internal/messaging"
)

// flakyBroker fails the first n publishes, then delegates.
type flakyBroker struct {
	*messaging.MemoryBroker
	mu       sync.Mutex
	failures int
}

func (f *flakyBroker) Publish(ctx context.Context, subject string, body []byte, props map[string]string) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("broker unavailable")
	}
	f.mu.Unlock()
	return f.MemoryBroker.Publish(ctx, subject, body, props)
}

func TestDispatchRetriesTransientPublishFailure(t *testing.T) {
	broker := &flakyBroker{MemoryBroker: messaging.NewMemoryBroker(), failures: 2}
	var (
		mu   sync.Mutex
		got  []*messaging.Job
		prop string
	)
	require.NoError(t, broker.MemoryBroker.Subscribe(context.Background(), messaging.SubjectJobs, "workers",
		func(_ context.Context, msg *messaging.Message) error {
			var job messaging.Job
			if err := messaging.Decode(msg.Body, &job); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, &job)
			prop = msg.Props[messaging.PropWorkerID]
			mu.Unlock()
			return nil
		}))

	d := NewDispatcher(broker, WithPublishBudget(5*time.Second))
	err := d.Dispatch(context.Background(), &messaging.Job{
		JobID:        "step-1",
		WorkerID:     "exchange",
		FunctionName: "MoveMailbox",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "step-1", got[0].JobID)
	// Worker pools filter their subscription on this property.
	assert.Equal(t, "exchange", prop)
}

func TestDispatchSurfacesExhaustedBudget(t *testing.T) {
	broker := &flakyBroker{MemoryBroker: messaging.NewMemoryBroker(), failures: 1 << 30}
	d := NewDispatcher(broker, WithPublishBudget(300*time.Millisecond))

	err := d.Dispatch(context.Background(), &messaging.Job{JobID: "step-2", WorkerID: "exchange"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDispatchFailure, errors.CodeOf(err))
}
