package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	audit "eligibility/pkg/platform/audit"
	"eligibility/pkg/platform/audit/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		Subject:  "check-1",
		Action:   string(audit.EventCheckCompleted),
		Decision: "eligible",
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), "check-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			Subject: "check-2",
			Action:  string(audit.EventCheckCreated),
		})
		require.NoError(t, err)
	}

	pub.Close()
	pub.Close()

	events, err := store.ListBySubject(context.Background(), "check-2")
	require.NoError(t, err)
	assert.Len(t, events, 10)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("disk full")
}

func (failingStore) ListBySubject(context.Context, string) ([]audit.Event, error) {
	return nil, nil
}

func TestPublisher_SyncErrorPropagates(t *testing.T) {
	pub := NewPublisher(failingStore{})
	err := pub.Emit(context.Background(), audit.Event{Subject: "x", Action: "check_created", Timestamp: time.Now()})
	assert.Error(t, err)
}
