package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "eligibility/pkg/platform/audit"
)

func TestListBySubjectKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Append(ctx, audit.Event{Subject: "c-1", Action: string(audit.EventCheckCreated)}))
	require.NoError(t, s.Append(ctx, audit.Event{Subject: "c-2", Action: string(audit.EventCheckCreated)}))
	require.NoError(t, s.Append(ctx, audit.Event{Subject: "c-1", Action: string(audit.EventCheckCompleted)}))

	events, err := s.ListBySubject(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, string(audit.EventCheckCreated), events[0].Action)
	assert.Equal(t, string(audit.EventCheckCompleted), events[1].Action)

	none, err := s.ListBySubject(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCapacityDropsOldest(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(WithCapacity(2))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, audit.Event{Subject: id}))
	}
	assert.Equal(t, 2, s.Len())

	gone, err := s.ListBySubject(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, gone)
}
