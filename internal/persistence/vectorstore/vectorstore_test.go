package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/persistence"
)

func TestUpsertAndSearchRoundTrips(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	agentID := ids.NewAgent()
	mem := Memory{
		ID:        ids.NewMemory(),
		AgentID:   agentID,
		Content:   "remember to check the build",
		Embedding: []float32{0.1, 0.2, 0.3},
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Upsert(context.Background(), mem))

	matches, err := s.Search(context.Background(), agentID, []float32{0.1, 0.2, 0.3}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, mem.Content, matches[0].Memory.Content)
}

func TestUpsertRejectsMismatchedDimensionForSameAgent(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	agentID := ids.NewAgent()
	first := Memory{ID: ids.NewMemory(), AgentID: agentID, Content: "a", Embedding: []float32{1, 2, 3}, CreatedAt: time.Now()}
	require.NoError(t, s.Upsert(context.Background(), first))

	second := Memory{ID: ids.NewMemory(), AgentID: agentID, Content: "b", Embedding: []float32{1, 2}, CreatedAt: time.Now()}
	err = s.Upsert(context.Background(), second)
	require.Error(t, err)

	var pErr *persistence.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, persistence.ErrSerialization, pErr.Type)
}

func TestDimensionIsIndependentPerAgent(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	agentA, agentB := ids.NewAgent(), ids.NewAgent()
	require.NoError(t, s.Upsert(context.Background(), Memory{
		ID: ids.NewMemory(), AgentID: agentA, Content: "a", Embedding: []float32{1, 2, 3}, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.Upsert(context.Background(), Memory{
		ID: ids.NewMemory(), AgentID: agentB, Content: "b", Embedding: []float32{1, 2}, CreatedAt: time.Now(),
	}))
}

func TestDeleteRemovesMemory(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	defer s.Close()

	agentID := ids.NewAgent()
	mem := Memory{ID: ids.NewMemory(), AgentID: agentID, Content: "temp", Embedding: []float32{1, 0}, CreatedAt: time.Now()}
	require.NoError(t, s.Upsert(context.Background(), mem))
	require.NoError(t, s.Delete(context.Background(), agentID, mem.ID))

	matches, err := s.Search(context.Background(), agentID, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
