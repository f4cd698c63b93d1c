// Package vectorstore persists agent memories (§3's Memory type: memory_id,
// agent_id, content, embedding, created_at) using chromem-go, an embedded
// pure-Go vector database. One collection per agent id keeps each agent's
// memory search scoped and lets per-agent embedding dimensions vary freely
// while still being enforced within an agent.
//
// Grounded on kadirpekel-hector's pkg/vector.ChromemProvider: the
// persistent-vs-in-memory chromem.DB construction, the lazy
// get-or-create collection cache, the identity embeddingFunc (this runtime
// always supplies pre-computed embeddings, never asks chromem to embed
// text itself), and gzip-compressed file persistence after each mutation.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/persistence"
)

// Memory is one persisted agent memory (§3).
type Memory struct {
	ID        ids.ID
	AgentID   ids.ID
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// Match is one similarity-search hit.
type Match struct {
	Memory Memory
	Score  float32
}

// Config configures the store's on-disk persistence.
type Config struct {
	// PersistPath, if non-empty, is the directory chromem-go's exported
	// database file lives in. Empty means in-memory only.
	PersistPath string

	// Compress gzip-compresses the persisted export.
	Compress bool
}

// Store persists agent memories and serves nearest-neighbor search over
// their embeddings.
type Store struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	dimMu sync.Mutex
	dims  map[string]int
}

// Open constructs a Store, loading a persisted export from cfg.PersistPath
// if one exists.
func Open(cfg Config) (*Store, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, persistence.NewError(persistence.ErrDBOpen, "create vector store persist directory", err)
		}

		dbPath := exportPath(cfg.PersistPath, cfg.Compress)
		if _, err := os.Stat(dbPath); err == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				return nil, persistence.NewError(persistence.ErrDBOpen, "load persisted vector store", err)
			}
			db = loaded
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &Store{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
	}, nil
}

func exportPath(persistPath string, compress bool) string {
	path := persistPath + "/memories.gob"
	if compress {
		path += ".gz"
	}
	return path
}

// identityEmbed rejects calls: every embedding this store stores is supplied
// pre-computed by the caller (the runtime's embedding provider), never
// computed by chromem-go itself.
func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("vectorstore: embeddings must be precomputed, chromem embeddingFunc should never be invoked")
}

func (s *Store) collectionFor(agentID ids.ID) (*chromem.Collection, error) {
	name := agentID.String()

	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "get or create agent memory collection", err)
	}
	s.collections[name] = col
	return col, nil
}

// checkDimension enforces §3's invariant that all embeddings for one agent
// share dimension: the first embedding stored for an agent fixes that
// agent's dimension for every subsequent Upsert.
func (s *Store) checkDimension(agentID ids.ID, embedding []float32) error {
	s.dimMu.Lock()
	defer s.dimMu.Unlock()

	key := agentID.String()
	if want, ok := s.dims[key]; ok {
		if len(embedding) != want {
			return persistence.NewError(persistence.ErrSerialization,
				fmt.Sprintf("embedding dimension %d does not match agent %s's established dimension %d", len(embedding), key, want), nil)
		}
		return nil
	}
	s.dims[key] = len(embedding)
	return nil
}

// Upsert stores or replaces a memory.
func (s *Store) Upsert(ctx context.Context, mem Memory) error {
	if err := s.checkDimension(mem.AgentID, mem.Embedding); err != nil {
		return err
	}

	col, err := s.collectionFor(mem.AgentID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        mem.ID.String(),
		Content:   mem.Content,
		Embedding: mem.Embedding,
		Metadata: map[string]string{
			"agent_id":   mem.AgentID.String(),
			"created_at": mem.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}

	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return persistence.NewError(persistence.ErrQuery, "upsert memory", err)
	}

	if err := s.persist(); err != nil {
		return err
	}
	return nil
}

// Search returns the topK memories for agentID most similar to embedding,
// or all of them when the agent has fewer than topK.
func (s *Store) Search(ctx context.Context, agentID ids.ID, embedding []float32, topK int) ([]Match, error) {
	col, err := s.collectionFor(agentID)
	if err != nil {
		return nil, err
	}

	// chromem-go rejects a result count above the collection size or below one.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, topK, nil, nil)
	if err != nil {
		return nil, persistence.NewError(persistence.ErrQuery, "search memories", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		memoryID, err := ids.Parse(ids.KindMemory, r.ID)
		if err != nil {
			return nil, persistence.NewError(persistence.ErrDeserialization, "parse memory id from search result", err)
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		out = append(out, Match{
			Score: r.Similarity,
			Memory: Memory{
				ID:        memoryID,
				AgentID:   agentID,
				Content:   r.Content,
				CreatedAt: createdAt,
			},
		})
	}
	return out, nil
}

// Delete removes one memory.
func (s *Store) Delete(ctx context.Context, agentID ids.ID, memoryID ids.ID) error {
	col, err := s.collectionFor(agentID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, memoryID.String()); err != nil {
		return persistence.NewError(persistence.ErrQuery, "delete memory", err)
	}
	return s.persist()
}

// Close persists the store's final state, if persistence is enabled.
func (s *Store) Close() error { return s.persist() }

func (s *Store) persist() error {
	if s.persistPath == "" {
		return nil
	}
	//nolint:staticcheck // Export is the only chromem-go API for file persistence.
	if err := s.db.Export(exportPath(s.persistPath, s.compress), s.compress, ""); err != nil {
		return persistence.NewError(persistence.ErrQuery, "persist vector store", err)
	}
	return nil
}
