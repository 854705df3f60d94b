package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/embedding"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
	"github.com/nicosuave/memex/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = models.ModelPotion

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store       *storage.SQLiteStorage
	tokenizer   *keyword.Tokenizer
	bm25        *keyword.BM25Index
	collections *vector.Collections
	embedder    embedding.Embedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "memex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tok, err := keyword.NewTokenizer()
	require.NoError(t, err)
	return &fixture{
		store:       store,
		tokenizer:   tok,
		bm25:        keyword.NewBM25Index(store, tok),
		collections: vector.NewCollections(store, filepath.Join(dir, "vectors"), nil),
		embedder:    embedding.NewHashEmbedder(testModel),
	}
}

func (f *fixture) engine(cfg config.SearchConfig, opts ...EngineOption) *Engine {
	provider := func(model models.ModelKind) (embedding.Embedder, error) {
		return embedding.NewHashEmbedder(model), nil
	}
	opts = append([]EngineOption{
		WithEmbedders(provider, testModel),
		WithClock(func() time.Time { return now }),
	}, opts...)
	return NewEngine(f.store, f.bm25, f.collections, NewHighlighter(f.tokenizer), cfg, opts...)
}

func defaultConfig() config.SearchConfig {
	return config.SearchConfig{OverFetch: 5, MaxCandidates: 2000, RRFK: 60, RecencyHalfLifeDays: 30}
}

type docSpec struct {
	id, session, project string
	role                 models.Role
	text                 string
	age                  time.Duration
}

// add stores, indexes and embeds documents in one transaction.
func (f *fixture) add(t *testing.T, specs ...docSpec) {
	t.Helper()
	ctx := context.Background()
	err := f.store.Update(ctx, func(tx storage.Tx) error {
		for i, s := range specs {
			role := s.role
			if role == "" {
				role = models.RoleUser
			}
			project := s.project
			if project == "" {
				project = "memex"
			}
			doc := &models.Document{
				ID:          s.id,
				SessionID:   s.session,
				Project:     project,
				Role:        role,
				Source:      models.SourceClaude,
				Timestamp:   now.Add(-s.age),
				Text:        s.text,
				SourcePath:  "/logs/" + s.session + ".jsonl",
				Offset:      int64(i),
				ContentHash: s.id + ":" + s.text,
			}
			if _, err := tx.UpsertDocument(doc); err != nil {
				return err
			}
			if err := f.bm25.IndexDocument(tx, doc); err != nil {
				return err
			}
			vec, err := f.embedder.Embed(ctx, s.text)
			if err != nil {
				return err
			}
			if err := tx.PutEmbedding(&models.EmbeddingRecord{DocID: doc.ID, Model: testModel, Vector: vec, ContentHash: doc.ContentHash}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func resultIDs(resp *models.SearchResponse) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.Document.ID
	}
	return out
}

func TestSearch_lexical(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a", session: "s1", text: "the kubernetes deployment failed"},
		docSpec{id: "b", session: "s1", text: "kubernetes kubernetes rollout"},
		docSpec{id: "c", session: "s2", text: "unrelated chatter"},
	)
	resp, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{Query: "kubernetes"})
	require.NoError(t, err)

	assert.Equal(t, models.ModeLexical, resp.Mode)
	assert.ElementsMatch(t, []string{"a", "b"}, resultIDs(resp))
	for _, r := range resp.Results {
		assert.Greater(t, r.Score, 0.0)
		assert.Equal(t, r.LexicalScore, r.Score, "lexical mode scores by BM25")
		assert.NotEmpty(t, r.Snippet)
		assert.NotEmpty(t, r.Matches)
	}
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSearch_filters(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a", session: "s1", project: "api", role: models.RoleUser, text: "cache invalidation"},
		docSpec{id: "b", session: "s2", project: "web", role: models.RoleAssistant, text: "cache warmup"},
		docSpec{id: "c", session: "s3", project: "api", role: models.RoleAssistant, text: "cache eviction", age: 48 * time.Hour},
	)
	e := f.engine(defaultConfig())
	ctx := context.Background()

	resp, err := e.Search(ctx, &models.SearchQuery{Query: "cache", Project: "api"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, resultIDs(resp))

	resp, err = e.Search(ctx, &models.SearchQuery{Query: "cache", Project: "api", Role: models.RoleAssistant})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, resultIDs(resp))

	since := now.Add(-24 * time.Hour)
	resp, err = e.Search(ctx, &models.SearchQuery{Query: "cache", Since: &since})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, resultIDs(resp))

	resp, err = e.Search(ctx, &models.SearchQuery{Query: "cache", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, resultIDs(resp))
}

func TestSearch_uniqueSessionAndLimit(t *testing.T) {
	f := newFixture(t)
	var specs []docSpec
	for i := 0; i < 12; i++ {
		specs = append(specs, docSpec{
			id:      fmt.Sprintf("d%02d", i),
			session: fmt.Sprintf("s%d", i%3),
			text:    "shared topic " + fmt.Sprint(i),
		})
	}
	f.add(t, specs...)
	e := f.engine(defaultConfig())

	resp, err := e.Search(context.Background(), &models.SearchQuery{Query: "shared topic", UniqueSession: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	seen := map[string]bool{}
	for _, r := range resp.Results {
		assert.False(t, seen[r.Document.SessionID])
		seen[r.Document.SessionID] = true
	}

	resp, err = e.Search(context.Background(), &models.SearchQuery{Query: "shared topic", Limit: 4})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 4)
}

func TestSearch_adaptiveOverFetchFillsLimit(t *testing.T) {
	f := newFixture(t)
	var specs []docSpec
	for i := 1; i <= 20; i++ {
		project := "other"
		if i > 15 {
			project = "target"
		}
		specs = append(specs, docSpec{id: fmt.Sprintf("d%02d", i), session: fmt.Sprintf("s%02d", i), project: project, text: "needle"})
	}
	f.add(t, specs...)
	cfg := defaultConfig()
	cfg.OverFetch = 1

	resp, err := f.engine(cfg).Search(context.Background(), &models.SearchQuery{Query: "needle", Project: "target", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"d16", "d17", "d18", "d19", "d20"}, resultIDs(resp))
}

func TestSearch_recencyHalvesScoreAtHalfLife(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "fresh", session: "s1", text: "recency probe"},
		docSpec{id: "old", session: "s2", text: "recency probe", age: 30 * 24 * time.Hour},
	)
	weight := 1.0
	resp, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{
		Query: "recency probe", RecencyWeight: &weight, RecencyHalfLifeDays: 30,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"fresh", "old"}, resultIDs(resp))
	assert.InDelta(t, resp.Results[0].Score/2, resp.Results[1].Score, 1e-9)
	assert.Equal(t, resp.Results[0].LexicalScore, resp.Results[1].LexicalScore)
}

func TestSearch_minScoreAppliesToFinalScore(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "fresh", session: "s1", text: "threshold check"},
		docSpec{id: "old", session: "s2", text: "threshold check", age: 30 * 24 * time.Hour},
	)
	e := f.engine(defaultConfig())
	ctx := context.Background()

	base, err := e.Search(ctx, &models.SearchQuery{Query: "threshold"})
	require.NoError(t, err)
	require.Len(t, base.Results, 2)
	baseScore := base.Results[0].Score

	// Both base scores pass, but the decayed one does not.
	weight := 1.0
	minScore := baseScore * 0.75
	resp, err := e.Search(ctx, &models.SearchQuery{Query: "threshold", RecencyWeight: &weight, MinScore: &minScore})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, resultIDs(resp))
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score, minScore)
	}
}

func TestSearch_sortByTime(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "best", session: "s1", text: "sorting sorting sorting", age: 72 * time.Hour},
		docSpec{id: "newest", session: "s2", text: "sorting plus many other unrelated words here"},
		docSpec{id: "middle", session: "s3", text: "sorting again", age: 24 * time.Hour},
	)
	resp, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{Query: "sorting", Sort: models.SortTime})
	require.NoError(t, err)
	assert.Equal(t, []string{"newest", "middle", "best"}, resultIDs(resp))
}

func TestSearch_semanticAndHybrid(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a", session: "s1", text: "postgres connection pool exhausted"},
		docSpec{id: "b", session: "s2", text: "frontend button styling"},
		docSpec{id: "c", session: "s3", text: "pool party planning"},
	)
	e := f.engine(defaultConfig())
	ctx := context.Background()

	resp, err := e.Search(ctx, &models.SearchQuery{Query: "postgres connection pool exhausted", Mode: models.ModeSemantic})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "a", resp.Results[0].Document.ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-5)
	assert.Equal(t, testModel, resp.Model)

	resp, err = e.Search(ctx, &models.SearchQuery{Query: "postgres pool", Mode: models.ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, "a", top.Document.ID)
	assert.Equal(t, 1, top.LexicalRank)
	assert.Greater(t, top.SemanticRank, 0)
	assert.InDelta(t, 1/(60+1.0)+1/(60+float64(top.SemanticRank)), top.Score, 1e-12)
}

func TestSearch_registeredDimensionMismatch(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "anything"})
	require.NoError(t, f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.RegisterModel(models.ModelNomic, 12, embedding.HashIdentity)
	}))
	_, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{
		Query: "anything", Mode: models.ModeSemantic, Model: models.ModelNomic,
	})
	assert.True(t, merrors.Is(err, merrors.KindConfigMismatch), "err = %v", err)
}

type renamedEmbedder struct{ embedding.Embedder }

func (renamedEmbedder) Identity() string { return "onnx:feedface" }

func TestSearch_vectorsFromOtherEmbedder(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "postgres pool"})
	require.NoError(t, f.store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.RegisterModel(testModel, testModel.Dimensions(), embedding.HashIdentity)
	}))
	provider := func(model models.ModelKind) (embedding.Embedder, error) {
		return renamedEmbedder{embedding.NewHashEmbedder(model)}, nil
	}
	e := NewEngine(f.store, f.bm25, f.collections, nil, defaultConfig(), WithEmbedders(provider, testModel))
	_, err := e.Search(context.Background(), &models.SearchQuery{Query: "postgres", Mode: models.ModeSemantic})
	require.Error(t, err)
	assert.True(t, merrors.Is(err, merrors.KindConfigMismatch), "err = %v", err)
	assert.Equal(t, "run `memex embed` to recompute embeddings for the selected model", merrors.SuggestionOf(err))

	resp, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{Query: "postgres", Mode: models.ModeSemantic})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "a", resp.Results[0].Document.ID)
}

type truncatingEmbedder struct{ embedding.Embedder }

func (e truncatingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return v[:len(v)-1], nil
}

func TestSearch_queryVectorMismatch(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "anything"})
	provider := func(model models.ModelKind) (embedding.Embedder, error) {
		return truncatingEmbedder{embedding.NewHashEmbedder(model)}, nil
	}
	e := NewEngine(f.store, f.bm25, f.collections, nil, defaultConfig(), WithEmbedders(provider, testModel))
	_, err := e.Search(context.Background(), &models.SearchQuery{Query: "anything", Mode: models.ModeHybrid})
	assert.True(t, merrors.Is(err, merrors.KindConfigMismatch), "err = %v", err)
}

func TestSearch_semanticWithoutEmbedders(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.store, f.bm25, nil, nil, defaultConfig())
	_, err := e.Search(context.Background(), &models.SearchQuery{Query: "x", Mode: models.ModeSemantic})
	assert.Error(t, err)
}

func TestSearch_noEmbeddingsWarns(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "lonely"})
	resp, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{
		Query: "lonely", Mode: models.ModeHybrid, Model: models.ModelMiniLM,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resultIDs(resp))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "memex embed")
}

func TestSearch_suggestsSpelling(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "terraform apply succeeded"})
	e := f.engine(defaultConfig(), WithSuggester(keyword.NewSuggester(f.store, f.tokenizer)))

	resp, err := e.Search(context.Background(), &models.SearchQuery{Query: "terrafrom"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], `"terraform"`)
}

func TestSearch_refresher(t *testing.T) {
	f := newFixture(t)
	f.add(t, docSpec{id: "a", session: "s1", text: "refresh me"})
	ctx := context.Background()

	calls := 0
	e := f.engine(defaultConfig(), WithRefresher(func(context.Context) error {
		calls++
		return merrors.LockContention("index.lock", errors.New("held"))
	}))
	resp, err := e.Search(ctx, &models.SearchQuery{Query: "refresh"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, resp.Results, 1)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "not refreshed")

	e = f.engine(defaultConfig(), WithRefresher(func(context.Context) error {
		return merrors.Corruption("memex.db", errors.New("bad page"))
	}))
	_, err = e.Search(ctx, &models.SearchQuery{Query: "refresh"})
	assert.True(t, merrors.Is(err, merrors.KindStorageCorruption))
}

func TestSearch_emptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine(defaultConfig()).Search(context.Background(), &models.SearchQuery{Query: "  "})
	assert.Error(t, err)
}

func TestShowAndSession(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "late", session: "s1", text: "second", age: time.Hour},
		docSpec{id: "early", session: "s1", text: "first", age: 2 * time.Hour},
	)
	e := f.engine(defaultConfig())
	ctx := context.Background()

	doc, err := e.Show(ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Text)

	_, err = e.Show(ctx, "missing")
	assert.True(t, errors.Is(err, merrors.ErrNotFound))

	s, err := e.Session(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, s.Documents, 2)
	assert.Equal(t, "early", s.Documents[0].ID)
	assert.Equal(t, "memex", s.Project)

	_, err = e.Session(ctx, "nope")
	assert.True(t, errors.Is(err, merrors.ErrNotFound))
}

func TestRecent(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a", session: "s1", text: "one", age: 3 * time.Hour},
		docSpec{id: "b", session: "s1", text: "two", age: 2 * time.Hour},
		docSpec{id: "c", session: "s2", text: "three", age: time.Hour},
	)
	e := f.engine(defaultConfig())

	resp, err := e.Recent(context.Background(), &models.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, resultIDs(resp))

	resp, err = e.Recent(context.Background(), &models.SearchQuery{UniqueSession: true, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, resultIDs(resp))
}

func TestSearchSessions(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a1", session: "alpha", text: "grpc timeout grpc"},
		docSpec{id: "a2", session: "alpha", text: "grpc retry", age: time.Hour},
		docSpec{id: "b1", session: "beta", text: "grpc mentioned once among plenty of other words"},
	)
	sessions, _, err := f.engine(defaultConfig()).SearchSessions(context.Background(), &models.SearchQuery{Query: "grpc"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].HitCount)
	assert.True(t, now.Equal(sessions[0].LastTS), "last_ts = %v", sessions[0].LastTS)
	assert.Equal(t, "beta", sessions[1].SessionID)
	assert.GreaterOrEqual(t, sessions[0].TopScore, sessions[1].TopScore)
}

func TestProjectsAndStatus(t *testing.T) {
	f := newFixture(t)
	f.add(t,
		docSpec{id: "a", session: "s1", project: "api", text: "x"},
		docSpec{id: "b", session: "s2", project: "web", text: "y"},
	)
	e := f.engine(defaultConfig())
	ctx := context.Background()

	projects, err := e.Projects(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, projects)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Metadata.DocumentCount)
	assert.EqualValues(t, 2, st.Embeddings[testModel])
	assert.Greater(t, st.DiskUsageBytes, int64(0))
}
