package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/embedding"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
	"github.com/nicosuave/memex/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EmbedderProvider returns the query embedder for a model.
type EmbedderProvider func(model models.ModelKind) (embedding.Embedder, error)

// Refresher brings the index up to date before a search runs.
type Refresher func(ctx context.Context) error

// Engine answers queries against the committed index.
type Engine struct {
	storage      storage.Storage
	lexical      keyword.KeywordIndex
	collections  *vector.Collections
	highlighter  *Highlighter
	config       config.SearchConfig
	provider     EmbedderProvider
	defaultModel models.ModelKind
	suggester    *keyword.Suggester
	refresh      Refresher
	now          func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	embedders map[models.ModelKind]embedding.Embedder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEmbedders enables semantic and hybrid search. model is used when a query
// does not name one.
func WithEmbedders(provider EmbedderProvider, model models.ModelKind) EngineOption {
	return func(e *Engine) {
		e.provider = provider
		e.defaultModel = model
	}
}

// WithSuggester adds "did you mean" warnings to lexical searches with no results.
func WithSuggester(s *keyword.Suggester) EngineOption {
	return func(e *Engine) { e.suggester = s }
}

// WithRefresher runs r before every search.
func WithRefresher(r Refresher) EngineOption {
	return func(e *Engine) { e.refresh = r }
}

// WithClock overrides time.Now for recency weighting.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a query engine.
func NewEngine(
	store storage.Storage,
	lexical keyword.KeywordIndex,
	collections *vector.Collections,
	highlighter *Highlighter,
	cfg config.SearchConfig,
	opts ...EngineOption,
) *Engine {
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = 5
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 2000
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.RecencyHalfLifeDays <= 0 {
		cfg.RecencyHalfLifeDays = 30
	}
	e := &Engine{
		storage:      store,
		lexical:      lexical,
		collections:  collections,
		highlighter:  highlighter,
		config:       cfg,
		defaultModel: models.DefaultModel,
		now:          time.Now,
		logger:       zap.NewNop(),
		embedders:    make(map[models.ModelKind]embedding.Embedder),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search runs the query pipeline: candidates, filters, per-session grouping,
// sort and limit. Non-fatal problems are returned as response warnings.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{Query: q.Query, Mode: q.Mode}
	if err := e.autoIndex(ctx, resp); err != nil {
		return nil, err
	}

	gen := &generator{mode: q.Mode, query: q.Query, lexical: e.lexical, rrfK: e.config.RRFK}
	if q.Mode != models.ModeLexical {
		if err := e.prepareSemantic(ctx, q, gen, resp); err != nil {
			return nil, err
		}
	}

	results, err := e.collect(ctx, q, gen)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && q.Mode != models.ModeSemantic {
		e.suggest(ctx, q.Query, resp)
	}
	e.decorate(q.Query, results)
	resp.Results = results
	resp.QueryTime = time.Since(start).Milliseconds()
	e.logger.Debug("search finished",
		zap.String("query", q.Query),
		zap.String("mode", string(q.Mode)),
		zap.Int("results", len(results)),
		zap.Int64("ms", resp.QueryTime))
	return resp, nil
}

// collect fetches candidates, over-fetching beyond the limit, and doubles the
// fetch size while filtering or grouping leaves fewer than limit results and a
// generator may still hold more.
func (e *Engine) collect(ctx context.Context, q *models.SearchQuery, gen *generator) ([]*models.SearchResult, error) {
	k := max(min(q.Limit*e.config.OverFetch, e.config.MaxCandidates), q.Limit)
	for {
		candidates, more, err := gen.fetch(ctx, k)
		if err != nil {
			return nil, err
		}
		results, err := e.assemble(ctx, q, candidates)
		if err != nil {
			return nil, err
		}
		if len(results) >= q.Limit || !more || k >= e.config.MaxCandidates {
			if len(results) > q.Limit {
				results = results[:q.Limit]
			}
			return results, nil
		}
		e.logger.Debug("candidate list short, widening", zap.Int("k", k), zap.Int("results", len(results)))
		k = min(k*2, e.config.MaxCandidates)
	}
}

// assemble loads the candidates' documents and applies recency, filters,
// min_score, per-session grouping and the final sort.
func (e *Engine) assemble(ctx context.Context, q *models.SearchQuery, candidates []*Candidate) ([]*models.SearchResult, error) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.DocID
	}
	docs, err := e.storage.GetDocuments(ctx, ids)
	if err != nil {
		return nil, err
	}
	weight := e.config.RecencyWeight
	if q.RecencyWeight != nil {
		weight = *q.RecencyWeight
	}
	halfLife := e.config.RecencyHalfLifeDays
	if q.RecencyHalfLifeDays > 0 {
		halfLife = q.RecencyHalfLifeDays
	}
	now := e.now()

	results := make([]*models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		doc, ok := docs[c.DocID]
		if !ok || !PassesFilters(doc, q) {
			continue
		}
		r := &models.SearchResult{
			Document:      doc,
			LexicalScore:  c.LexicalScore,
			SemanticScore: c.SemanticScore,
			LexicalRank:   c.LexicalRank,
			SemanticRank:  c.SemanticRank,
		}
		r.Score = ApplyRecency(c.Score, r.Age(now), weight, halfLife)
		if q.MinScore != nil && r.Score < *q.MinScore {
			continue
		}
		results = append(results, r)
	}
	results = TopNPerSession(results, q.TopNPerSession)
	SortResults(results, q.Sort)
	return results, nil
}

func (e *Engine) decorate(query string, results []*models.SearchResult) {
	if e.highlighter == nil {
		return
	}
	terms := e.highlighter.QueryTerms(query)
	for _, r := range results {
		r.Snippet = e.highlighter.Snippet(r.Document.Text, terms)
		r.Matches = e.highlighter.Matches(r.Document.Text, terms)
	}
}

func (e *Engine) autoIndex(ctx context.Context, resp *models.SearchResponse) error {
	if e.refresh == nil {
		return nil
	}
	err := e.refresh(ctx)
	switch {
	case err == nil:
		return nil
	case merrors.Is(err, merrors.KindLockContention):
		e.logger.Warn("auto index skipped", zap.Error(err))
		resp.Warnings = append(resp.Warnings, "index not refreshed: "+err.Error())
		return nil
	default:
		return fmt.Errorf("auto index: %w", err)
	}
}

func (e *Engine) suggest(ctx context.Context, query string, resp *models.SearchResponse) {
	if e.suggester == nil {
		return
	}
	c, err := e.suggester.Check(ctx, query)
	if err != nil {
		e.logger.Debug("spelling suggestion failed", zap.Error(err))
		return
	}
	if c.HasCorrections() {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("no results; did you mean %q?", c.Corrected))
	}
}

// prepareSemantic loads the model's collection and embeds the query. A query
// vector of the wrong size, or stored vectors from another embedder, fail the
// search with ConfigMismatch.
func (e *Engine) prepareSemantic(ctx context.Context, q *models.SearchQuery, gen *generator, resp *models.SearchResponse) error {
	model := q.Model
	if model == "" {
		model = e.defaultModel
	}
	resp.Model = model
	if e.provider == nil || e.collections == nil {
		return fmt.Errorf("%s search is not available: embeddings are disabled", q.Mode)
	}

	meta, err := e.storage.Metadata(ctx)
	if err != nil {
		return err
	}
	if dims, ok := meta.Models[model]; ok && dims != model.Dimensions() {
		return merrors.ConfigMismatch(string(model), model.Dimensions(), dims)
	}

	emb, err := e.embedder(model)
	if err != nil {
		return err
	}
	if stored, ok := meta.Embedders[model]; ok && stored != emb.Identity() {
		return merrors.EmbedderMismatch(string(model), stored, emb.Identity())
	}

	col, err := e.collections.Get(ctx, model)
	if err != nil {
		return err
	}
	for _, w := range col.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	if col.Index.Size() == 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("no %s embeddings stored; run `memex embed`", model))
	}

	vec, err := emb.Embed(ctx, q.Query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	if len(vec) != model.Dimensions() {
		return merrors.ConfigMismatch("query/"+string(model), model.Dimensions(), len(vec))
	}
	gen.index = col.Index
	gen.vec = vec
	return nil
}

func (e *Engine) embedder(model models.ModelKind) (embedding.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emb, ok := e.embedders[model]; ok {
		return emb, nil
	}
	emb, err := e.provider(model)
	if err != nil {
		return nil, err
	}
	e.embedders[model] = emb
	return emb, nil
}

// Close releases the loaded embedders.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for model, emb := range e.embedders {
		if err := emb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.embedders, model)
	}
	return firstErr
}

// generator produces the ranked candidate list for one query.
type generator struct {
	mode    models.SearchMode
	query   string
	lexical keyword.KeywordIndex
	index   *vector.MemoryIndex
	vec     []float32
	rrfK    float64
}

// fetch returns up to k candidates per list and whether any list was cut short.
func (g *generator) fetch(ctx context.Context, k int) ([]*Candidate, bool, error) {
	var (
		lex              []*keyword.KeywordResult
		sem              []*vector.VectorResult
		lexMore, semMore bool
	)
	eg, ctx := errgroup.WithContext(ctx)
	if g.mode != models.ModeSemantic {
		eg.Go(func() error {
			results, total, err := g.lexical.Search(ctx, g.query, k)
			if err != nil {
				return fmt.Errorf("keyword search failed: %w", err)
			}
			lex, lexMore = results, total > len(results)
			return nil
		})
	}
	if g.mode != models.ModeLexical {
		eg.Go(func() error {
			results, err := g.index.Search(ctx, g.vec, k)
			if err != nil {
				return fmt.Errorf("vector search failed: %w", err)
			}
			sem, semMore = results, g.index.Size() > len(results)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, false, err
	}
	switch g.mode {
	case models.ModeLexical:
		return LexicalCandidates(lex), lexMore, nil
	case models.ModeSemantic:
		return SemanticCandidates(sem), semMore, nil
	}
	return FuseRRF(lex, sem, g.rrfK), lexMore || semMore, nil
}

// Show returns one document.
func (e *Engine) Show(ctx context.Context, docID string) (*models.Document, error) {
	return e.storage.GetDocument(ctx, docID)
}

// Session returns every document of a session in order.
func (e *Engine) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	docs, err := e.storage.SessionDocuments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s := &models.Session{ID: sessionID, Documents: docs}
	if len(docs) > 0 {
		s.Project = docs[0].Project
		s.Source = docs[0].Source
	}
	return s, nil
}

// Projects lists project names, optionally for one source.
func (e *Engine) Projects(ctx context.Context, source models.Source) ([]string, error) {
	return e.storage.Projects(ctx, source)
}

// Recent returns the newest documents matching the filters of q, ignoring its
// text. Per-session grouping applies; scores are zero.
func (e *Engine) Recent(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	q.Sort = models.SortTime
	resp := &models.SearchResponse{Query: q.Query, Mode: q.Mode}
	if err := e.autoIndex(ctx, resp); err != nil {
		return nil, err
	}
	filter := storage.DocumentFilter{
		Project:   q.Project,
		Role:      q.Role,
		Tool:      q.Tool,
		SessionID: q.SessionID,
		Source:    q.Source,
		Since:     q.Since,
		Until:     q.Until,
	}
	k := max(min(q.Limit*e.config.OverFetch, e.config.MaxCandidates), q.Limit)
	var results []*models.SearchResult
	for {
		docs, err := e.storage.RecentDocuments(ctx, filter, k)
		if err != nil {
			return nil, err
		}
		results = make([]*models.SearchResult, len(docs))
		for i, d := range docs {
			results[i] = &models.SearchResult{Document: d}
		}
		results = TopNPerSession(results, q.TopNPerSession)
		SortResults(results, models.SortTime)
		if len(results) >= q.Limit || len(docs) < k || k >= e.config.MaxCandidates {
			break
		}
		k = min(k*2, e.config.MaxCandidates)
	}
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	e.decorate("", results)
	resp.Results = results
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// SearchSessions runs q and aggregates the hits by session, best sessions first.
func (e *Engine) SearchSessions(ctx context.Context, q *models.SearchQuery) ([]*models.SessionSummary, []string, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	hits := *q
	hits.TopNPerSession = 0
	hits.UniqueSession = false
	hits.Sort = models.SortScore
	hits.Limit = min(q.Limit*e.config.OverFetch, models.MaxLimit)
	resp, err := e.Search(ctx, &hits)
	if err != nil {
		return nil, nil, err
	}

	bySession := make(map[string]*models.SessionSummary)
	var order []*models.SessionSummary
	for _, r := range resp.Results {
		d := r.Document
		s, ok := bySession[d.SessionID]
		if !ok {
			s = &models.SessionSummary{
				SessionID:  d.SessionID,
				Project:    d.Project,
				Source:     d.Source,
				TopScore:   r.Score,
				Snippet:    r.Snippet,
				SourcePath: d.SourcePath,
			}
			bySession[d.SessionID] = s
			order = append(order, s)
		}
		s.HitCount++
		if d.Timestamp.After(s.LastTS) {
			s.LastTS = d.Timestamp
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].TopScore != order[j].TopScore {
			return order[i].TopScore > order[j].TopScore
		}
		if !order[i].LastTS.Equal(order[j].LastTS) {
			return order[i].LastTS.After(order[j].LastTS)
		}
		return order[i].SessionID < order[j].SessionID
	})
	if len(order) > q.Limit {
		order = order[:q.Limit]
	}
	return order, resp.Warnings, nil
}

// Status describes the committed index.
type Status struct {
	Database       string                     `json:"database"`
	Metadata       *models.IndexMetadata      `json:"metadata"`
	Embeddings     map[models.ModelKind]int64 `json:"embeddings"`
	DiskUsageBytes int64                      `json:"disk_usage_bytes"`
}

// Status reports counts, registered models and on-disk size.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	meta, err := e.storage.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Database:   e.storage.Path(),
		Metadata:   meta,
		Embeddings: make(map[models.ModelKind]int64),
	}
	paths := []string{st.Database, st.Database + "-wal", st.Database + "-shm"}
	for _, model := range models.AllModelKinds() {
		n, err := e.storage.CountEmbeddings(ctx, model)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			st.Embeddings[model] = n
		}
		if e.collections != nil {
			if p := e.collections.SnapshotPath(model); p != "" {
				paths = append(paths, p)
			}
		}
	}
	st.DiskUsageBytes, err = storage.DiskUsageBytes(paths...)
	if err != nil {
		return nil, err
	}
	return st, nil
}
