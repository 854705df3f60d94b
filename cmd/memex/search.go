package main

import (
	"strings"

	"github.com/nicosuave/memex/internal/cli"
	"github.com/nicosuave/memex/internal/models"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	project        string
	role           string
	tool           string
	session        string
	source         string
	since          string
	until          string
	limit          int
	minScore       float64
	topN           int
	uniqueSession  bool
	sort           string
	semantic       bool
	hybrid         bool
	recencyWeight  float64
	recencyHalfLen float64
	model          string
	jsonArray      bool
	verbose        bool
	fields         string
	sessions       bool
}

// newSearchCmd builds `search`, or `sessions` when grouped is set. The two share
// every flag; `sessions` always aggregates hits by session.
func newSearchCmd(g *globalOptions, grouped bool) *cobra.Command {
	var opts searchOptions
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search indexed transcripts",
		Long: `Search indexed transcripts. Results are written as JSON lines.

Lexical (BM25) search is the default; --semantic uses embeddings only and
--hybrid fuses both with reciprocal rank fusion. An empty query lists the
newest records that match the filters.

Examples:
  memex search "migration failed" --project api --since 2025-01-01
  memex search deploy --role assistant --unique-session --fields doc_id,ts,snippet
  memex search "how did we fix the cache" --hybrid --recency-weight 0.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if grouped {
				opts.sessions = true
			}
			return runSearch(cmd, g, strings.Join(args, " "), &opts)
		},
	}
	if grouped {
		cmd.Use = "sessions <query>"
		cmd.Short = "Search and group hits by session"
		cmd.Long = "Search and aggregate the hits by session, best sessions first."
		cmd.Args = cobra.MinimumNArgs(1)
	}

	f := cmd.Flags()
	f.StringVar(&opts.project, "project", "", "only records from this project")
	f.StringVar(&opts.role, "role", "", "only records with this role: user, assistant, tool_use, tool_result")
	f.StringVar(&opts.tool, "tool", "", "only tool records for this tool")
	f.StringVar(&opts.session, "session", "", "only records from this session")
	f.StringVar(&opts.source, "source", "", "only records from this source: claude, codex")
	f.StringVar(&opts.since, "since", "", "only records at or after this time (ISO-8601 or unix epoch)")
	f.StringVar(&opts.until, "until", "", "only records at or before this time (ISO-8601 or unix epoch)")
	f.IntVar(&opts.limit, "limit", 0, "maximum number of results (default from config)")
	f.Float64Var(&opts.minScore, "min-score", 0, "drop results whose final score is below this")
	f.IntVar(&opts.topN, "top-n-per-session", 0, "keep at most N results per session")
	f.BoolVar(&opts.uniqueSession, "unique-session", false, "keep only the best result per session")
	f.StringVar(&opts.sort, "sort", "score", "result order: score or ts")
	f.BoolVar(&opts.semantic, "semantic", false, "semantic search only")
	f.BoolVar(&opts.hybrid, "hybrid", false, "fuse lexical and semantic search")
	f.Float64Var(&opts.recencyWeight, "recency-weight", 0, "weight of the recency boost, 0 to 1 (default from config)")
	f.Float64Var(&opts.recencyHalfLen, "recency-half-life-days", 0, "age in days at which the recency boost halves (default from config)")
	f.StringVar(&opts.model, "model", "", "embedding model: minilm, bge, nomic, gemma, potion")
	f.BoolVar(&opts.jsonArray, "json-array", false, "write one JSON array instead of JSON lines")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "include lexical and semantic score components")
	f.StringVar(&opts.fields, "fields", "", "comma-separated keys to emit, in order")
	if !grouped {
		f.BoolVar(&opts.sessions, "sessions", false, "group hits by session")
	}
	return cmd
}

// buildQuery turns flags into a query. Flags that were not set leave the config
// defaults in place.
func buildQuery(text string, opts *searchOptions, flags *pflag.FlagSet) (*models.SearchQuery, error) {
	q := &models.SearchQuery{
		Query:               text,
		Mode:                models.ModeLexical,
		Project:             opts.project,
		Tool:                opts.tool,
		SessionID:           opts.session,
		Limit:               opts.limit,
		TopNPerSession:      opts.topN,
		UniqueSession:       opts.uniqueSession,
		Sort:                models.SortOrder(opts.sort),
		RecencyHalfLifeDays: opts.recencyHalfLen,
	}
	switch {
	case opts.semantic && opts.hybrid:
		return nil, usagef("--semantic and --hybrid are mutually exclusive")
	case opts.semantic:
		q.Mode = models.ModeSemantic
	case opts.hybrid:
		q.Mode = models.ModeHybrid
	}
	if opts.role != "" {
		role, err := models.ParseRole(opts.role)
		if err != nil {
			return nil, usageError{err}
		}
		q.Role = role
	}
	if opts.source != "" {
		src, err := models.ParseSource(opts.source)
		if err != nil {
			return nil, usageError{err}
		}
		q.Source = src
	}
	if opts.since != "" {
		t, err := models.ParseTime(opts.since)
		if err != nil {
			return nil, usagef("--since: %v", err)
		}
		q.Since = &t
	}
	if opts.until != "" {
		t, err := models.ParseTime(opts.until)
		if err != nil {
			return nil, usagef("--until: %v", err)
		}
		q.Until = &t
	}
	if opts.model != "" {
		kind, err := models.ParseModelKind(opts.model)
		if err != nil {
			return nil, usageError{err}
		}
		q.Model = kind
	}
	if flags.Changed("min-score") {
		v := opts.minScore
		q.MinScore = &v
	}
	if flags.Changed("recency-weight") {
		v := opts.recencyWeight
		q.RecencyWeight = &v
	}
	if err := q.Normalize(); err != nil {
		return nil, usageError{err}
	}
	return q, nil
}

func runSearch(cmd *cobra.Command, g *globalOptions, text string, opts *searchOptions) error {
	q, err := buildQuery(text, opts, cmd.Flags())
	if err != nil {
		return err
	}
	outOpts := cli.Options{Verbose: opts.verbose, JSONArray: opts.jsonArray}
	if opts.fields != "" {
		parse := cli.ParseFields
		if opts.sessions {
			parse = cli.ParseSessionFields
		}
		if outOpts.Fields, err = parse(opts.fields); err != nil {
			return usageError{err}
		}
	}

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()
	if !cmd.Flags().Changed("limit") {
		q.Limit = a.cfg.Search.DefaultLimit
	}
	engine := a.engine()
	ctx := cmd.Context()

	if opts.sessions {
		if strings.TrimSpace(q.Query) == "" {
			return usagef("session search needs a query")
		}
		sessions, warnings, err := engine.SearchSessions(ctx, q)
		if err != nil {
			return err
		}
		cli.WriteWarnings(g.stderr, warnings)
		return cli.WriteSessions(g.stdout, sessions, outOpts)
	}

	var resp *models.SearchResponse
	if strings.TrimSpace(q.Query) == "" {
		resp, err = engine.Recent(ctx, q)
	} else {
		resp, err = engine.Search(ctx, q)
	}
	if err != nil {
		return err
	}
	cli.WriteWarnings(g.stderr, resp.Warnings)
	return cli.WriteResults(g.stdout, resp.Results, outOpts)
}
