package main

import (
	"fmt"

	"github.com/nicosuave/memex/internal/cli"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/search"
	"github.com/spf13/cobra"
)

func newShowCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <doc_id>",
		Short: "Print one indexed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			doc, err := a.engine().Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cli.WriteJSON(g.stdout, doc)
		},
	}
}

func newSessionCmd(g *globalOptions) *cobra.Command {
	var (
		jsonArray bool
		fields    string
	)
	cmd := &cobra.Command{
		Use:   "session <session_id>",
		Short: "Print every record of a session in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.Options{JSONArray: jsonArray}
			if fields != "" {
				parsed, err := cli.ParseFields(fields)
				if err != nil {
					return usageError{err}
				}
				opts.Fields = parsed
			} else {
				opts.Fields = []string{"doc_id", "ts", "role", "tool", "text", "source_path", "offset"}
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			s, err := a.engine().Session(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results := make([]*models.SearchResult, len(s.Documents))
			for i, d := range s.Documents {
				results[i] = &models.SearchResult{Document: d}
			}
			return cli.WriteResults(g.stdout, results, opts)
		},
	}
	cmd.Flags().BoolVar(&jsonArray, "json-array", false, "write one JSON array instead of JSON lines")
	cmd.Flags().StringVar(&fields, "fields", "", "comma-separated keys to emit, in order")
	return cmd
}

func newProjectsCmd(g *globalOptions) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List indexed project names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var src models.Source
			if source != "" {
				parsed, err := models.ParseSource(source)
				if err != nil {
					return usageError{err}
				}
				src = parsed
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			projects, err := a.engine().Projects(cmd.Context(), src)
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Fprintln(g.stdout, p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "only projects from this source: claude, codex")
	return cmd
}

// statusReport is the index status plus the settings that shape it.
type statusReport struct {
	*search.Status
	Root              string   `json:"root"`
	Config            string   `json:"config"`
	Model             string   `json:"model"`
	EmbeddingsEnabled bool     `json:"embeddings_enabled"`
	AutoIndex         bool     `json:"auto_index_on_search"`
	PendingEmbeddings int64    `json:"pending_embeddings"`
	Sources           []string `json:"sources"`
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index size, models and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			st, err := a.engine().Status(ctx)
			if err != nil {
				return err
			}
			report := statusReport{
				Status:            st,
				Root:              a.cfg.Root,
				Config:            a.configPath,
				Model:             string(a.cfg.ModelKind()),
				EmbeddingsEnabled: a.cfg.EmbeddingsEnabled(),
				AutoIndex:         a.cfg.AutoIndexEnabled(),
			}
			for _, s := range a.cfg.Sources {
				report.Sources = append(report.Sources, s.Root)
			}
			if report.EmbeddingsEnabled && st.Metadata != nil {
				embedded := st.Embeddings[a.cfg.ModelKind()]
				report.PendingEmbeddings = max(st.Metadata.DocumentCount-embedded, 0)
			}
			return cli.WriteJSON(g.stdout, report)
		},
	}
}
