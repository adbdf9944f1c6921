package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nutrirag/internal/chat"
	"nutrirag/internal/config"
	"nutrirag/internal/logging"
	"nutrirag/internal/tui"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath string
		pagesDir   string
		topK       int
		rerankTopN int
		plain      bool
		multi      bool
	)

	rootCmd := &cobra.Command{
		Use:          "nutrirag",
		Short:        "Question answering over the Chinese dietary guidelines",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default ./config.yaml or ~/.config/nutrirag/config.yaml)")

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Build the knowledge base from OCR page files",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(configPath)
			if err != nil {
				return err
			}
			defer c.closer()
			dir := pagesDir
			if dir == "" {
				dir = c.cfg.Ingest.PagesDir
			}
			if err := c.store.Load(cmd.Context()); err != nil {
				return err
			}
			stats, err := c.ingestor().IngestDir(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d pages into %d chunks (index size %d)\n", stats.Pages, stats.Chunks, stats.Total)
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&pagesDir, "pages", "", "Directory of page .txt files (default from config)")

	askCmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a single question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(configPath)
			if err != nil {
				return err
			}
			defer c.closer()
			if err := c.ingestor().EnsureIndex(cmd.Context(), c.cfg.Ingest.PagesDir); err != nil {
				return err
			}
			k, n := pick(topK, c.cfg.Query.TopK), pick(rerankTopN, c.cfg.Query.RerankTopN)
			ans, err := c.ask(cmd.Context(), args[0], k, n, multi || c.cfg.Query.MultiQuery)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "回答：%s\n\n%s\n", ans.Text, chat.FormatSources(ans.Sources))
			return nil
		},
	}
	askCmd.Flags().IntVar(&topK, "top-k", 0, "Sources kept after reranking (default from config)")
	askCmd.Flags().IntVar(&rerankTopN, "rerank-top-n", 0, "Candidates fetched for reranking (default from config)")
	askCmd.Flags().BoolVar(&multi, "multi", false, "Also retrieve with model-generated rephrasings of the question")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := setup(configPath)
			if err != nil {
				return err
			}
			defer c.closer()
			if err := c.ingestor().EnsureIndex(cmd.Context(), c.cfg.Ingest.PagesDir); err != nil {
				return err
			}
			var rw chat.Rewriter
			if c.cfg.Query.Rewrite {
				rw = c.rewriter
			}
			session := chat.NewSession(c.engine(), rw, c.cfg.Query.TopK, c.cfg.Query.RerankTopN, c.logger)
			if c.cfg.Query.MultiQuery {
				session.WithMultiQuery(c.rewriter, c.cfg.Query.Variants)
			}
			if plain {
				return session.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			}
			m := tui.New(cmd.Context(), session, "膳食指南问答")
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	chatCmd.Flags().BoolVar(&plain, "plain", false, "Use a line-oriented prompt instead of the TUI")

	rootCmd.AddCommand(ingestCmd, askCmd, chatCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup(configPath string) (*components, error) {
	var cfg *config.AppConfig
	var err error
	if configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	return build(cfg, logger)
}

func pick(flag, def int) int {
	if flag > 0 {
		return flag
	}
	return def
}
