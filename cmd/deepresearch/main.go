package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"deepresearch/internal/auditor"
	"deepresearch/internal/config"
	"deepresearch/internal/engine"
	"deepresearch/internal/executor"
	"deepresearch/internal/fetch"
	"deepresearch/internal/fusion"
	"deepresearch/internal/ledger"
	"deepresearch/internal/llm"
	"deepresearch/internal/parse"
	"deepresearch/internal/planner"
	"deepresearch/internal/search"
	"deepresearch/internal/server"
	"deepresearch/internal/writer"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "deepresearch",
	Short:   "Cited research reports from natural-language questions",
	Long:    "deepresearch plans, gathers, validates, and writes evidence-backed research reports with verifiable citations.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("deepresearch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/deepresearch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the search endpoint and LLM provider.")
		return nil
	},
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run [question]",
	Short: "Research a question and produce a cited report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := buildEngine(db)
		if err != nil {
			return err
		}

		ctx := context.Background()
		sessionID, err := eng.StartSession(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session %s started.\n", sessionID)

		if err := eng.Run(ctx, sessionID); err != nil {
			return fmt.Errorf("session %s failed: %w", sessionID, err)
		}

		report, err := eng.Report(sessionID)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(report)
		return nil
	},
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status [session_id]",
	Short: "Show a session's outline and vector progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := buildEngine(db)
		if err != nil {
			return err
		}
		status, err := eng.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session: %s\n", status.SessionID)
		fmt.Printf("Query:   %s\n", status.Query)
		fmt.Printf("Status:  %s\n\n", status.Status)
		fmt.Println("Outline:")
		for _, s := range status.Outline {
			fmt.Printf("  %s\n", s)
		}
		fmt.Println("\nVectors:")
		for _, v := range status.Vectors {
			fmt.Printf("  [%s] %-10s refinements=%d  %s\n", v.ID, v.Status, v.Refinements, v.Topic)
		}
		if status.ReportReady {
			fmt.Printf("\nReport ready. View with: deepresearch report %s\n", status.SessionID)
		}
		return nil
	},
}

// --- report command ---

var reportCmd = &cobra.Command{
	Use:   "report [session_id]",
	Short: "Print a session's final report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := buildEngine(db)
		if err != nil {
			return err
		}
		report, err := eng.Report(args[0])
		if err != nil {
			return err
		}
		fmt.Println(report)
		return nil
	},
}

// --- sessions command ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List research sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions yet. Start one with: deepresearch run \"your question\"")
			return nil
		}

		for _, s := range sessions {
			created := ""
			if s.CreatedAt != nil {
				created = *s.CreatedAt
			}
			fmt.Printf("%s  %-11s %s  %s\n", s.ID, s.Status, created, s.Query)
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, err := buildEngine(db)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, eng, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

func openLedger() (*ledger.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return ledger.Open(filepath.Join(dataDir, "deepresearch.db"))
}

// buildEngine wires the engine's collaborators from config.
func buildEngine(db *ledger.DB) (*engine.Engine, error) {
	provider, err := llm.CreateProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	embedder := llm.CreateEmbedder(cfg.LLM)

	searcher := search.NewMetaClient(cfg.Search.Endpoint, search.NewFeedSource(cfg.Search.Feeds))
	fetcher := fetch.NewClient(time.Duration(cfg.Acquire.FetchTimeoutSeconds) * time.Second)
	parser := parse.NewTextParser()
	retriever := fusion.New(db, embedder, cfg.Fusion)

	return engine.New(db,
		planner.New(provider, searcher),
		executor.New(db, searcher, fetcher, parser, embedder, provider, cfg.Acquire),
		auditor.New(db, provider, cfg.Audit),
		writer.New(db, provider, retriever),
		cfg.Engine,
	), nil
}
