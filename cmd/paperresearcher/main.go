package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"PaperResearcher/internal/app"
	"PaperResearcher/internal/config"
	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/logging"
	"PaperResearcher/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paperresearcher",
		Short:         "Staged literature curation: search, score, download, analyze, export",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newStatsCmd(), newExportCmd())
	return root
}

func newApp() (*app.Application, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level)
	return app.New(cfg, logger)
}

func newRunCmd() *cobra.Command {
	var opts usecase.RunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the research funnel for a topic or resume a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.Close()

			report, err := application.Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Topic, "topic", "t", "", "research topic for a new session")
	cmd.Flags().StringSliceVarP(&opts.Keywords, "keywords", "k", nil, "search keywords (suggested from the topic when empty)")
	cmd.Flags().StringVarP(&opts.SessionID, "session", "s", "", "existing session id to resume")
	cmd.Flags().IntVar(&opts.MaxSearch, "max-search", 0, "search result ceiling (0 uses the configured default)")
	cmd.Flags().IntVar(&opts.MaxAnalysis, "max-analysis", 0, "deep-analysis cap (0 uses the configured default)")
	cmd.Flags().IntVar(&opts.Threshold, "threshold", 0, "relevance acceptance threshold (0 uses the configured default)")
	cmd.Flags().BoolVar(&opts.SkipSearch, "skip-search", false, "do not query the paper index")
	cmd.Flags().BoolVar(&opts.SkipGate, "skip-gate", false, "do not score or classify")
	cmd.Flags().BoolVar(&opts.SkipRetrieval, "skip-retrieval", false, "do not download documents")
	cmd.Flags().BoolVar(&opts.SkipAnalysis, "skip-analysis", false, "do not run deep analysis")
	cmd.Flags().BoolVar(&opts.RetryFailed, "retry-failed", false, "requeue failed records before running")
	cmd.Flags().BoolVar(&opts.RescoreRejected, "rescore-rejected", false, "reconsider rejected records against the threshold")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session-id>",
		Short: "Show the status breakdown and oracle spend of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.Close()

			session, counts, usage, err := application.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			cmd.Printf("Session %s (%s)\n", session.ID, session.Status)
			cmd.Printf("Topic: %s\n", session.Topic)
			cmd.Printf("Funnel: search=%d analysis=%d threshold=%d\n\n",
				session.MaxSearch, session.MaxAnalysis, session.Threshold)

			printStatusCounts(cmd, counts)
			cmd.Printf("\nOracle calls: %d (prompt %d, completion %d, total %d tokens)\n",
				usage.Calls, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var includeRejected bool

	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Write the CSV summary and markdown report for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp()
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.Export(cmd.Context(), args[0], includeRejected)
			if err != nil {
				return err
			}
			cmd.Printf("CSV:    %s\n", result.CSVPath)
			cmd.Printf("Report: %s\n", result.ReportPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&includeRejected, "include-rejected", false, "add rejected records to the CSV for auditing")
	return cmd
}

func printReport(cmd *cobra.Command, report *usecase.RunReport) {
	cmd.Printf("Session: %s\n", report.SessionID)
	cmd.Printf("Discovered %d, scored %d, accepted %d, rejected %d, fetched %d, analyzed %d\n",
		report.Discovered, report.Scored, report.Accepted, report.Rejected, report.Fetched, report.Analyzed)
	printStatusCounts(cmd, report.StatusCounts)
	cmd.Printf("Oracle calls: %d (%d tokens)\n", report.Usage.Calls, report.Usage.TotalTokens)
}

func printStatusCounts(cmd *cobra.Command, counts map[domain.Status]int) {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		cmd.Printf("  %-16s %d\n", status, counts[domain.Status(status)])
	}
}
