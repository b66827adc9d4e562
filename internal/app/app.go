package app

import (
	"context"
	"fmt"
	"log/slog"

	"PaperResearcher/internal/config"
	"PaperResearcher/internal/domain"
	"PaperResearcher/internal/export"
	"PaperResearcher/internal/infrastructure/arxiv"
	"PaperResearcher/internal/infrastructure/docstore"
	"PaperResearcher/internal/infrastructure/llm"
	"PaperResearcher/internal/logging"
	"PaperResearcher/internal/storage"
	"PaperResearcher/internal/usecase"
)

// Application wires configs to use cases and owns the store lifecycle.
type Application struct {
	cfg        config.Config
	store      *storage.Store
	controller *usecase.Controller
	exporter   *export.Exporter
	logger     *slog.Logger
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open item store: %w", err)
	}

	searcher := arxiv.NewSearcher(nil, baseLogger.With("component", "arxiv"))
	oracle := llm.NewOracle(cfg.Oracle, baseLogger.With("component", "oracle"))
	docs := docstore.NewClient(nil, cfg.Documents.Dir)

	controller := usecase.NewController(
		store,
		searcher,
		oracle,
		docs,
		cfg.Funnel,
		baseLogger.With("component", "controller"),
	)
	exporter := export.NewExporter(store, cfg.Export.Dir, baseLogger.With("component", "export"))

	return &Application{
		cfg:        cfg,
		store:      store,
		controller: controller,
		exporter:   exporter,
		logger:     baseLogger,
	}, nil
}

// Run executes the funnel once with the given options.
func (a *Application) Run(ctx context.Context, opts usecase.RunOptions) (*usecase.RunReport, error) {
	return a.controller.Run(ctx, opts)
}

// Stats reports the status breakdown and usage totals of a session.
func (a *Application) Stats(ctx context.Context, sessionID string) (domain.Session, map[domain.Status]int, domain.UsageTotals, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, domain.UsageTotals{}, err
	}
	counts, err := a.store.StatusCounts(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, domain.UsageTotals{}, err
	}
	usage, err := a.store.SessionUsage(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, domain.UsageTotals{}, err
	}
	return session, counts, usage, nil
}

// Export writes the CSV summary and markdown report for a session.
func (a *Application) Export(ctx context.Context, sessionID string, includeRejected bool) (export.Result, error) {
	return a.exporter.Export(ctx, sessionID, includeRejected)
}

// Close releases the item store.
func (a *Application) Close() error {
	return a.store.Close()
}
