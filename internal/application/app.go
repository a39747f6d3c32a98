package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/ledger"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm"
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/tokenizer"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/http/handlers"
	httpServer "github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/http"
	"github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/websocket"
)

// App is the Orchestrator's composition root: it wires the repositories,
// domain services, LLM Gateway, Session Hub, and the Orchestrator Core use
// case into one process and owns the HTTP server's lifecycle.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	ledger        repository.LedgerRepository
	ledgerAgg     *ledger.Aggregator

	classifier *service.Classifier
	selector   *service.ModelSelector
	context    *service.ContextBuilder
	locks      *service.ConversationLockManager
	tracker    *service.PerformanceTracker

	gateway *llm.Gateway
	tiers   map[valueobject.Tier]valueobject.TierSpec

	hub       *websocket.Hub
	wsHandler *websocket.Handler

	orchestrate *usecase.OrchestrateQueryUseCase
	httpServer  *httpServer.Server
}

// NewApp wires every layer of the Orchestrator from cfg.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}
	if err := app.initProviders(); err != nil {
		return nil, fmt.Errorf("failed to init providers: %w", err)
	}
	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}
	if err := app.initSessionHub(); err != nil {
		return nil, fmt.Errorf("failed to init session hub: %w", err)
	}
	if err := app.initUseCase(); err != nil {
		return nil, fmt.Errorf("failed to init use case: %w", err)
	}
	if err := app.initHTTPServer(); err != nil {
		return nil, fmt.Errorf("failed to init http server: %w", err)
	}

	return app, nil
}

// initRepositories connects the database and builds the conversation, message
// and ledger repositories.
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	app.conversations = persistence.NewGormConversationRepository(db)
	app.messages = persistence.NewGormMessageRepository(db)

	agg, err := ledger.NewAggregator(persistence.NewGormLedgerRepository(db), ledger.Config{
		QueueSize:  app.config.Ledger.QueueSize,
		WALDir:     app.config.Ledger.WALDir,
		MaxWALSize: app.config.Ledger.MaxWALSize,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to init ledger aggregator: %w", err)
	}
	app.ledgerAgg = agg
	app.ledger = agg

	return nil
}

// tierConfigOf indexes the three configured tiers by name for initProviders/initDomainServices.
func (app *App) tierConfigOf(t valueobject.Tier) config.TierConfig {
	switch t {
	case valueobject.TierSmall:
		return app.config.Tiers.Small
	case valueobject.TierMedium:
		return app.config.Tiers.Medium
	default:
		return app.config.Tiers.Large
	}
}

// initProviders builds one llm.Provider per tier via the factory registry and
// wires them behind a single Gateway (§4.D/§4.E).
func (app *App) initProviders() error {
	app.logger.Info("Initializing LLM providers")

	providers := make(map[valueobject.Tier]llm.Provider, 3)
	app.tiers = make(map[valueobject.Tier]valueobject.TierSpec, 3)

	for _, tier := range []valueobject.Tier{valueobject.TierSmall, valueobject.TierMedium, valueobject.TierLarge} {
		tc := app.tierConfigOf(tier)

		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:          tc.Name,
			Type:          tc.ProviderType,
			BaseURL:       tc.BaseURL,
			APIKey:        tc.APIKey,
			Models:        []string{tc.Name},
			Tier:          string(tier),
			ContextTokens: tc.ContextTokens,
			RatePer1kIn:   tc.RatePerInputK,
			RatePer1kOut:  tc.RatePerOutputK,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create %s tier provider: %w", tier, err)
		}
		providers[tier] = provider

		app.tiers[tier] = valueobject.NewTierSpec(tier, tc.Name, tc.ContextTokens, tc.RatePerInputK, tc.RatePerOutputK, tc.MaxConcurrency)
	}

	app.gateway = llm.NewGateway(llm.GatewayConfig{
		MaxAttempts:        app.config.Gateway.MaxAttempts,
		BackoffBase:        time.Duration(app.config.Gateway.BackoffBaseMs) * time.Millisecond,
		BackoffCap:         time.Duration(app.config.Gateway.BackoffCapMs) * time.Millisecond,
		ConcurrencyPerTier: app.config.Gateway.ConcurrencyPerTier,
		AdmitTimeout:       app.config.Gateway.AdmitTimeout,
		CancelTimeout:      app.config.Gateway.CancelTimeout,
		AttemptTimeout:     app.config.Gateway.AttemptTimeout,
	}, providers, app.logger)

	return nil
}

// providerStatusSource implements handlers.ProviderStatusSource over the
// provider catalogue the Gateway was built from.
type providerStatusSource struct {
	gateway *llm.Gateway
	tiers   map[valueobject.Tier]valueobject.TierSpec
}

func (p *providerStatusSource) ProviderStatuses() []handlers.ProviderStatus {
	out := make([]handlers.ProviderStatus, 0, len(p.tiers))
	for tier, spec := range p.tiers {
		out = append(out, handlers.ProviderStatus{
			Tier:      string(tier),
			Name:      spec.Model(),
			Available: p.gateway.IsAvailable(tier),
		})
	}
	return out
}

// initDomainServices wires the Classifier, ModelSelector, ContextBuilder,
// ConversationLockManager, and PerformanceTracker (§4).
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	modelFamily := app.config.Tiers.Medium.Name

	rates := make(map[valueobject.Tier]tokenizer.TierRate, 3)
	for tier, spec := range app.tiers {
		rates[tier] = tokenizer.TierRate{RatePer1kIn: spec.RatePerInputK(), RatePer1kOut: spec.RatePerOutputK()}
	}
	tokens := tokenizer.NewAccountant(rates)

	app.tracker = service.NewPerformanceTracker(50, time.Hour)

	classifierCfg := service.ClassifierConfig{
		ConfidenceThreshold: app.config.Classifier.ConfidenceThreshold,
		SmallModel:          valueobject.NewModelConfig(app.config.Tiers.Small.Name, 256, 0.0),
		MediumModel:         valueobject.NewModelConfig(app.config.Tiers.Medium.Name, 256, 0.0),
	}
	app.classifier = service.NewClassifier(app.gateway, classifierCfg, app.logger)

	selectorCfg := service.ModelSelectorConfig{
		DownshiftThreshold: app.config.Budget.DownshiftThreshold,
		FailureThreshold:   0.5,
		WindowLookback:     time.Hour,
	}
	app.selector = service.NewModelSelector(selectorCfg, app.tracker, app.tiers, tokens)

	contextCfg := service.ContextBuilderConfig{
		ReserveTokens:          app.config.Context.ReserveTokens,
		SummarizeAfterMessages: app.config.Context.SummarizeAfterMessages,
		ModelFamily:            modelFamily,
		SummaryModel:           valueobject.NewModelConfig(app.config.Tiers.Small.Name, 512, 0.0),
	}
	app.context = service.NewContextBuilder(contextCfg, app.messages, app.conversations, tokens, app.gateway, app.logger)

	app.locks = service.NewConversationLockManager()

	return nil
}

// initSessionHub builds the real-time WebSocket fan-out hub (§4.F).
func (app *App) initSessionHub() error {
	app.logger.Info("Initializing session hub")

	authorize := func(ctx context.Context, userID, conversationID string) (bool, error) {
		conv, err := app.conversations.FindByID(ctx, conversationID)
		if err != nil {
			return false, err
		}
		return conv.IsOwnedBy(userID), nil
	}

	app.hub = websocket.NewHub(app.logger, authorize, app.config.Session.BufferSize, app.config.Session.LagTimeout)
	app.wsHandler = websocket.NewHandler(app.hub, app.logger)

	return nil
}

// initUseCase wires the Orchestrator Core use case (§5) over every collaborator above.
func (app *App) initUseCase() error {
	app.logger.Info("Initializing orchestrator core")

	modelFamily := app.config.Tiers.Medium.Name
	budget := usecase.BudgetPolicy{
		Ledger:      app.ledger,
		DailyCapUSD: app.config.Budget.DailyCapUSD,
		Lookback:    24 * time.Hour,
	}
	publisher := websocket.NewHubPublisher(app.hub)

	app.orchestrate = usecase.NewOrchestrateQueryUseCase(
		app.conversations,
		app.messages,
		app.ledger,
		app.classifier,
		app.selector,
		app.context,
		app.locks,
		app.tracker,
		app.gateway,
		app.tiers,
		modelFamily,
		budget,
		publisher,
		app.config.Gateway.LockTimeout,
		app.logger,
	)

	return nil
}

// initHTTPServer builds the Gin router over the Orchestrator Core and the
// Session Hub's WebSocket upgrade endpoint.
func (app *App) initHTTPServer() error {
	app.logger.Info("Initializing HTTP server")

	providers := &providerStatusSource{gateway: app.gateway, tiers: app.tiers}

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host: app.config.Server.Host,
			Port: app.config.Server.Port,
		},
		app.conversations,
		app.messages,
		app.orchestrate,
		providers,
		app.wsHandler,
		app.logger,
	)

	return nil
}

// Start starts the HTTP server.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop gracefully shuts down the HTTP server and the database connection.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if app.ledgerAgg != nil {
		app.ledgerAgg.Close()
	}

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// Orchestrate returns the Orchestrator Core use case (used by the CLI's
// conversation-replay tooling).
func (app *App) Orchestrate() *usecase.OrchestrateQueryUseCase {
	return app.orchestrate
}

// Conversations returns the conversation repository (used by the CLI's
// conversation-inspection tooling).
func (app *App) Conversations() repository.ConversationRepository {
	return app.conversations
}

// Messages returns the message repository (used by the CLI's
// conversation-inspection tooling).
func (app *App) Messages() repository.MessageRepository {
	return app.messages
}
