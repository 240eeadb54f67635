package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/edgemind/edgemind/internal/agent"
	"github.com/edgemind/edgemind/internal/config"
	"github.com/edgemind/edgemind/internal/deviceadapters"
	"github.com/edgemind/edgemind/internal/deviceadapters/httppoll"
	"github.com/edgemind/edgemind/internal/deviceadapters/mqtt"
	"github.com/edgemind/edgemind/internal/deviceadapters/webhook"
	"github.com/edgemind/edgemind/internal/devicestate"
	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/eventbus"
	"github.com/edgemind/edgemind/internal/extensions"
	"github.com/edgemind/edgemind/internal/extract"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/llm/providers"
	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/memory/embeddings"
	embeddingsollama "github.com/edgemind/edgemind/internal/memory/embeddings/ollama"
	embeddingsopenai "github.com/edgemind/edgemind/internal/memory/embeddings/openai"
	"github.com/edgemind/edgemind/internal/messages"
	"github.com/edgemind/edgemind/internal/observability"
	"github.com/edgemind/edgemind/internal/sessions"
	"github.com/edgemind/edgemind/internal/timeseries"
	"github.com/edgemind/edgemind/internal/tools"
	alertstool "github.com/edgemind/edgemind/internal/tools/alerts"
	devicestool "github.com/edgemind/edgemind/internal/tools/devices"
	"github.com/edgemind/edgemind/internal/tools/memorytool"
	"github.com/edgemind/edgemind/internal/workflow"
	"github.com/edgemind/edgemind/pkg/models"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

// app bundles the wired process for the HTTP layer.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	bus       *eventbus.Bus
	states    devicestate.Store
	series    timeseries.Store
	sessions  *sessions.Manager
	msgs      *messages.Manager
	brokers   *mqtt.Manager
	webhook   *webhook.Adapter
	httppoll    *httppoll.Adapter
	wf          *workflow.Executor
	automations workflow.AutomationStore
}

func runServe(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := obsLogger.Slog()
	metrics := observability.NewMetrics()

	tracer, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "edgemind",
		ServiceVersion: version,
		Endpoint:       cfg.Logging.TracingEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	defer bus.Close()

	// Stores: in-memory by default, CockroachDB twins behind a DSN.
	var db *sql.DB
	var states devicestate.Store
	var series timeseries.Store
	var sessionStore sessions.Store
	var messageStore messages.Store
	var brokerStore mqtt.BrokerStore
	var automationStore workflow.AutomationStore

	switch cfg.Storage.Backend {
	case "cockroach", "postgres":
		opened, err := sql.Open("postgres", cfg.Storage.DSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		db = opened
		defer db.Close()

		deviceStore := devicestate.NewCockroachStore(db)
		seriesStore := timeseries.NewCockroachStore(db)
		sessionCR := sessions.NewCockroachStore(db)
		messageCR := messages.NewCockroachStore(db)
		brokerCR := mqtt.NewCockroachBrokerStore(db)
		automationCR := workflow.NewCockroachAutomationStore(db)
		for _, ensure := range []func(context.Context) error{
			deviceStore.EnsureSchema, seriesStore.EnsureSchema,
			sessionCR.EnsureSchema, messageCR.EnsureSchema, brokerCR.EnsureSchema,
			automationCR.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				return err
			}
		}
		states = deviceStore
		series = seriesStore
		sessionStore = sessionCR
		messageStore = messageCR
		brokerStore = brokerCR
		automationStore = automationCR
	default:
		states = devicestate.NewMemoryStore()
		series = timeseries.NewMemoryStore()
		sessionStore = sessions.NewMemoryStore()
		messageStore = messages.NewMemoryStore()
		brokerStore = mqtt.NewMemoryBrokerStore()
		automationStore = workflow.NewMemoryAutomationStore()
	}

	cachedStates := devicestate.NewCachedStore(states, devicestate.CacheConfig{
		Capacity: cfg.Devices.CacheCapacity,
		TTL:      cfg.Devices.CacheTTL,
	})
	defer cachedStates.Close()

	// Extensions double as device-type templates for extraction.
	extRegistry := extensions.NewRegistry(bus, logger)
	if len(cfg.Devices.ExtensionDirs) > 0 {
		if n, err := extensions.Discover(extRegistry, cfg.Devices.ExtensionDirs, logger); err != nil {
			logger.Warn("extension discovery failed", "error", err)
		} else {
			logger.Info("extensions discovered", "count", n)
		}
		if err := extensions.Watch(ctx, extRegistry, cfg.Devices.ExtensionDirs, logger); err != nil {
			logger.Warn("extension watching unavailable", "error", err)
		}
	}

	extractor := extract.New(templateChain{extRegistry, cachedStates}, extract.Config{
		StoreRaw:       cfg.Devices.StoreRaw,
		AutoExtract:    cfg.Devices.AutoExtract,
		MaxDepth:       cfg.Devices.ExtractMaxDepth,
		MaxInlineArray: 10,
	}, logger)

	pipeline := &deviceadapters.Pipeline{
		Extractor: extractor,
		States:    cachedStates,
		Series:    series,
		Bus:       bus,
		Logger:    logger,
	}

	// MQTT: configured brokers are persisted then started by the manager.
	brokerManager := mqtt.NewManager(brokerStore, logger)
	for _, broker := range cfg.Devices.MQTTBrokers {
		if err := brokerStore.SaveBroker(ctx, mqtt.BrokerConfig{
			ID:                broker.ID,
			URL:               broker.URL,
			ClientID:          broker.ClientID,
			Username:          broker.Username,
			Password:          broker.Password,
			UseTLS:            broker.UseTLS,
			TopicPrefix:       broker.TopicPrefix,
			SubscribeTopics:   broker.SubscribeTopics,
			DiscoveryTopic:    broker.DiscoveryTopic,
			DefaultDeviceType: broker.DefaultDeviceType,
			Enabled:           broker.Enabled,
			ConnectTimeout:    broker.ConnectTimeout,
		}); err != nil {
			return err
		}
	}
	if err := brokerManager.StartAll(ctx); err != nil {
		logger.Warn("broker startup incomplete", "error", err)
	}
	defer brokerManager.StopAll(context.Background())
	for id, adapter := range brokerManager.Adapters() {
		go pipeline.Run(ctx, "mqtt:"+id, adapter.Events())
	}

	// HTTP polling.
	pollDevices := make([]httppoll.DeviceConfig, len(cfg.Devices.HTTPDevices))
	for i, dev := range cfg.Devices.HTTPDevices {
		pollDevices[i] = httppoll.DeviceConfig{
			DeviceID:     dev.DeviceID,
			DeviceType:   dev.DeviceType,
			URL:          dev.URL,
			Method:       dev.Method,
			PollInterval: dev.PollInterval,
			Headers:      dev.Headers,
			BearerToken:  dev.BearerToken,
			DataPath:     dev.DataPath,
			CommandURL:   dev.CommandURL,
		}
	}
	poller := httppoll.New(httppoll.Config{
		Devices:        pollDevices,
		RequestTimeout: cfg.Devices.PollTimeout,
	}, logger)
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer poller.Stop(context.Background())
	go pipeline.Run(ctx, "httppoll", poller.Events())

	// Webhook ingress.
	hook := webhook.New(webhook.Config{
		PathPrefix: cfg.Server.WebhookPathPrefix,
		Token:      cfg.Server.WebhookToken,
	}, logger)
	if err := hook.Start(ctx); err != nil {
		return err
	}
	defer hook.Stop(context.Background())
	go pipeline.Run(ctx, "webhook", hook.Events())

	sendCommand := commandRouter(brokerManager, poller)

	// Memory tiers.
	tiered := memory.NewTiered(
		memory.NewMidTerm(memory.MidTermConfig{
			MaxEntries: cfg.Memory.MidTermMaxEntries,
			Method:     memory.SearchMethod(cfg.Memory.SearchMethod),
			Alpha:      cfg.Memory.HybridAlpha,
			Beta:       cfg.Memory.HybridBeta,
		}, buildEmbedder(cfg, logger), nil),
		memory.NewLongTerm(), nil, nil)
	if cfg.Memory.Vector.Enabled {
		vectorCfg := cfg.Memory.Vector
		if vectorCfg.Pgvector.UseCockroachDB && db != nil {
			vectorCfg.Pgvector.DB = db
		}
		if vectorStore, err := memory.NewManager(&vectorCfg); err != nil {
			logger.Warn("vector memory unavailable", "error", err)
		} else if vectorStore != nil {
			tiered.SetVectorStore(vectorStore)
			defer vectorStore.Close()
		}
	}

	// Messages.
	msgManager := messages.NewManager(messageStore, bus, logger)
	msgManager.RegisterChannel(&messages.ConsoleChannel{Logger: logger})
	msgManager.RegisterChannel(messages.NewMemoryChannel(100))

	// Tools.
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, tools.ExecConfig{
		PerToolTimeout: cfg.Agent.ToolTimeout,
	}, logger)
	devicestool.Register(registry, cachedStates, series, devicestool.CommandSender(sendCommand))
	memorytool.Register(registry, tiered)
	alertstool.Register(registry, msgManager)

	// LLM.
	llmIface := llm.NewInterface(nil, cfg.LLM.StreamConcurrency)
	if backend, err := buildLLMBackend(cfg); err != nil {
		logger.Warn("llm backend unavailable, running on fallback rules", "error", err)
	} else if backend != nil {
		llmIface.SetBackend(backend)
	}

	// Sessions own the agents.
	sessionManager := sessions.NewManager(sessions.ManagerConfig{
		Store: sessionStore,
		AgentConfig: agent.Config{
			SystemPrompt:           cfg.Agent.SystemPrompt,
			MaxToolCallsPerRequest: cfg.Agent.MaxToolCallsPerRequest,
			MaxLLMCalls:            cfg.Agent.MaxLLMCalls,
			MaxLLMCallsOrchestrated: cfg.Agent.MaxLLMCallsOrchestrated,
			Orchestrated:           cfg.Agent.Orchestrated,
			ThinkingChunkCeiling:   cfg.Agent.ThinkingChunkCeiling,
			ContextTokenBudget:     cfg.Agent.ContextTokenBudget,
			RequestTimeout:         cfg.Agent.RequestTimeout,
			Model:                  cfg.LLM.Model,
		},
		Registry: registry,
		Executor: executor,
		LLM:      llmIface,
		ShortTerm: memory.ShortTermConfig{
			MaxMessages: cfg.Memory.ShortTermMaxMessages,
			MaxTokens:   cfg.Memory.ShortTermMaxTokens,
		},
		Logger: logger,
	})

	// Workflows.
	wfExecutor := workflow.NewExecutor(workflow.Deps{
		Messages:    msgManager,
		States:      cachedStates,
		Series:      series,
		SendCommand: sendCommand,
		HTTPClient:  &http.Client{Timeout: cfg.Workflow.HTTPTimeout},
		Logger:      logger,
	})

	// Rule automations fire off the bus.
	triggerEngine := workflow.NewTriggerEngine(automationStore, wfExecutor, bus, logger)
	go triggerEngine.Run(ctx)

	// Housekeeping: message retention and idle-agent eviction.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := msgManager.Cleanup(ctx, cfg.Messages.Retention); err == nil && n > 0 {
					logger.Info("messages cleaned up", "removed", n)
				}
				sessionManager.EvictIdle()
			}
		}
	}()

	application := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		bus:      bus,
		states:   cachedStates,
		series:   series,
		sessions: sessionManager,
		msgs:     msgManager,
		brokers:  brokerManager,
		webhook:  hook,
		httppoll:    poller,
		wf:          wfExecutor,
		automations: automationStore,
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           application.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("edgemind serving", "addr", cfg.Server.Addr, "storage", cfg.Storage.Backend,
		"llm", cfg.LLM.Provider)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// templateChain resolves device-type templates from the extension
// registry first, then the state store's template namespace.
type templateChain []extract.TemplateProvider

func (c templateChain) GetTemplate(ctx context.Context, deviceType string) (*models.DeviceTemplate, error) {
	var lastErr error
	for _, provider := range c {
		tmpl, err := provider.GetTemplate(ctx, deviceType)
		if err == nil {
			return tmpl, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errs.NotFound("template", deviceType)
	}
	return nil, lastErr
}

// commandRouter tries MQTT brokers first, then the HTTP poller.
func commandRouter(brokers *mqtt.Manager, poller *httppoll.Adapter) workflow.CommandSender {
	return func(ctx context.Context, cmd deviceadapters.Command) error {
		var lastErr error
		for _, adapter := range brokers.Adapters() {
			for _, id := range adapter.ListDevices() {
				if id == cmd.DeviceID {
					return adapter.SendCommand(ctx, cmd)
				}
			}
		}
		for _, id := range poller.ListDevices() {
			if id == cmd.DeviceID {
				return poller.SendCommand(ctx, cmd)
			}
		}
		// Unrouted devices fall through to the first connected broker.
		for _, adapter := range brokers.Adapters() {
			if adapter.ConnectionStatus() == deviceadapters.StateConnected {
				return adapter.SendCommand(ctx, cmd)
			}
		}
		if lastErr == nil {
			lastErr = errs.NotFound("adapter for device", cmd.DeviceID)
		}
		return lastErr
	}
}

func buildEmbedder(cfg *config.Config, logger *slog.Logger) embeddings.Provider {
	switch cfg.Memory.EmbeddingProvider {
	case "openai":
		provider, err := embeddingsopenai.New(embeddingsopenai.Config{
			APIKey:  cfg.Memory.EmbeddingAPIKey,
			BaseURL: cfg.Memory.EmbeddingBaseURL,
			Model:   cfg.Memory.EmbeddingModel,
		})
		if err != nil {
			logger.Warn("openai embedder unavailable, using hashing embedder", "error", err)
			return embeddings.NewHashing(cfg.Memory.Dimension)
		}
		return provider
	case "ollama":
		provider, err := embeddingsollama.New(embeddingsollama.Config{
			BaseURL: cfg.Memory.EmbeddingBaseURL,
			Model:   cfg.Memory.EmbeddingModel,
		})
		if err != nil {
			logger.Warn("ollama embedder unavailable, using hashing embedder", "error", err)
			return embeddings.NewHashing(cfg.Memory.Dimension)
		}
		return provider
	default:
		return embeddings.NewHashing(cfg.Memory.Dimension)
	}
}

func buildLLMBackend(cfg *config.Config) (llm.Runtime, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "anthropic":
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		runtime := llm.NewProviderRuntime(provider, cfg.LLM.Model)
		runtime.EnableThinking = cfg.LLM.EnableThinking
		return runtime, nil
	case "openai":
		provider := providers.NewOpenAIProviderWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL)
		return llm.NewProviderRuntime(provider, cfg.LLM.Model), nil
	case "google", "gemini":
		provider, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey: cfg.LLM.APIKey,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewProviderRuntime(provider, cfg.LLM.Model), nil
	case "bedrock":
		provider, err := providers.NewBedrockProvider(providers.BedrockConfig{})
		if err != nil {
			return nil, err
		}
		return llm.NewProviderRuntime(provider, cfg.LLM.Model), nil
	case "ollama":
		provider := providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
		return llm.NewProviderRuntime(provider, cfg.LLM.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// routes builds the HTTP surface: health, metrics, the streaming chat
// endpoint, broker administration, message listing, and webhook ingress.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": a.sessions.CachedAgents(),
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle(a.cfg.Server.WebhookPathPrefix+"/", a.webhook.Handler())

	mux.HandleFunc("POST /api/sessions/{id}/messages", a.handleChat)
	mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.handleRemoveSession)

	mux.HandleFunc("GET /api/devices", a.handleListDevices)
	mux.HandleFunc("GET /api/messages", a.handleListMessages)

	mux.HandleFunc("POST /api/workflows/run", a.handleRunWorkflow)

	mux.HandleFunc("GET /api/automations", a.handleListAutomations)
	mux.HandleFunc("POST /api/automations", a.handleCreateAutomation)
	mux.HandleFunc("DELETE /api/automations/{id}", a.handleDeleteAutomation)

	mux.HandleFunc("POST /api/brokers", a.handleCreateBroker)
	mux.HandleFunc("GET /api/brokers", a.handleListBrokers)
	mux.HandleFunc("PUT /api/brokers/{id}", a.handleUpdateBroker)
	mux.HandleFunc("DELETE /api/brokers/{id}", a.handleDeleteBroker)
	mux.HandleFunc("POST /api/brokers/test", a.handleTestBroker)

	return a.instrument(mux)
}

// instrument traces and measures every request.
func (a *app) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := a.tracer.TraceHTTPRequest(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		a.metrics.RecordHTTPRequest(r.Method, r.URL.Path,
			fmt.Sprintf("%d", recorder.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the chat endpoint's streaming flush working through the
// instrumentation wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleChat streams agent events as NDJSON until the terminal End.
func (a *app) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var in struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil || strings.TrimSpace(in.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	ag, _, err := a.sessions.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	newMessages := 0
	for ev := range ag.ProcessStream(r.Context(), in.Message) {
		if err := encoder.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		switch ev.Type {
		case models.EventToolCallEnd:
			a.bus.Publish(eventbus.Event{
				Type: eventbus.TypeToolInvoked,
				ToolInvoked: &eventbus.ToolInvokedPayload{
					ToolName:  ev.ToolEnd.Tool,
					Success:   ev.ToolEnd.Success,
					Timestamp: time.Now(),
				},
			}, eventbus.Metadata{Source: "agent"})
		case models.EventEnd:
			newMessages = 2
			a.bus.Publish(eventbus.Event{
				Type: eventbus.TypeAgentMessage,
				AgentMessage: &eventbus.AgentMessagePayload{
					SessionID: sessionID,
					Role:      string(models.RoleAssistant),
					Timestamp: time.Now(),
				},
			}, eventbus.Metadata{Source: "agent"})
		}
	}
	if newMessages > 0 {
		if err := a.sessions.Touch(context.Background(), sessionID, newMessages); err != nil {
			a.logger.Warn("session touch failed", "session_id", sessionID, "error", err)
		}
	}
}

func (a *app) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := a.sessions.List(r.Context(), 100, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Remove(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := a.states.ListAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleListMessages(w http.ResponseWriter, r *http.Request) {
	list, err := a.msgs.List(r.Context(), messages.Filter{Limit: 200})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleRunWorkflow executes an ad-hoc workflow definition and returns
// the per-step results.
func (a *app) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&wf); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := a.wf.Execute(r.Context(), &wf, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": run.Context.ExecutionID,
		"failed":       run.Failed,
		"results":      run.Results,
		"logs":         run.Context.Logs(),
	})
}

func (a *app) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	list, err := a.automations.ListAutomations(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var automation models.Automation
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&automation); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.automations.SaveAutomation(r.Context(), &automation); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, automation)
}

func (a *app) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if err := a.automations.DeleteAutomation(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleCreateBroker(w http.ResponseWriter, r *http.Request) {
	var cfg mqtt.BrokerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.brokers.Create(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, cfg.Redacted())
}

func (a *app) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	list, err := a.brokers.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *app) handleUpdateBroker(w http.ResponseWriter, r *http.Request) {
	var cfg mqtt.BrokerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg.ID = r.PathValue("id")
	if err := a.brokers.Update(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (a *app) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	if err := a.brokers.Delete(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleTestBroker(w http.ResponseWriter, r *http.Request) {
	var cfg mqtt.BrokerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.brokers.Test(r.Context(), cfg); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
