package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"webhook-gateway/fanout"
	"webhook-gateway/middleware/ratelimit"
	"webhook-gateway/middleware/ratelimit/application"
	"webhook-gateway/middleware/ratelimit/domain"
	"webhook-gateway/middleware/ratelimit/infra"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
)

const version = "0.3.0"

func main() {
	_ = godotenv.Load()

	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Contador: memória (instância única) ou Redis compartilhado.
	var counterStore domain.CounterStore
	var rdb *redis.Client
	if cfg.useSharedStore {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancelPing()
		if err != nil {
			log.Fatalf("redis ping error: %v", err)
		}

		counterStore = infra.NewRedisCounterStore(rdb, infra.WithRedisCounterTimeout(cfg.sharedStoreTimeout))
	} else {
		memStore := infra.NewMemoryCounterStore()
		defer memStore.Close()
		counterStore = memStore
	}

	history := infra.NewToolHistory(infra.WithHistorySize(cfg.toolHistorySize))

	svc, err := application.NewService(domain.Config{
		Enabled: cfg.rateEnabled,
		Limits:  cfg.limits,
		Message: cfg.rateMessage,
	}, counterStore, application.WithToolStats(history))
	if err != nil {
		log.Fatalf("rate limit engine error: %v", err)
	}

	// Stats sempre em memória (alimenta /api/stats); Redis opcional em cima.
	memStats := infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.statsTrackKeys))
	stats := []domain.StatsStore{memStats}
	if cfg.statsRedisEnabled {
		statsClient := rdb
		if statsClient == nil {
			statsClient = redis.NewClient(&redis.Options{
				Addr:     cfg.redisAddr,
				Password: cfg.redisPassword,
				DB:       cfg.redisDB,
			})
			defer func() { _ = statsClient.Close() }()
		}
		stats = append(stats, infra.NewRedisStatsStore(
			statsClient,
			infra.WithStatsTrackKeys(cfg.statsTrackKeys),
		))
	}
	statsStore := multiStats(stats)

	dispatcher := fanout.NewDispatcher(fanout.WithDeliveryTimeout(cfg.deliveryTimeout))
	if len(cfg.sinkURLs) == 0 {
		dispatcher.Register(fanout.SinkFunc{
			SinkName: "log",
			Fn: func(_ context.Context, ev fanout.Event) error {
				log.Printf("fanout: delivery=%s source=%s kind=%s bytes=%d", ev.DeliveryID, ev.Source, ev.Kind, len(ev.Payload))
				return nil
			},
		}, 0, 0)
	}
	for i, u := range cfg.sinkURLs {
		dispatcher.Register(&httpSink{
			name:   fmt.Sprintf("http-%d", i),
			url:    u,
			client: &http.Client{Timeout: cfg.deliveryTimeout},
		}, cfg.sinkRPS, cfg.sinkBurst)
	}

	mcpHandler := buildMCPServer(svc, dispatcher)

	sharedOpts := ratelimit.Options{
		Service:        svc,
		Stats:          statsStore,
		KeyHeader:      cfg.rateKeyHeader,
		TrustProxy:     cfg.trustXFF,
		IncludeHeaders: cfg.addHeaders,
	}

	webhookOpts := sharedOpts
	webhookOpts.Category = domain.CategoryWebhook
	webhookOpts.SkipSuccessful = cfg.skipSuccessful
	webhookOpts.SkipFailed = cfg.skipFailed

	apiOpts := sharedOpts
	apiOpts.Category = domain.CategoryAPI

	webhookHandler := http.StripPrefix("/webhooks", fanout.Handler(dispatcher, cfg.webhookMaxBody))
	webhookChain := ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		AcquireTimeout: cfg.concurrencyTimeout,
	})(webhookHandler)
	webhookChain = ratelimit.Middleware(webhookOpts)(webhookChain)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", webhookChain)
	mux.Handle("/mcp", ratelimit.MCPMiddleware(sharedOpts)(mcpHandler))
	mux.Handle("/api/stats", ratelimit.Middleware(apiOpts)(statsHandler(memStats)))
	mux.Handle("/api/tools/history", ratelimit.Middleware(apiOpts)(historyHandler(history)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	generalOpts := sharedOpts
	generalOpts.Category = domain.CategoryGeneral
	h := ratelimit.Middleware(generalOpts)(mux)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("webhook-gateway %s listening on %s", version, cfg.listenAddr)
	log.Printf("rate: enabled=%v sharedStore=%v keyHeader=%q trustXFF=%v headers=%v skipSuccessful=%v skipFailed=%v",
		cfg.rateEnabled, cfg.useSharedStore, cfg.rateKeyHeader, cfg.trustXFF, cfg.addHeaders, cfg.skipSuccessful, cfg.skipFailed)
	for _, cat := range domain.Categories {
		lim := cfg.limits[cat]
		log.Printf("rate: category=%s window=%s max=%d", cat, lim.Window, lim.Max)
	}
	log.Printf("fanout: sinks=%d sinkRPS=%.2f deliveryTimeout=%s concurrencyMax=%d",
		len(cfg.sinkURLs), cfg.sinkRPS, cfg.deliveryTimeout, cfg.concurrencyMax)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// buildMCPServer monta o endpoint MCP com as tools de integração e o limite
// por ferramenta dentro do dispatch.
func buildMCPServer(svc *application.Service, d *fanout.Dispatcher) http.Handler {
	s := server.NewMCPServer("webhook-gateway", version,
		server.WithToolCapabilities(false),
		server.WithToolHandlerMiddleware(ratelimit.ToolMiddleware(svc)),
	)

	s.AddTool(mcp.NewTool("notify-channel",
		mcp.WithDescription("Envia uma notificação de evento para o canal de chat configurado"),
		mcp.WithString("channel", mcp.Required(), mcp.Description("Canal de destino")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Texto da notificação")),
	), dispatchTool(d, "chat"))

	s.AddTool(mcp.NewTool("create-ticket",
		mcp.WithDescription("Abre um ticket derivado de um evento"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Título do ticket")),
		mcp.WithString("body", mcp.Description("Descrição do ticket")),
	), dispatchTool(d, "tickets"))

	s.AddTool(mcp.NewTool("append-row",
		mcp.WithDescription("Anexa uma linha na planilha/warehouse de eventos"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Tabela ou aba de destino")),
		mcp.WithString("row", mcp.Required(), mcp.Description("Linha serializada em JSON")),
	), dispatchTool(d, "warehouse"))

	return server.NewStreamableHTTPServer(s)
}

// dispatchTool repassa os argumentos da tool como payload de fan-out.
// O corpo da tool só roda se as duas camadas de admissão passaram.
func dispatchTool(d *fanout.Dispatcher, source string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		ev := fanout.Event{
			DeliveryID: req.Params.Name + "-" + strconv.FormatInt(time.Now().UnixNano(), 36),
			Source:     source,
			Kind:       req.Params.Name,
			ReceivedAt: time.Now(),
			Payload:    payload,
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delivery failed: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("dispatched %s to %s", req.Params.Name, source)), nil
	}
}

// multiStats replica cada evento em todos os stores (best-effort em cadeia).
type multiStats []domain.StatsStore

func (m multiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var firstErr error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// httpSink repassa o evento por POST para uma URL downstream genérica.
type httpSink struct {
	name   string
	url    string
	client *http.Client
}

func (s *httpSink) Name() string { return s.name }

func (s *httpSink) Deliver(ctx context.Context, ev fanout.Event) error {
	body, err := json.Marshal(map[string]any{
		"deliveryId": ev.DeliveryID,
		"source":     ev.Source,
		"kind":       ev.Kind,
		"receivedAt": ev.ReceivedAt.UTC().Format(time.RFC3339),
		"payload":    ev.Payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("downstream returned %d", resp.StatusCode)
	}
	return nil
}

func statsHandler(stats *infra.MemoryStatsStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":      stats.Total(),
			"byCategory": stats.ByCategory(),
			"byRoute":    stats.ByRoute(),
		})
	})
}

func historyHandler(history *infra.ToolHistory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		tool := r.URL.Query().Get("tool")
		if tool == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"tools": history.Tools()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tool":  tool,
			"calls": history.Last(tool),
		})
	})
}

type config struct {
	listenAddr string

	rateEnabled bool
	limits      map[domain.Category]domain.Limit
	rateMessage string

	useSharedStore     bool
	redisAddr          string
	redisPassword      string
	redisDB            int
	sharedStoreTimeout time.Duration

	rateKeyHeader  string
	trustXFF       bool
	addHeaders     bool
	skipSuccessful bool
	skipFailed     bool

	statsRedisEnabled bool
	statsTrackKeys    bool
	toolHistorySize   int

	concurrencyMax     int
	concurrencyTimeout time.Duration

	sinkURLs        []string
	sinkRPS         float64
	sinkBurst       int
	deliveryTimeout time.Duration
	webhookMaxBody  int64
}

// limites por categoria quando a variável não está setada
var defaultLimits = map[domain.Category]domain.Limit{
	domain.CategoryGeneral: {Window: time.Minute, Max: 300},
	domain.CategoryAPI:     {Window: time.Minute, Max: 60},
	domain.CategoryWebhook: {Window: time.Minute, Max: 120},
	domain.CategoryMCP:     {Window: time.Minute, Max: 60},
	domain.CategoryTool:    {Window: time.Minute, Max: 30},
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")

	cfg.rateEnabled = getenvBoolDefault("RATE_LIMIT_ENABLED", true)
	cfg.rateMessage = os.Getenv("RATE_LIMIT_MESSAGE")

	cfg.limits = make(map[domain.Category]domain.Limit, len(domain.Categories))
	for _, cat := range domain.Categories {
		env := "RATE_" + strings.ToUpper(string(cat))
		def := defaultLimits[cat]
		windowMs := getenvIntDefault(env+"_WINDOW_MS", int(def.Window.Milliseconds()))
		max := getenvIntDefault(env+"_MAX", int(def.Max))
		if windowMs <= 0 {
			return config{}, fmt.Errorf("%s_WINDOW_MS must be > 0", env)
		}
		if max <= 0 {
			return config{}, fmt.Errorf("%s_MAX must be > 0", env)
		}
		cfg.limits[cat] = domain.Limit{
			Window: time.Duration(windowMs) * time.Millisecond,
			Max:    int64(max),
		}
	}

	cfg.useSharedStore = getenvBoolDefault("USE_SHARED_STORE", false)
	cfg.redisAddr = getenvDefault("REDIS_ADDR", "")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)
	cfg.sharedStoreTimeout = getenvDurationDefault("SHARED_STORE_TIMEOUT", 150*time.Millisecond)

	cfg.rateKeyHeader = os.Getenv("RATE_KEY_HEADER")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.addHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", true)
	cfg.skipSuccessful = getenvBoolDefault("SKIP_SUCCESSFUL", false)
	cfg.skipFailed = getenvBoolDefault("SKIP_FAILED", false)

	cfg.statsRedisEnabled = getenvBoolDefault("RATE_STATS_REDIS_ENABLED", false)
	cfg.statsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)
	cfg.toolHistorySize = getenvIntDefault("TOOL_HISTORY_SIZE", infra.DefaultHistorySize)

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	if v := os.Getenv("SINK_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.sinkURLs = append(cfg.sinkURLs, u)
			}
		}
	}
	cfg.sinkRPS = getenvFloatDefault("SINK_RPS", 5)
	cfg.sinkBurst = getenvIntDefault("SINK_BURST", 10)
	cfg.deliveryTimeout = getenvDurationDefault("DELIVERY_TIMEOUT", 10*time.Second)
	cfg.webhookMaxBody = int64(getenvIntDefault("WEBHOOK_MAX_BODY", fanout.DefaultMaxBody))

	if cfg.useSharedStore && strings.TrimSpace(cfg.redisAddr) == "" {
		return config{}, errors.New("REDIS_ADDR is required when USE_SHARED_STORE=true")
	}
	if cfg.statsRedisEnabled && strings.TrimSpace(cfg.redisAddr) == "" {
		return config{}, errors.New("REDIS_ADDR is required when RATE_STATS_REDIS_ENABLED=true")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	if cfg.toolHistorySize <= 0 {
		return config{}, errors.New("TOOL_HISTORY_SIZE must be > 0")
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
