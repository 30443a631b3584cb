package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"machine-time/internal/audit"
	"machine-time/internal/auth"
	costingapp "machine-time/internal/costing/application"
	"machine-time/internal/eventing"
	eventingmemory "machine-time/internal/eventing/infrastructure/memory"
	eventingrepo "machine-time/internal/eventing/infrastructure/postgres"
	machinetimeapp "machine-time/internal/machinetime/application"
	machinetime "machine-time/internal/machinetime/domain"
	machinetimememory "machine-time/internal/machinetime/infrastructure/memory"
	machinetimerepo "machine-time/internal/machinetime/infrastructure/postgres"
	machinetimeinterfaces "machine-time/internal/machinetime/interfaces"
	machinetimehttp "machine-time/internal/machinetime/interfaces/http"
	machinetimemqtt "machine-time/internal/machinetime/interfaces/mqtt"
	machinetimenotify "machine-time/internal/machinetime/interfaces/notify"
	"machine-time/internal/observability/metrics"
	signalapp "machine-time/internal/signals/application"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var lifecycleEvents = []string{
	machinetime.EventTimeStarted,
	machinetime.EventTimeStopped,
	machinetime.EventTimePaused,
	machinetime.EventTimeResumed,
	machinetime.EventIdleDetected,
	machinetime.EventErrorDetected,
}

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	plantCfg, err := machinetimeapp.LoadConfig()
	if err != nil {
		logger.Fatalf("machinetime config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	} else {
		logger.Printf("DATABASE_URL not set: using in-memory storage")
	}

	metrics.Init(db, logger)
	stores := buildStores(db)

	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	for _, name := range lifecycleEvents {
		registry.RegisterNamed(name, machinetime.LifecycleEvent{})
	}
	dispatcher := eventing.NewDispatcher(bus, stores.outbox, registry, stores.dlq, eventing.WithDispatchLogger(logger))
	publisher := eventing.NewPublisher(stores.outbox, cfg.PlantID, bus, eventing.WithPublisherLogger(logger))

	var mqttClient machinetimemqtt.Client
	if cfg.MQTTBroker != "" {
		client, err := machinetimemqtt.NewRealClient(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			logger.Fatalf("mqtt connect error: %v", err)
		}
		defer client.Close()
		mqttClient = client
		sink, err := machinetimemqtt.NewEventSink(client, cfg.MQTTEventPrefix)
		if err != nil {
			logger.Fatalf("mqtt sink error: %v", err)
		}
		eventing.Subscribe(bus, "machinetime.mqtt", sink.Publish, stores.processed, lifecycleEvents...)
	}

	if cfg.NotifyWebhookURL != "" {
		channel, err := machinetimenotify.NewWebhookChannel(cfg.NotifyWebhookURL)
		if err != nil {
			logger.Fatalf("notify webhook error: %v", err)
		}
		tpl, err := machinetimenotify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			logger.Fatalf("notify template error: %v", err)
		}
		notifier, err := machinetimenotify.NewNotifier(channel, tpl,
			machinetimenotify.WithEquipmentReader(stores.equipment),
			machinetimenotify.WithCooldown(cfg.NotifyCooldown),
			machinetimenotify.WithDedupeWindow(cfg.NotifyDedupeWindow),
			machinetimenotify.WithLogger(logger),
		)
		if err != nil {
			logger.Fatalf("notifier error: %v", err)
		}
		eventing.Subscribe(bus, "machinetime.notify", notifier.Handle, stores.processed, notifier.Events()...)
	}

	adapters, err := plantCfg.AdapterConfigs()
	if err != nil {
		logger.Fatalf("adapter config error: %v", err)
	}
	normalizer, err := signalapp.NewNormalizer(adapters...)
	if err != nil {
		logger.Fatalf("normalizer error: %v", err)
	}
	filterCfg, err := plantCfg.FilterConfig()
	if err != nil {
		logger.Fatalf("filter config error: %v", err)
	}
	filter, err := signalapp.NewFilter(filterCfg)
	if err != nil {
		logger.Fatalf("filter error: %v", err)
	}

	events := machinetimeinterfaces.NewFanoutPublisher(
		machinetimeinterfaces.NewOutboxPublisher(publisher, cfg.PlantID),
		machinetimeinterfaces.NewLoggingPublisher(logger),
	)
	service, err := machinetimeapp.NewService(
		stores.equipment,
		stores.entries,
		costingapp.NewCalculator(),
		machinetimeapp.WithPublisher(events),
		machinetimeapp.WithCostRepository(stores.costs),
		machinetimeapp.WithNormalizer(normalizer),
		machinetimeapp.WithFilter(filter),
		machinetimeapp.WithLogger(logger),
		machinetimeapp.WithSlotTimeout(plantCfg.SlotTimeout),
		machinetimeapp.WithSweepConcurrency(plantCfg.Sweep.Concurrency),
		machinetimeapp.WithUnusualDuration(plantCfg.UnusualDuration),
	)
	if err != nil {
		logger.Fatalf("machinetime service error: %v", err)
	}

	equipment, err := plantCfg.EquipmentList()
	if err != nil {
		logger.Fatalf("equipment config error: %v", err)
	}
	for _, eq := range equipment {
		if _, err := service.RegisterEquipment(ctx, eq); err != nil {
			logger.Fatalf("register equipment %s error: %v", eq.ID, err)
		}
	}
	restored, err := service.Restore(ctx)
	if err != nil {
		logger.Fatalf("restore open entries error: %v", err)
	}
	logger.Printf("machinetime ready: equipment=%d open_entries=%d", len(equipment), restored)

	go service.RunTicker(ctx, plantCfg.TickInterval)
	go dispatcher.Run(ctx, cfg.DispatchInterval, 100, logger)

	sweeper, err := machinetimeapp.NewSweeper(service, plantCfg.Sweep.Schedule, plantCfg.Sweep.IdleTimeout, logger)
	if err != nil {
		logger.Fatalf("idle sweeper error: %v", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if mqttClient != nil {
		subscriber, err := machinetimemqtt.NewSignalSubscriber(mqttClient, service,
			machinetimemqtt.WithSignalTopic(cfg.MQTTSignalTopic),
			machinetimemqtt.WithSubscriberLogger(logger),
		)
		if err != nil {
			logger.Fatalf("mqtt subscriber error: %v", err)
		}
		if err := subscriber.Start(ctx); err != nil {
			logger.Fatalf("mqtt subscribe error: %v", err)
		}
		defer subscriber.Stop()
	}

	entryHandler, err := machinetimehttp.NewHandler(service, stores.audit, logger)
	if err != nil {
		logger.Fatalf("entry handler error: %v", err)
	}
	ingestHandler, err := machinetimehttp.NewIngestHandler(service, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy, auth.WithPlantScope(cfg.PlantID))
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ingest/signals", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/api/", entryHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
	logger.Printf("machinetime shutting down")
}

type outboxStore interface {
	eventing.OutboxWriter
	eventing.OutboxStore
}

type storeSet struct {
	equipment machinetime.EquipmentRepository
	entries   machinetime.EntryRepository
	costs     machinetime.CostRepository
	outbox    outboxStore
	processed eventing.ProcessedStore
	dlq       eventing.DLQStore
	audit     audit.Logger
}

func buildStores(db *sql.DB) storeSet {
	if db == nil {
		return storeSet{
			equipment: machinetimememory.NewEquipmentRepository(),
			entries:   machinetimememory.NewEntryRepository(),
			costs:     machinetimememory.NewCostRepository(),
			outbox:    eventingmemory.NewOutboxStore(),
			processed: eventingmemory.NewProcessedStore(),
			dlq:       eventingmemory.NewDLQStore(),
			audit:     audit.NewMemoryLog(),
		}
	}
	return storeSet{
		equipment: machinetimerepo.NewEquipmentRepository(db),
		entries:   machinetimerepo.NewEntryRepository(db),
		costs:     machinetimerepo.NewCostRepository(db),
		outbox:    eventingrepo.NewOutboxStore(db),
		processed: eventingrepo.NewProcessedStore(db),
		dlq:       eventingrepo.NewDLQStore(db),
		audit:     audit.NewRepository(db),
	}
}

type config struct {
	DatabaseURL        string
	HTTPAddr           string
	PlantID            string
	JWTSecret          string
	IngestSecret       string
	IngestSkewSeconds  int
	DispatchInterval   time.Duration
	MQTTBroker         string
	MQTTClientID       string
	MQTTSignalTopic    string
	MQTTEventPrefix    string
	NotifyWebhookURL   string
	NotifyTemplate     string
	NotifyCooldown     time.Duration
	NotifyDedupeWindow time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		PlantID:            getenvDefault("PLANT_ID", "plant-demo"),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:       getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds:  getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		DispatchInterval:   getenvDuration("OUTBOX_DISPATCH_INTERVAL", time.Second),
		MQTTBroker:         getenvDefault("MQTT_BROKER", ""),
		MQTTClientID:       getenvDefault("MQTT_CLIENT_ID", "machine-time"),
		MQTTSignalTopic:    getenvDefault("MQTT_SIGNAL_TOPIC", machinetimemqtt.DefaultSignalTopic),
		MQTTEventPrefix:    getenvDefault("MQTT_EVENT_PREFIX", machinetimemqtt.DefaultEventPrefix),
		NotifyWebhookURL:   getenvDefault("NOTIFY_WEBHOOK_URL", ""),
		NotifyTemplate:     getenvDefault("NOTIFY_TEMPLATE", ""),
		NotifyCooldown:     getenvDuration("NOTIFY_COOLDOWN", 0),
		NotifyDedupeWindow: getenvDuration("NOTIFY_DEDUP_WINDOW", 0),
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.IngestSecret == "" {
		log.Fatal("INGEST_HMAC_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
