package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"castpanel/internal/api"
	"castpanel/internal/auth"
	"castpanel/internal/broadcast"
	"castpanel/internal/ingest"
	"castpanel/internal/observability/logging"
	"castpanel/internal/observability/metrics"
	"castpanel/internal/relay"
	"castpanel/internal/server"
	"castpanel/internal/sshpool"
	"castpanel/internal/storage"
	"castpanel/internal/transfer"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "lifetime of issued session tokens")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "interval between expired session sweeps")
	sessionRetention := flag.Duration("session-retention", 0, "retention for finished broadcast sessions (0 keeps history forever)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	panelOrigins := flag.String("panel-origins", "", "comma separated origins allowed to call the control API")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("rate-redis-tls-ca", "", "path to Redis TLS CA certificate for login throttling")
	redisTLSCert := flag.String("rate-redis-tls-cert", "", "path to Redis TLS client certificate for login throttling")
	redisTLSKey := flag.String("rate-redis-tls-key", "", "path to Redis TLS client key for login throttling")
	redisTLSServerName := flag.String("rate-redis-tls-server-name", "", "override Redis TLS server name for login throttling")
	redisTLSSkipVerify := flag.Bool("rate-redis-tls-skip-verify", false, "skip Redis TLS verification for login throttling")
	transferWorkers := flag.Int("transfer-workers", 0, "concurrent transfer workers")
	transferMaxAttempts := flag.Int("transfer-max-attempts", 0, "attempts per transfer job before it fails")
	transferRetryInterval := flag.Duration("transfer-retry-interval", 0, "delay between transfer attempts")
	transferDestRoot := flag.String("transfer-dest-root", "", "local root directory transfer jobs write under")
	transferQueueDriver := flag.String("transfer-queue-driver", "", "transfer event queue driver (memory or redis)")
	transferRedisAddr := flag.String("transfer-queue-redis-addr", "", "Redis address for transfer queue events")
	transferRedisAddrs := flag.String("transfer-queue-redis-addrs", "", "comma separated Redis addresses for transfer queue events")
	transferRedisUsername := flag.String("transfer-queue-redis-username", "", "Redis username for transfer queue")
	transferRedisPassword := flag.String("transfer-queue-redis-password", "", "Redis password for transfer queue")
	transferRedisStream := flag.String("transfer-queue-redis-stream", "", "Redis stream key for transfer queue events")
	transferRedisGroup := flag.String("transfer-queue-redis-group", "", "Redis consumer group for transfer queue")
	transferRedisMasterName := flag.String("transfer-queue-redis-sentinel-master", "", "Redis sentinel master name for transfer queue")
	transferRedisPoolSize := flag.Int("transfer-queue-redis-pool-size", 0, "maximum Redis connections for transfer queue")
	transferRedisTLSCA := flag.String("transfer-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for transfer queue")
	transferRedisTLSCert := flag.String("transfer-queue-redis-tls-cert", "", "path to Redis TLS client certificate for transfer queue")
	transferRedisTLSKey := flag.String("transfer-queue-redis-tls-key", "", "path to Redis TLS client key for transfer queue")
	transferRedisTLSServerName := flag.String("transfer-queue-redis-tls-server-name", "", "override Redis TLS server name for transfer queue")
	transferRedisTLSSkipVerify := flag.Bool("transfer-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for transfer queue")
	sshMaxPerHost := flag.Int("ssh-max-per-host", 0, "maximum pooled SSH connections per remote host")
	sshAcquireTimeout := flag.Duration("ssh-acquire-timeout", 0, "timeout waiting for a pooled SSH connection")
	sshIdleTimeout := flag.Duration("ssh-idle-timeout", 0, "idle time before a pooled SSH connection is closed")
	sshDialTimeout := flag.Duration("ssh-dial-timeout", 0, "timeout for establishing SSH connections")
	sshKnownHosts := flag.String("ssh-known-hosts", "", "path to a known_hosts file used to verify remote hosts")
	relayMaxAttempts := flag.Int("relay-max-attempts", 0, "connection attempts per relay target before it is marked failed")
	relayInitialBackoff := flag.Duration("relay-initial-backoff", 0, "initial delay between relay connection attempts")
	relayMaxBackoff := flag.Duration("relay-max-backoff", 0, "cap on the delay between relay connection attempts")
	relayConnectTimeout := flag.Duration("relay-connect-timeout", 0, "timeout for a single relay connection attempt")
	relayHeartbeatInterval := flag.Duration("relay-heartbeat-interval", 0, "interval between relay health probes")
	relayHeartbeatTimeout := flag.Duration("relay-heartbeat-timeout", 0, "timeout for a single relay health probe")
	startTimeout := flag.Duration("broadcast-start-timeout", 0, "timeout for acquiring an ingest endpoint on stream start")
	stopTimeout := flag.Duration("broadcast-stop-timeout", 0, "timeout for tearing a session down on stream stop")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CASTPANEL_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CASTPANEL_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("CASTPANEL_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("CASTPANEL_ADDR"))
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("CASTPANEL_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("CASTPANEL_TLS_KEY"))

	wowzaConfig, err := ingest.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load wowza configuration", "error", err)
		os.Exit(1)
	}
	var wowza *ingest.HTTPController
	if wowzaConfig.Enabled() {
		controller, err := ingest.NewHTTPController(wowzaConfig, logging.WithComponent(logger, "wowza"))
		if err != nil {
			logger.Error("failed to initialise wowza controller", "error", err)
			os.Exit(1)
		}
		wowza = controller
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("CASTPANEL_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, postgresDefaultDSN, os.Getenv("CASTPANEL_POSTGRES_DSN")); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	bootCtx := context.Background()
	var (
		store              storage.Repository
		storagePostgresDSN string
		storageDataPath    string
	)
	switch driver {
	case "json":
		storageDataPath = resolveDataPath(*dataPath, os.Getenv("CASTPANEL_DATA"))
		store, err = storage.NewJSONRepository(storageDataPath)
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "CASTPANEL_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "CASTPANEL_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "CASTPANEL_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "CASTPANEL_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "CASTPANEL_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		acquireTimeout := resolveDuration(*postgresAcquireTimeout, "CASTPANEL_POSTGRES_ACQUIRE_TIMEOUT", 0)
		if acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		appName := firstNonEmpty(*postgresAppName, os.Getenv("CASTPANEL_POSTGRES_APP_NAME"))
		if appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(bootCtx, storagePostgresDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("CASTPANEL_SESSION_STORE"),
		driver,
		storagePostgresDSN,
		*sessionPostgresDSN,
		os.Getenv("CASTPANEL_SESSION_POSTGRES_DSN"),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = pgStore.Close
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}
	sessionLifetime := resolveDuration(*sessionTTL, "CASTPANEL_SESSION_TTL", 24*time.Hour)
	sessions := auth.NewSessionManager(sessionLifetime, auth.WithStore(sessionStore))

	hostKeys, err := resolveHostKeyCallback(firstNonEmpty(*sshKnownHosts, os.Getenv("CASTPANEL_SSH_KNOWN_HOSTS")))
	if err != nil {
		logger.Error("failed to load known_hosts", "error", err)
		os.Exit(1)
	}
	pool := sshpool.New(sshpool.Config{
		MaxPerHost:      resolveInt(*sshMaxPerHost, "CASTPANEL_SSH_MAX_PER_HOST"),
		AcquireTimeout:  resolveDuration(*sshAcquireTimeout, "CASTPANEL_SSH_ACQUIRE_TIMEOUT", 0),
		IdleTimeout:     resolveDuration(*sshIdleTimeout, "CASTPANEL_SSH_IDLE_TIMEOUT", 0),
		DialTimeout:     resolveDuration(*sshDialTimeout, "CASTPANEL_SSH_DIAL_TIMEOUT", 0),
		HostKeyCallback: hostKeys,
	}, logging.WithComponent(logger, "sshpool"))

	transferQueueCfg := transfer.RedisQueueConfig{
		Addr:       firstNonEmpty(*transferRedisAddr, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*transferRedisAddrs, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*transferRedisUsername, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*transferRedisPassword, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*transferRedisStream, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*transferRedisGroup, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*transferRedisMasterName, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*transferRedisPoolSize, "CASTPANEL_TRANSFER_QUEUE_REDIS_POOL_SIZE"),
		TLS: transfer.RedisTLSConfig{
			CAFile:             firstNonEmpty(*transferRedisTLSCA, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*transferRedisTLSCert, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*transferRedisTLSKey, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*transferRedisTLSServerName, os.Getenv("CASTPANEL_TRANSFER_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*transferRedisTLSSkipVerify, "CASTPANEL_TRANSFER_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	transferQueueDriverValue := firstNonEmpty(*transferQueueDriver, os.Getenv("CASTPANEL_TRANSFER_QUEUE_DRIVER"))
	queue, err := configureTransferQueue(transferQueueDriverValue, transferQueueCfg, logger)
	if err != nil {
		logger.Error("failed to configure transfer queue", "error", err)
		os.Exit(1)
	}

	transfers := transfer.NewManager(transfer.Config{
		Workers:       resolveInt(*transferWorkers, "CASTPANEL_TRANSFER_WORKERS"),
		MaxAttempts:   resolveInt(*transferMaxAttempts, "CASTPANEL_TRANSFER_MAX_ATTEMPTS"),
		RetryInterval: resolveDuration(*transferRetryInterval, "CASTPANEL_TRANSFER_RETRY_INTERVAL", 0),
		DestRoot:      firstNonEmpty(*transferDestRoot, os.Getenv("CASTPANEL_TRANSFER_DEST_ROOT")),
	}, store, store, pool, queue, logging.WithComponent(logger, "transfer"))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if err := transfers.Start(workerCtx); err != nil {
		logger.Error("failed to start transfer manager", "error", err)
		os.Exit(1)
	}

	var broadcasts api.Orchestrator
	if wowza != nil {
		relays := relay.NewManager(relay.Config{
			MaxAttempts:       resolveInt(*relayMaxAttempts, "CASTPANEL_RELAY_MAX_ATTEMPTS"),
			InitialBackoff:    resolveDuration(*relayInitialBackoff, "CASTPANEL_RELAY_INITIAL_BACKOFF", 0),
			MaxBackoff:        resolveDuration(*relayMaxBackoff, "CASTPANEL_RELAY_MAX_BACKOFF", 0),
			ConnectTimeout:    resolveDuration(*relayConnectTimeout, "CASTPANEL_RELAY_CONNECT_TIMEOUT", 0),
			HeartbeatInterval: resolveDuration(*relayHeartbeatInterval, "CASTPANEL_RELAY_HEARTBEAT_INTERVAL", 0),
			HeartbeatTimeout:  resolveDuration(*relayHeartbeatTimeout, "CASTPANEL_RELAY_HEARTBEAT_TIMEOUT", 0),
		}, &relay.PushDialer{API: wowza}, logging.WithComponent(logger, "relay"))
		broadcasts = broadcast.NewOrchestrator(broadcast.Config{
			AcquireTimeout: resolveDuration(*startTimeout, "CASTPANEL_BROADCAST_START_TIMEOUT", 0),
			StopTimeout:    resolveDuration(*stopTimeout, "CASTPANEL_BROADCAST_STOP_TIMEOUT", 0),
		}, wowza, relays, store, store, logging.WithComponent(logger, "broadcast"))
	} else {
		logger.Warn("wowza controller not configured, stream routes disabled")
	}

	handler := api.NewHandler(store, sessions, broadcasts, transfers)
	handler.SessionCookiePolicy = api.SessionCookiePolicy{SecureMode: resolveSessionCookieSecureMode(serverMode)}
	if wowza != nil {
		handler.Ingest = wowza
	}
	if prober, ok := queue.(interface{ Ping(context.Context) error }); ok {
		handler.TransferQueue = prober
	}

	purgeInterval := resolveDuration(*sessionPurgeInterval, "CASTPANEL_SESSION_PURGE_INTERVAL", 15*time.Minute)
	sessionPurgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions, purgeInterval)
	defer sessionPurgeStop()
	retention := resolveDuration(*sessionRetention, "CASTPANEL_SESSION_RETENTION", 0)
	historyPurgeStop := startHistoryPurgeWorker(workerCtx, logging.WithComponent(logger, "history-purger"), store, purgeInterval, retention)
	defer historyPurgeStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "CASTPANEL_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "CASTPANEL_RATE_GLOBAL_BURST"),
		LoginLimit:    resolveInt(*loginLimit, "CASTPANEL_RATE_LOGIN_LIMIT"),
		LoginWindow:   resolveDuration(*loginWindow, "CASTPANEL_RATE_LOGIN_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*redisAddr, os.Getenv("CASTPANEL_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*redisPassword, os.Getenv("CASTPANEL_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*redisTimeout, "CASTPANEL_RATE_REDIS_TIMEOUT", 2*time.Second),
		RedisTLS: server.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("CASTPANEL_RATE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("CASTPANEL_RATE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("CASTPANEL_RATE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("CASTPANEL_RATE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "CASTPANEL_RATE_REDIS_TLS_SKIP_VERIFY"),
		},
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       server.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			PanelOrigins: splitAndTrim(firstNonEmpty(*panelOrigins, os.Getenv("CASTPANEL_PANEL_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		Mode:                serverMode,
		Addr:                listenAddr,
		StorageDriver:       driver,
		StoragePath:         storageDataPath,
		StorageDSN:          storagePostgresDSN,
		SessionConfig:       sessionConfig,
		RateLimit:           rateCfg,
		TransferQueueDriver: transferQueueDriverValue,
		TransferQueueConfig: transferQueueCfg,
		WowzaConfig:         wowzaConfig,
		WowzaActive:         wowza != nil,
	})

	errs := make(chan error, 1)
	go func() {
		logger.Info("CastPanel API listening", summary.LogArgs()...)
		if tlsCertPath != "" && tlsKeyPath != "" {
			logger.Info("TLS enabled", "cert_file", tlsCertPath)
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sessionPurgeStop()
	historyPurgeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := transfers.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop transfer manager", "error", err)
	}
	if err := pool.Shutdown(ctx); err != nil {
		logger.Warn("failed to drain SSH pool", "error", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close transfer queue", "error", err)
		}
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if sessionCloser != nil {
		if err := sessionCloser(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func configureTransferQueue(driver string, cfg transfer.RedisQueueConfig, logger *slog.Logger) (transfer.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for transfer queue")
		}
		cfg.Logger = logging.WithComponent(logger, "transfer-queue")
		queue, err := transfer.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "", "memory":
		return transfer.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported transfer queue driver %q", driver)
	}
}

func resolveHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

func resolveSessionCookieSecureMode(mode string) api.SessionCookieSecureMode {
	if strings.TrimSpace(mode) == "production" {
		return api.SessionCookieSecureAlways
	}
	return api.SessionCookieSecureAuto
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "", fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via CASTPANEL_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func validateProductionDatastore(driver, resolvedPostgresDSN, envPostgresDSN string) error {
	if driver != "postgres" {
		if driver == "" {
			return fmt.Errorf("production mode requires the postgres datastore driver")
		}
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(envPostgresDSN) == "" {
		return fmt.Errorf("production mode requires CASTPANEL_POSTGRES_DSN to be set")
	}
	if strings.TrimSpace(resolvedPostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/castpanel.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("CASTPANEL_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
