package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	intDatabase "callbridge-backend/internal/database"
	callHandler "callbridge-backend/internal/handler/http/call"
	pushHandler "callbridge-backend/internal/handler/http/push"
	wsHandler "callbridge-backend/internal/handler/ws"
	"callbridge-backend/internal/middleware"
	"callbridge-backend/internal/repository/cockroach"
	redisRepo "callbridge-backend/internal/repository/redis"
	callService "callbridge-backend/internal/service/call"
	"callbridge-backend/internal/service/signaling"
	"callbridge-backend/pkg/config"
	"callbridge-backend/pkg/constants"
	pkgDatabase "callbridge-backend/pkg/database"
	"callbridge-backend/pkg/env"
	"callbridge-backend/pkg/jwt"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/push"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 2. Setup JWT Manager (secrets may come from Docker secret files)
	jwtSecret := env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, cfg.JWT.AccessTokenExpiry, 30*24*time.Hour)

	productionMode := cfg.Server.Environment == "production"

	// 3. Connect to CockroachDB with exponential backoff retry
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password),
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	var db *pkgDatabase.CockroachDB

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	}
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	}
	defer db.Close()
	log.Println("✅ Connected to CockroachDB")

	callRepo := cockroach.NewCallRepository(db.Pool)
	participantRepo := cockroach.NewParticipantRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)

	// 4. Initialize Redis
	intDatabase.InitRedisMetrics()
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password),
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	log.Println("✅ Connected to Redis")

	redisDB.StartHealthCheck(ctx, 10*time.Second)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 5. Initialize Push Service
	var pushProvider push.Provider
	switch providerType := env.GetString("PUSH_PROVIDER", "mock"); providerType {
	case "firebase":
		firebaseProjectID := env.GetStringFromFile("FIREBASE_PROJECT_ID", "")
		if firebaseProjectID == "" {
			if productionMode {
				log.Fatal("❌ Fatal: FIREBASE_PROJECT_ID required in production mode")
			}
			log.Println("Warning: FIREBASE_PROJECT_ID not set, falling back to mock provider")
			pushProvider = &push.MockProvider{}
		} else {
			pushProvider = push.NewFirebaseProvider(firebaseProjectID)
			log.Printf("✅ Using Firebase Provider for project: %s", firebaseProjectID)
		}
	case "mock", "":
		if productionMode {
			log.Fatal("❌ Fatal: Mock push provider not allowed in production")
		}
		pushProvider = &push.MockProvider{}
		log.Println("ℹ️  Using MockProvider for push notifications (development mode)")
	default:
		log.Printf("Warning: Unknown PUSH_PROVIDER '%s', falling back to mock", providerType)
		pushProvider = &push.MockProvider{}
	}
	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 6. Initialize Call Service and Signaling Relay
	callSvc := callService.NewService(
		callRepo,
		participantRepo,
		userRepo,
		conversationRepo,
		presenceRepo,
		pushSvc,
		callService.Config{
			RingTimeout:     cfg.Call.RingTimeout,
			MaxCallDuration: cfg.Call.MaxCallDuration,
		},
	)

	transport := signaling.NewRedisTransport(redisDB.Client)
	relay := signaling.NewRelay(transport, userRepo)
	callSvc.SetSignalNotifier(relay)

	// 7. Start the reaper
	reaper := callService.NewReaper(callSvc, cfg.Call.ReaperInterval)
	reaper.Start()
	defer reaper.Stop()

	// 8. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)
	go reportPoolStats(ctx, db, redisDB, appMetrics)

	// 9. Initialize Handlers
	callHdlr := callHandler.NewHandler(callSvc, relay)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	signalingHub := wsHandler.NewSignalingHub(redisDB.Client, callSvc, relay, presenceRepo)

	// 10. Setup Gin Router
	router := gin.New()

	trustedProxies := []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}
	if productionMode {
		trustedProxies = []string{
			"https://api.callbridge.io",
			"https://*.callbridge.io",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		// Call lifecycle
		v1.POST("/direct", callHdlr.InitiateDirect)
		v1.POST("/group", callHdlr.InitiateGroup)
		v1.POST("/:id/accept", callHdlr.Accept)
		v1.POST("/:id/join", callHdlr.Accept)
		v1.POST("/:id/reject", callHdlr.Reject)
		v1.POST("/:id/cancel", callHdlr.Cancel)
		v1.POST("/:id/end", callHdlr.End)
		v1.POST("/:id/leave", callHdlr.Leave)

		// Queries
		v1.GET("/:id", callHdlr.GetCall)
		v1.GET("/history", callHdlr.GetHistory)
		v1.GET("/conversation/:id", callHdlr.GetConversationCalls)
		v1.GET("/conversation/:id/active", callHdlr.GetActiveForConversation)
		v1.GET("/chatroom/:id", callHdlr.GetChatRoomCalls)
		v1.GET("/chatroom/:id/active", callHdlr.GetActiveForChatRoom)
		v1.GET("/active/status", callHdlr.GetActiveStatus)
		v1.GET("/check-availability/:userId", callHdlr.CheckAvailability)
		v1.GET("/statistics", callHdlr.GetStatistics)

		// Admin sweeps
		v1.POST("/cleanup/missed", callHdlr.CleanupMissed)
		v1.POST("/cleanup/stale", callHdlr.CleanupStale)

		// WebSocket endpoint for WebRTC signaling
		v1.GET("/ws/signaling", signalingHub.ServeWS)
	}

	// Push token routes (device registration for call notifications)
	pushRoutes := router.Group("/v1/push")
	pushRoutes.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		pushRoutes.POST("/tokens", pushHdlr.RegisterToken)
		pushRoutes.GET("/tokens", pushHdlr.GetTokens)
		pushRoutes.GET("/tokens/count", pushHdlr.GetTokenCount)
		pushRoutes.DELETE("/tokens", pushHdlr.UnregisterToken)
		pushRoutes.DELETE("/tokens/all", pushHdlr.UnregisterAllTokens)
	}

	// 11. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %d\n", cfg.Server.Port)
		log.Println("📡 WebRTC Signaling: /v1/calls/ws/signaling")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// reportPoolStats exports connection pool gauges every 15 seconds
func reportPoolStats(ctx context.Context, db *pkgDatabase.CockroachDB, redisDB *intDatabase.RedisClient, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := db.Pool.Stat()
			m.SetDBConnections(int(stat.AcquiredConns()), int(stat.IdleConns()))
			m.SetRedisConnections(int(redisDB.Client.PoolStats().TotalConns))
		}
	}
}
