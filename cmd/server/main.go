package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixly/dispatch/config"
	"github.com/fixly/dispatch/internal/auth"
	"github.com/fixly/dispatch/internal/handler"
	"github.com/fixly/dispatch/internal/middleware"
	"github.com/fixly/dispatch/internal/push"
	"github.com/fixly/dispatch/internal/repository"
	"github.com/fixly/dispatch/internal/service"
	"github.com/fixly/dispatch/pkg/cache"
	"github.com/fixly/dispatch/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Initialize layers ───────────────────────────────
	bookingRepo := repository.NewBookingRepository(pgPool)
	offerRepo := repository.NewOfferRepository(pgPool)
	providerRepo := repository.NewProviderRepository(pgPool, redisClient)

	verifier := auth.NewVerifier(cfg.Auth.TokenSecret)
	locks := service.NewKeyedMutex()

	eligibilitySvc := service.NewEligibilityService(providerRepo, cfg.Dispatch.LocationFreshness)
	voiceGw := service.NewVoiceGateway(redisClient)

	// The hub implements Pusher for the services; the adapter that feeds
	// inbound frames back into the services is wired after they exist.
	hub := push.NewHub(cfg.Push, verifier, nil)

	bookingSvc := service.NewBookingService(bookingRepo, offerRepo, providerRepo, hub)
	acceptSvc := service.NewAcceptService(
		service.AcceptConfig{RetryMax: uint(cfg.Dispatch.AcceptRetryMax)},
		bookingRepo, offerRepo, eligibilitySvc, hub, voiceGw, locks,
	)
	cancelSvc := service.NewCancelService(bookingRepo, offerRepo, hub, voiceGw, locks)
	dispatcher := service.NewDispatchService(cfg.Dispatch, bookingRepo, offerRepo, eligibilitySvc, hub, voiceGw, locks)

	adapter := handler.NewPushAdapter(bookingSvc, acceptSvc, cfg.Dispatch.LocationFreshness)
	hub.SetAccess(adapter)
	hub.SetActions(adapter)

	bookingHandler := handler.NewBookingHandler(bookingSvc, cancelSvc)
	offerHandler := handler.NewOfferHandler(acceptSvc)
	wsHandler := handler.NewWSHandler(hub)
	healthHandler := handler.NewHealthHandler(pgPool, redisClient)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	router.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws", wsHandler.Serve).Methods(http.MethodGet)

	// API v1 routes (bearer auth).
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(verifier))
	api.HandleFunc("/bookings", bookingHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", bookingHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/cancel", bookingHandler.Cancel).Methods(http.MethodPost)
	api.HandleFunc("/offers", offerHandler.List).Methods(http.MethodGet)

	root := middleware.RequestLogger(middleware.Recoverer(middleware.CORS(router)))

	// ── Start dispatcher loop ───────────────────────────
	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		dispatcher.Run(loopCtx)
	}()

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	// Order matters: stop emitting (dispatcher), close the push bus, then
	// drain HTTP. In-flight accept transactions commit or roll back whole;
	// the stores carry everything across the restart.
	stopLoop()
	<-loopDone
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}
