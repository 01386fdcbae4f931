package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-relay/internal/api"
	"github.com/ignite/email-relay/internal/apikey"
	"github.com/ignite/email-relay/internal/auth"
	"github.com/ignite/email-relay/internal/config"
	"github.com/ignite/email-relay/internal/mailer"
	"github.com/ignite/email-relay/internal/ses"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("[server] email relay starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("[server] database connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := ses.NewClient(ctx, cfg.SES)
	if err != nil {
		log.Fatalf("Failed to initialize SES transport: %v", err)
	}

	store := mailer.NewStore(db)
	keys := apikey.NewManager(store)
	escalator := mailer.NewEscalator(store, transport)

	var limiter mailer.Limiter
	if cfg.RateLimit.Enabled {
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			limiter = mailer.NewRedisLimiter(client)
			log.Println("[server] rate limiting enabled (redis)")
		} else {
			limiter = mailer.NewLocalLimiter()
			log.Println("[server] rate limiting enabled (in-process)")
		}
	}

	sender := mailer.NewService(store, transport, escalator, limiter)
	dashboard := mailer.NewDashboard(store)

	var authManager *auth.Manager
	if cfg.Auth.Enabled && cfg.Auth.GoogleClientID != "" {
		authManager = auth.NewManager(cfg.Auth, auth.CallbackBaseURL(host, port))
		go authManager.CleanupExpiredSessions(ctx)
		log.Println("[server] admin auth enabled")
	} else {
		log.Println("[server] admin auth DISABLED - admin endpoints are open")
	}

	handlers := api.NewHandlers(store, keys, sender, dashboard)
	router := api.SetupRoutes(handlers, authManager)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("[server] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[server] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown error: %v", err)
	}
	log.Println("[server] stopped")
}
