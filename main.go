package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/termhive/termhive/internal/auth"
	"github.com/termhive/termhive/internal/config"
	"github.com/termhive/termhive/internal/database"
	"github.com/termhive/termhive/internal/grafana"
	"github.com/termhive/termhive/internal/handlers"
	"github.com/termhive/termhive/internal/logging"
	"github.com/termhive/termhive/internal/middleware"
	"github.com/termhive/termhive/internal/runtime"
	"github.com/termhive/termhive/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--create-user" {
		runCreateUser()
		return
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	tokenTTL, err := time.ParseDuration(config.Cfg.TokenTTL)
	if err != nil {
		tokenTTL = 24 * time.Hour
	}
	gateway := auth.NewGateway(config.Cfg.JWTSecret, tokenTTL)
	handlers.Gateway = gateway

	limits, err := runtime.ParseLimits(config.Cfg.SessionMemory, config.Cfg.SessionCPUs, config.Cfg.SessionPids)
	if err != nil {
		log.Fatalf("Session limits: %v", err)
	}

	ctx := context.Background()

	rt := &runtime.DockerRuntime{}
	if err := rt.Initialize(ctx); err != nil {
		log.Printf("WARNING: Docker unavailable, session endpoints will return 503: %v", err)
	}
	handlers.ContainerRuntime = rt

	var dashboards session.Dashboards
	if gf := grafana.New(config.Cfg.GrafanaURL, config.Cfg.GrafanaAPIKey); gf != nil {
		dashboards = gf
		log.Printf("Grafana dashboards enabled at %s", config.Cfg.GrafanaURL)
	}

	ports := session.NewPortAllocator(config.Cfg.PortRangeStart, config.Cfg.PortRangeEnd)
	orch := session.NewOrchestrator(session.Config{
		HostIP:      config.Cfg.HostIP,
		Image:       config.Cfg.SessionImage,
		Limits:      limits,
		MaxSessions: config.Cfg.MaxSessions,
	}, ports, rt, dashboards)
	handlers.Orchestrator = orch

	idleTimeout, err := time.ParseDuration(config.Cfg.IdleTimeout)
	if err != nil {
		idleTimeout = 30 * time.Minute
	}
	reapInterval, err := time.ParseDuration(config.Cfg.ReapInterval)
	if err != nil {
		reapInterval = time.Minute
	}
	reaper := session.NewReaper(orch, idleTimeout, reapInterval)
	if err := reaper.Start(); err != nil {
		log.Fatalf("Reaper start: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.Cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// Auth endpoints (no auth required)
	r.Post("/auth/signup", handlers.Signup)
	r.Post("/auth/login", handlers.Login)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(gateway))

		r.Get("/auth/verify", handlers.VerifyToken)

		r.Post("/cli/request", handlers.RequestSession)
		r.Get("/cli/status/{username}", handlers.GetStatus)
		r.Delete("/cli/terminate/{username}", handlers.TerminateSession)

		r.Get("/status", handlers.SystemStatus)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	reaper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCreateUser() {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := fs.String("username", "", "Username")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Usage: termhive --create-user --username <user> --email <email> --password <pass>")
		os.Exit(1)
	}
	if !strings.Contains(*email, "@") {
		fmt.Fprintln(os.Stderr, "Invalid email address")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	user := &database.User{
		Username:     *username,
		Email:        *email,
		PasswordHash: hash,
	}
	if err := database.CreateUser(user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("User '%s' created successfully.\n", *username)
}
