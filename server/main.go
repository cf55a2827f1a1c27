package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/burntcarrot/padsync/auth"
	"github.com/burntcarrot/padsync/hub"
	"github.com/burntcarrot/padsync/relay"
)

const version = "0.1.0"

// Flags represents the command-line flags that are passed to padsync's server.
type Flags struct {
	Addr       string
	Debug      bool
	Redis      string
	JWTSecret  string
	AdminToken string
	GuestWrite bool
	Outbox     int
	Version    bool
}

// parseFlags parses command-line flags. Secrets and the Redis address default
// to their environment variables.
func parseFlags() Flags {
	addr := flag.String("addr", ":8080", "Server's network address")
	enableDebug := flag.Bool("debug", false, "Enable debugging mode to show more verbose logs")
	redisAddr := flag.String("redis", os.Getenv("REDIS_ADDR"), "Redis address used to share rooms with other instances (disabled when empty)")
	jwtSecret := flag.String("jwt-secret", os.Getenv("PADSYNC_JWT_SECRET"), "HMAC secret of admission tokens (guests are admitted when empty)")
	adminToken := flag.String("admin-token", os.Getenv("PADSYNC_ADMIN_TOKEN"), "Bearer token of the admin routes (disabled when empty)")
	guestWrite := flag.Bool("guest-write", true, "Allow guests to edit documents")
	outbox := flag.Int("outbox", hub.DefaultConfig().OutboxSize, "Frames queued per session before it is disconnected")
	showVersion := flag.Bool("version", false, "Print the server version and exit")

	flag.Parse()

	return Flags{
		Addr:       *addr,
		Debug:      *enableDebug,
		Redis:      *redisAddr,
		JWTSecret:  *jwtSecret,
		AdminToken: *adminToken,
		GuestWrite: *guestWrite,
		Outbox:     *outbox,
		Version:    *showVersion,
	}
}

func main() {
	flags := parseFlags()
	if flags.Version {
		fmt.Println(version)
		return
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if flags.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := hub.DefaultConfig()
	cfg.OutboxSize = flags.Outbox
	opts := []hub.Option{hub.WithLogger(logger), hub.WithConfig(cfg)}

	if flags.Redis != "" {
		rl, err := relay.NewRedis(ctx, flags.Redis, logger)
		if err != nil {
			color.Red("Error connecting to Redis, exiting: %s", err)
			os.Exit(1)
		}
		defer rl.Close()
		opts = append(opts, hub.WithRelay(rl))
		color.Green("Sharing rooms through Redis @ %s", flags.Redis)
	}

	var authorizer auth.Authorizer = auth.Guest{Write: flags.GuestWrite}
	if flags.JWTSecret != "" {
		authorizer = auth.NewTokenAuthorizer([]byte(flags.JWTSecret))
	}

	registry := hub.NewRegistry(opts...)
	srv := newServer(registry, authorizer, logger, flags.AdminToken)

	httpServer := &http.Server{
		Addr:              flags.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown failed")
		}
	}()

	color.Green("padsync %s listening on %s", version, flags.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		color.Red("Error starting server, exiting: %s", err)
		os.Exit(1)
	}
	color.Yellow("Server stopped")
}
