package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"brandpulse/attendance/internal/attendanceapi"
	"brandpulse/attendance/internal/auth"
	"brandpulse/attendance/internal/config"
	"brandpulse/attendance/internal/device"
	agentgrpc "brandpulse/attendance/internal/grpc"
	internalhttp "brandpulse/attendance/internal/http"
	"brandpulse/attendance/internal/jobs"
	"brandpulse/attendance/internal/location"
	"brandpulse/attendance/internal/metrics"
	"brandpulse/attendance/internal/session"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("env file error: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accuracy, err := location.ParseAccuracy(cfg.LocationAccuracy)
	if err != nil {
		log.Fatalf("location accuracy: %v", err)
	}

	bridge := device.NewBridge()
	providerOpts := []location.ProviderOption{location.WithCache(location.NewMemoryCache())}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		providerOpts = []location.ProviderOption{
			location.WithCache(location.NewRedisCache(redisClient, cfg.DeviceID, cfg.LocationMaxAge)),
		}
	}
	provider := location.NewProvider(bridge, providerOpts...)

	agentMetrics := metrics.New()
	apiClient, err := attendanceapi.NewClient(cfg.APIBaseURL, &http.Client{
		Timeout:   cfg.APITimeout,
		Transport: agentMetrics.InstrumentTransport(http.DefaultTransport),
	}, nil)
	if err != nil {
		log.Fatalf("api client init failed: %v", err)
	}

	keyring := auth.NewKeyring()
	locOpts := location.Options{
		Accuracy:          accuracy,
		MaxAge:            cfg.LocationMaxAge,
		Timeout:           cfg.LocationTimeout,
		PermissionTimeout: cfg.PermissionTimeout,
	}
	sessions := session.NewRegistry(func(key session.Key, observer session.Observer) (*session.Controller, error) {
		return session.NewController(session.Config{
			EventID:         key.EventID,
			UserID:          key.UserID,
			Locator:         provider,
			API:             apiClient.WithTokens(keyring.For(key.UserID)),
			LocationOptions: locOpts,
			Observer:        observer,
		})
	}, log.Default(), agentMetrics.Observe)
	agentMetrics.TrackSessions(sessions)
	jobs.StartSessionSweepJob(ctx, cfg, sessions)

	server, err := internalhttp.NewServer(ctx, cfg, sessions, keyring, apiClient, bridge, agentMetrics.Handler())
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, healthServer := agentgrpc.NewServer(cfg.DeviceToken)

	go func() {
		log.Printf("attendance agent http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	if cfg.GRPCAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				log.Fatalf("grpc listen error: %v", err)
			}
			log.Printf("attendance agent grpc listening on %s", cfg.GRPCAddr)
			if err := grpcServer.Serve(listener); err != nil {
				log.Fatalf("grpc server error: %v", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
}
