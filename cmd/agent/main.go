package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/apiclient"
	"rollcall/internal/config"
	"rollcall/internal/matcher"
	"rollcall/internal/proximity"
	"rollcall/internal/store"
)

// Agent is the student-device daemon: it scans the proximity channel for the
// advertiser tokens this device is entitled to see, dedups sightings through
// the matcher and reports each confirmed token to the API once.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.WatchTokens) == 0 {
		log.Fatal("WATCH_TOKENS must list at least one advertiser token")
	}
	if cfg.AgentToken == "" {
		log.Fatal("AGENT_TOKEN (bearer token from /v1/participants/register) required")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	transport := proximity.NewRedisRadio(redisClient.Client, cfg.RadioChannel, cfg.AdvertiseInterval)
	defer transport.Cleanup()

	if err := transport.RequestCapability(ctx); err != nil {
		log.Fatalf("proximity capability unavailable: %v", err)
	}

	api := apiclient.New(cfg.APIBaseURL, cfg.AgentToken)
	if err := api.Health(ctx); err != nil {
		log.Printf("WARNING: API not reachable yet: %v", err)
	}

	events, err := transport.Scan(ctx, cfg.WatchTokens)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	m := matcher.New(cfg.WatchTokens)
	confirmations := m.Run(ctx, events)

	log.Printf("agent scanning for %d advertiser token(s)", len(cfg.WatchTokens))
	for conf := range confirmations {
		result, err := api.ReportDetection(ctx, conf.Token)
		if err != nil {
			log.Printf("report for %s failed: %v", conf.Token, err)
			continue
		}
		log.Printf("reported detection of %s: session=%s fresh=%v", conf.Token, result.SessionID, result.Fresh)
	}

	transport.StopScan()
	log.Println("agent stopped")
}
