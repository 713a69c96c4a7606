package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/config"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes confirmed-presence messages and delivers the marked-present
// notification exactly once per participant per session.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	sender := notify.New(cfg.WebhookURL, cfg.WebhookSecret, cfg.NotifySkip)
	if sender.Skip {
		log.Println("webhook not configured; notifications will be logged only")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypePresenceConfirmed {
			continue
		}

		p, err := queue.DecodePresence(msg.Body)
		if err != nil {
			log.Printf("bad presence payload: %v", err)
			continue
		}

		// Queue delivery is at-least-once; the redis claim makes the
		// user-visible notification at-most-once.
		first, err := redisClient.MarkNotified(ctx, p.SessionID, p.ParticipantID, cfg.NotifyTTL)
		if err != nil {
			log.Printf("notify claim failed for %s/%s: %v", p.SessionID, p.ParticipantID, err)
			continue
		}
		if !first {
			continue
		}

		log.Printf("session %s: participant %s marked present", p.SessionID, p.ParticipantID)
		if err := sender.PresenceMarked(ctx, p.SessionID, p.ParticipantID); err != nil {
			log.Printf("webhook delivery failed for %s/%s: %v", p.SessionID, p.ParticipantID, err)
		}
	}

	log.Println("worker stopped")
}
