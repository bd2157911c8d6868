package main

import (
	"context"
	"log"
	"time"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

// runMetrics logs occupancy and voice-routing stats every interval until
// ctx is canceled; an interval with no connected clients and no dropped
// voice deliveries logs nothing.
func runMetrics(ctx context.Context, registry *session.Registry, router *voice.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients := registry.Count()
			channels := registry.Channels.Count()
			skipped := router.Skipped()
			if clients > 0 || skipped > 0 {
				log.Printf("[metrics] clients=%d channels=%d voice_skipped=%d", clients, channels, skipped)
			}
		}
	}
}
