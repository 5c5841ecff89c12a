package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/runforge/runforge/internal/metrics"
	"github.com/runforge/runforge/internal/runqueue"
)

// startMetricsCollector samples queue depths for the worker queues
// named in WORKER_QUEUES (comma-separated).
func startMetricsCollector(ctx context.Context, queue *runqueue.Queue) {
	raw := os.Getenv("WORKER_QUEUES")
	if raw == "" {
		return
	}

	var workerQueues []string
	for _, wq := range strings.Split(raw, ",") {
		if wq = strings.TrimSpace(wq); wq != "" {
			workerQueues = append(workerQueues, wq)
		}
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, queue, workerQueues)
		}
	}
}

func updateQueueMetrics(ctx context.Context, queue *runqueue.Queue, workerQueues []string) {
	for _, wq := range workerQueues {
		depth, err := queue.Len(ctx, wq)
		if err != nil {
			log.Printf("Failed to read depth of worker queue %s: %v", wq, err)
			continue
		}
		metrics.UpdateQueueDepth(wq, depth)
	}
}
