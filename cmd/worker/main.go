// Standalone queue worker. Runs against the same store and storage
// directories as the server and pulls jobs from the distributed queue.
package main

import (
	"log"

	"github.com/hibiken/asynq"

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/orchestrator"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/upload"
	"github.com/stemforge/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Queue.URL == "" {
		log.Fatal("QUEUE_URL must be set for the worker")
	}

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// The worker has no WebSocket clients of its own; job progress is
	// still persisted to the store, where the API serves it.
	events := progress.NewBroadcaster(nil)

	uploads, err := upload.NewManager(cfg.Storage.UploadDir, st, events)
	if err != nil {
		log.Fatalf("Failed to init upload manager: %v", err)
	}

	registry := processor.NewRegistry()
	orch := orchestrator.New(st, uploads, registry, events)
	for _, name := range []string{"demucs", "whisper", "musicgen", "pitch_analysis", "karaoke"} {
		sim := processor.NewSimulated(cfg.Storage.OutputDir)
		sim.OnProgress = orch.UpdateJobProgress
		registry.Register(name, sim)
	}

	opt, err := asynq.ParseRedisURI(cfg.Queue.URL)
	if err != nil {
		log.Fatalf("Invalid queue URL: %v", err)
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Queue.Concurrency,
		Queues: map[string]int{
			orchestrator.QueueName: 1,
		},
	})

	log.Printf("Worker starting (concurrency=%d)", cfg.Queue.Concurrency)
	if err := srv.Run(worker.Mux(orch)); err != nil {
		log.Fatalf("Worker error: %v", err)
	}
}
