package main

// Crash recovery demo.
//
//	go run ./cmd/demo start     # enqueue 200 sleep tasks, press Ctrl+C mid-run
//	go run ./cmd/demo recover   # reopen the WAL: pending tasks are redelivered first

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/castpool/internal/controller"
	"github.com/ChuLiYu/castpool/internal/jobs"
	clog "github.com/ChuLiYu/castpool/internal/log"
	"github.com/ChuLiYu/castpool/internal/pool"
	"github.com/ChuLiYu/castpool/internal/storage/wal"
	"github.com/ChuLiYu/castpool/internal/worker"
	"github.com/ChuLiYu/castpool/pkg/types"
)

const walPath = "data/demo.wal"

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	logger := clog.New(false)

	if err := os.MkdirAll("data", 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	if mode == "start" {
		os.Remove(walPath)
	}

	store, err := wal.NewWAL(walPath, true)
	if err != nil {
		log.Fatalf("Failed to open WAL: %v", err)
	}
	defer store.Close()

	ctrl, err := controller.NewController(controller.Config{
		Stream:   "stream:download",
		Group:    "default",
		Consumer: "demo",
		StartID:  "0",
	}, store, controller.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Setup(ctx); err != nil {
		log.Fatalf("Failed to create group: %v", err)
	}

	if mode == "start" {
		tasks := make([]types.Task, 200)
		for i := range tasks {
			tasks[i] = types.Task{
				ID:      types.TaskID(fmt.Sprintf("demo-%03d", i)),
				Handler: jobs.Sleep,
				Args:    []any{"50ms"},
			}
		}
		if _, err := ctrl.Enqueue(ctx, tasks...); err != nil {
			log.Fatalf("Failed to enqueue: %v", err)
		}
		fmt.Printf("✓ Enqueued %d tasks\n", len(tasks))
		fmt.Printf("💡 Press Ctrl+C within ~2 seconds to leave tasks pending!\n\n")
	} else {
		st, err := ctrl.GetStatus(ctx)
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		fmt.Printf("\n📊 Immediate Status After Recovery:\n")
		fmt.Printf("  Pending (delivered, not acked): %d\n", st.Pending)
		fmt.Printf("  Remaining in log:               %d\n\n", store.Len("stream:download"))
	}

	sched, err := pool.New(pool.Config{MaxProcess: 4, KeepAlive: time.Second}, ctrl,
		&pool.InProcSpawner{Registry: jobs.DefaultRegistry(), Options: []worker.Option{worker.WithLogger(logger)}},
		pool.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	ctrl.Attach(sched)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Fatalf("Scheduler stopped: %v", err)
			}
			printStats(sched.Stats())
			fmt.Println("✓ Scheduler stopped")
			return
		case <-ticker.C:
			printStats(sched.Stats())
		}
	}
}

func printStats(s pool.Stats) {
	fmt.Printf("📊 Workers=%d Idle=%d Dispatched=%d Finished=%d Succeeded=%d\n",
		s.Live, s.Idle, s.Dispatched, s.Finished, s.Succeeded)
}
