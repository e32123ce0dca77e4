package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversion workers and the schedule runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				return serve(cmd.Context(), a)
			})
		},
	}
}

func serve(parent context.Context, a *app) error {
	log := a.logger
	log.Info("service.starting", "workers", a.config.WorkerCount, "queue", a.config.PendingQueue)

	if err := a.redisClient.Ping(parent).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("redis.connected", "addr", a.config.RedisAddr)

	if err := a.ensureBucket(parent); err != nil {
		return fmt.Errorf("prepare working bucket: %w", err)
	}
	if a.archive != nil {
		if err := a.archive.Check(parent); err != nil {
			return fmt.Errorf("check archive bucket: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < a.config.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			a.pool.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pool.SchedulerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.pool.RecoveryLoop(ctx)
	}()

	if err := a.runner.Load(ctx); err != nil {
		log.Warn("scheduler.load.partial", "error", err)
	}
	schedulerStopped := a.runner.Start(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-schedulerStopped
	}()

	log.Info("service.ready", "bucket", a.config.BucketKey)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
		log.Info("service.shutdown.signal")
	case <-parent.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("service.shutdown.completed")
	case <-time.After(30 * time.Second):
		log.Warn("service.shutdown.timeout")
	}
	return nil
}
