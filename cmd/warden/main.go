package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/config"
	"github.com/modwarden/warden/internal/core"
	"github.com/modwarden/warden/internal/db/sqlite"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/infra"
	"github.com/modwarden/warden/internal/ledger"
	"github.com/modwarden/warden/internal/lifecycle"
	"github.com/modwarden/warden/internal/observability"
	"github.com/modwarden/warden/internal/platform"
	"github.com/modwarden/warden/internal/sanction"
)

func main() {
	cfg := config.Get()
	log.SetFormatter(&config.WdFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), cfg.DBName)
	if err != nil {
		log.WithError(err).Errorln("cant initialize storage")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Errorln("cant close storage")
		}
	}()

	metrics := observability.Init(ctx, cfg.MetricsAddr)

	var executor platform.Executor = platform.NewDryRunExecutor()
	if !cfg.Enforcer.DryRun {
		log.Warnln("no live platform executor configured, falling back to dry run")
	}
	executor = platform.NewRetrier(executor, cfg.Enforcer.MaxRetries, cfg.Enforcer.RetryStep)

	manager := sanction.NewManager(client, executor)
	scheduler := sanction.NewScheduler(manager, client, cfg.Scheduler.MaxSleep, cfg.Scheduler.RetentionDays)
	manager.SetArmer(scheduler)

	service := core.NewService(client, ledger.New(client), manager)
	pipeline := event.NewPipeline(service, cfg.Pipeline.QueueSize, cfg.Pipeline.DedupWindow)

	runtime := lifecycle.NewRuntime(metrics, scheduler, service, pipeline)
	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatalln("cant start engine")
	}
	log.Infoln("engine started")

	go infra.GoRecoverable(3, "event source", func() {
		consumeEvents(ctx, pipeline)
		cancel()
	})

	<-ctx.Done()
	log.Infoln("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := runtime.Stop(stopCtx); err != nil {
		log.WithError(err).Errorln("shutdown was not clean")
	}
}

// consumeEvents reads normalized events as JSON lines from stdin and feeds
// them into the pipeline. A platform session layer would replace this with
// its own gateway consumer.
func consumeEvents(ctx context.Context, pipeline *event.Pipeline) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.WithError(err).Debugln("cant decode event line")
			continue
		}
		pipeline.Publish(&ev)
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Errorln("event source failed")
	}
}
