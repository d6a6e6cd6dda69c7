// Command worker runs the claims processing worker: it consumes document
// jobs from JetStream, executes pipelines against them, groups documents
// into settlement batches and sweeps expired batches on a schedule.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/internal/metrics"
	"github.com/wehubfusion/Asclepius/internal/nats"
	"github.com/wehubfusion/Asclepius/internal/postgres"
	"github.com/wehubfusion/Asclepius/internal/store"
	"github.com/wehubfusion/Asclepius/internal/tracing"
	"github.com/wehubfusion/Asclepius/pkg/artifacts"
	"github.com/wehubfusion/Asclepius/pkg/batch"
	"github.com/wehubfusion/Asclepius/pkg/claim"
	"github.com/wehubfusion/Asclepius/pkg/config"
	"github.com/wehubfusion/Asclepius/pkg/pipeline"
	"github.com/wehubfusion/Asclepius/pkg/rules/all"
	"github.com/wehubfusion/Asclepius/pkg/runner"
	"github.com/wehubfusion/Asclepius/pkg/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("continuing without tracing", zap.Error(err))
	} else {
		defer tracing.Shutdown(shutdownTracing, logger)
	}

	db, err := postgres.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := nats.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer nats.Close(conn)

	js, err := conn.JetStream()
	if err != nil {
		return err
	}
	if err := nats.EnsureStream(js, cfg.NATS); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, registry, logger)
	}

	pipelines := store.NewPipelineStore(db)
	documents := store.NewDocumentStore(db)
	batches := store.NewBatchStore(db)
	reference := store.NewReferenceStore(db)

	if active, err := pipelines.ListActive(ctx); err != nil {
		logger.Warn("listing active pipelines failed", zap.Error(err))
	} else {
		logger.Info("active pipelines loaded", zap.Int("count", len(active)))
	}

	engine, err := pipeline.NewEngine(pipelines, all.NewRegistry(logger), reference, documents, logger)
	if err != nil {
		return err
	}

	batchSvc := batch.NewService(batches, logger)
	processor := runner.NewClaimProcessor(engine, documents, batchSvc, m, logger)

	if cfg.Artifacts.ConnectionString != "" {
		blobs, err := artifacts.NewAzureBlobStore(cfg.Artifacts.ConnectionString, cfg.Artifacts.Container, logger)
		if err != nil {
			return err
		}
		exporter := batch.NewExporter(batchSvc, documents, blobs, logger)
		sub, err := conn.Subscribe(cfg.NATS.ExportSubject, exportHandler(exporter, m, logger))
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		logger.Info("export commands enabled", zap.String("subject", cfg.NATS.ExportSubject))
	}

	if cfg.Scheduler.Spec != "" {
		sweep := scheduler.New(batchSvc, m, logger, cfg.Scheduler.Spec)
		if err := sweep.Start(); err != nil {
			return err
		}
		defer sweep.Stop()
	}

	r, err := runner.NewRunner(js, processor,
		cfg.NATS.Stream, cfg.NATS.Durable, cfg.NATS.Subject,
		cfg.Worker.BatchSize, cfg.Worker.NumWorkers, cfg.Worker.ProcessTimeout,
		logger)
	if err != nil {
		return err
	}

	logger.Info("claims worker started",
		zap.String("stream", cfg.NATS.Stream),
		zap.String("subject", cfg.NATS.Subject),
		zap.Int("workers", cfg.Worker.NumWorkers))

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("claims worker stopped")
	return nil
}

// exportHandler handles operator export commands of the form
// {"batchId": "..."}.
func exportHandler(exporter *batch.Exporter, m *metrics.Metrics, logger *zap.Logger) natsio.MsgHandler {
	return func(msg *natsio.Msg) {
		var cmd struct {
			BatchID string `json:"batchId"`
		}
		if err := json.Unmarshal(msg.Data, &cmd); err != nil || cmd.BatchID == "" {
			logger.Warn("malformed export command", zap.ByteString("data", msg.Data))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		b, err := exporter.Export(ctx, cmd.BatchID)
		if err != nil {
			logger.Error("export command failed",
				zap.String("batch", cmd.BatchID), zap.Error(err))
			return
		}
		m.BatchTransition(claim.BatchExported)
		logger.Info("export command completed",
			zap.String("batch", b.ID), zap.String("artifact", b.ExportKey))
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", zap.Error(err))
	}
}
