// Package runner provides the concurrent job consumer of the claims worker.
// It pulls document jobs from a NATS JetStream consumer in batches and
// distributes them to a pool of worker goroutines.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Asclepius/pkg/dispatch"
)

// Processor is the business logic applied to each pulled job.
type Processor interface {
	Process(ctx context.Context, job *dispatch.Job) error
}

// Runner manages concurrent job processing from a JetStream pull consumer.
// A returned processing error naks the message for redelivery; success acks
// it.
type Runner struct {
	js             nats.JetStreamContext
	processor      Processor
	stream         string
	consumer       string
	subject        string
	batchSize      int
	numWorkers     int
	processTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// NewRunner creates a runner over an established JetStream context.
func NewRunner(js nats.JetStreamContext, processor Processor, stream, consumer, subject string, batchSize, numWorkers int, processTimeout time.Duration, logger *zap.Logger) (*Runner, error) {
	if js == nil {
		return nil, errors.New("JetStream context cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Runner{
		js:             js,
		processor:      processor,
		stream:         stream,
		consumer:       consumer,
		subject:        subject,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("asclepius/runner"),
	}, nil
}

// Run starts the pull loop and worker pool. It blocks until the context is
// cancelled and all workers have drained.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.js.PullSubscribe(r.subject, r.consumer, nats.Bind(r.stream, r.consumer))
	if err != nil {
		return fmt.Errorf("subscribe to %s/%s: %w", r.stream, r.consumer, err)
	}
	defer sub.Unsubscribe()

	msgChan := make(chan *nats.Msg, r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, msgChan)
		}(i)
	}

	go func() {
		defer close(msgChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("shutting down job puller")
				return
			default:
				msgs, err := sub.Fetch(r.batchSize, nats.Context(ctx))
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, nats.ErrTimeout) {
						continue
					}
					r.logger.Error("error pulling jobs", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}
				backoffDelay = 100 * time.Millisecond

				for _, msg := range msgs {
					select {
					case msgChan <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("runner completed")
		return nil
	case <-ctx.Done():
		wg.Wait()
		r.logger.Info("runner stopped")
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, msgChan <-chan *nats.Msg) {
	r.logger.Info("worker started", zap.Int("workerID", workerID))
	defer r.logger.Info("worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			r.processMsg(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) processMsg(ctx context.Context, workerID int, msg *nats.Msg) {
	job, err := dispatch.FromBytes(msg.Data)
	if err == nil {
		err = job.Validate()
	}
	if err != nil {
		// A malformed job can never succeed; terminate it instead of
		// letting redelivery retry forever.
		r.logger.Error("discarding malformed job", zap.Int("workerID", workerID), zap.Error(err))
		if termErr := msg.Term(); termErr != nil {
			r.logger.Error("error terminating malformed job", zap.Error(termErr))
		}
		return
	}

	ctx, span := r.tracer.Start(ctx, "runner.processJob",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("document.id", job.DocumentID),
			attribute.String("pipeline.id", job.PipelineID),
			attribute.String("correlation.id", job.CorrelationID),
			attribute.String("stream", r.stream),
			attribute.String("consumer", r.consumer),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	start := time.Now()
	processErr := r.processor.Process(processCtx, job)
	processingTime := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	if processErr != nil {
		span.RecordError(processErr)
		span.SetStatus(codes.Error, processErr.Error())
		r.logger.Error("error processing job",
			zap.Int("workerID", workerID),
			zap.String("document", job.DocumentID),
			zap.String("pipeline", job.PipelineID),
			zap.Duration("processingTime", processingTime),
			zap.Error(processErr))
		if nakErr := msg.Nak(); nakErr != nil {
			r.logger.Error("error naking job", zap.Int("workerID", workerID), zap.Error(nakErr))
		}
		return
	}

	span.SetStatus(codes.Ok, "job processed")
	r.logger.Info("processed job",
		zap.Int("workerID", workerID),
		zap.String("document", job.DocumentID),
		zap.String("pipeline", job.PipelineID),
		zap.Duration("processingTime", processingTime))
	if ackErr := msg.Ack(); ackErr != nil {
		r.logger.Error("error acking job", zap.Int("workerID", workerID), zap.Error(ackErr))
	}
}
