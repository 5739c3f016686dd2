package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/pipeline"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "FORMFUZZ_RUNS"
	// SubjectName is the subject for run messages
	SubjectName = "formfuzz.runs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "formfuzz-worker"
)

// ErrNotCancelable is returned when canceling a run that already finished.
var ErrNotCancelable = errors.New("run cannot be canceled")

// Processor executes one run and reports stage progress.
type Processor interface {
	Process(ctx context.Context, run *Run, progress func(stage string, pct int)) (*pipeline.Report, error)
}

// publisher is the slice of jetstream.JetStream the manager publishes with.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// runMessage is the work queue payload.
type runMessage struct {
	RunID string `json:"run_id"`
}

// Manager owns the run queue. Runs are executed one at a time because they
// share a browser.
type Manager struct {
	pub      publisher
	consumer jetstream.Consumer
	store    *Store
	events   *EventHub
	notifier *Notifier
	logger   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	cancels   map[string]context.CancelFunc
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager creates the stream and durable consumer and returns a manager
// ready to Start.
func NewManager(js jetstream.JetStream, notifier *Notifier, logger *zap.Logger) (*Manager, error) {
	m := newManager(js, notifier, logger)

	consumer, err := setupStream(js)
	if err != nil {
		m.cancel()
		m.store.Stop()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	m.consumer = consumer

	return m, nil
}

func newManager(pub publisher, notifier *Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("queue")
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		pub:      pub,
		store:    NewStore(logger),
		events:   NewEventHub(),
		notifier: notifier,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// setupStream creates or updates the work queue stream and its consumer
func setupStream(js jetstream.JetStream) (jetstream.Consumer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Form fuzz run queue",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	// Runs submit real forms, so a delivery is never retried.
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    1,
		AckWait:       30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return consumer, nil
}

// Start starts the single worker loop
func (m *Manager) Start(processor Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if m.consumer == nil {
		return errors.New("queue consumer not configured")
	}
	m.isRunning = true

	m.logger.Info("Starting run queue worker")

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.ctx.Done():
				return
			default:
			}

			msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				continue
			}
			for msg := range msgs.Messages() {
				m.processMessage(msg, processor)
			}
		}
	}()

	return nil
}

// Stop cancels in-flight runs and waits for the worker to exit
func (m *Manager) Stop() {
	m.mu.Lock()
	running := m.isRunning
	m.isRunning = false
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	m.cancel()
	if running {
		<-m.done
	}
	m.store.Stop()
	m.events.Close()
	m.logger.Info("Run queue worker stopped")
}

// Enqueue stores and publishes a run. When the request carries an
// idempotency key already bound to a live run, that run is returned with
// duplicate set and nothing is published.
func (m *Manager) Enqueue(ctx context.Context, req RunRequest) (*Run, bool, error) {
	run, duplicate := m.store.SaveIfAbsent(NewRun(req))
	if duplicate {
		return run, true, nil
	}

	data, err := json.Marshal(runMessage{RunID: run.ID})
	if err != nil {
		m.store.Delete(run.ID)
		return nil, false, fmt.Errorf("failed to serialize run: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.pub.Publish(pubCtx, SubjectName, data, jetstream.WithMsgID(run.ID)); err != nil {
		m.store.Delete(run.ID)
		return nil, false, fmt.Errorf("failed to publish run: %w", err)
	}

	m.logger.Info("Run queued", zap.String("run_id", run.ID), zap.String("url", req.TargetURL))
	m.emit(run, "Run queued")

	return run, false, nil
}

// Get retrieves a run by ID
func (m *Manager) Get(runID string) (*Run, error) {
	return m.store.Get(runID)
}

// Cancel cancels a queued or running run
func (m *Manager) Cancel(runID string) (*Run, error) {
	var cancelable bool
	run, err := m.store.Update(runID, func(r *Run) {
		if r.IsTerminal() {
			return
		}
		cancelable = true
		r.SetStatus(RunStatusCanceled)
		r.Message = "Run canceled"
	})
	if err != nil {
		return nil, err
	}
	if !cancelable {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancelable, run.Status)
	}

	m.mu.Lock()
	if cancel, ok := m.cancels[runID]; ok {
		cancel()
	}
	m.mu.Unlock()

	m.logger.Info("Run canceled", zap.String("run_id", runID))
	m.emit(run, run.Message)
	return run, nil
}

// Subscribe subscribes to run events
func (m *Manager) Subscribe(runID string) <-chan Event {
	return m.events.Subscribe(runID)
}

// Unsubscribe unsubscribes from run events
func (m *Manager) Unsubscribe(runID string, ch <-chan Event) {
	m.events.Unsubscribe(runID, ch)
}

func (m *Manager) processMessage(msg jetstream.Msg, processor Processor) {
	var payload runMessage
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		m.logger.Error("Failed to decode run message", zap.Error(err))
		_ = msg.Term()
		return
	}

	// Ack before executing so a crash mid-run never replays submissions.
	if err := msg.Ack(); err != nil {
		m.logger.Warn("Failed to ack run message", zap.String("run_id", payload.RunID), zap.Error(err))
	}
	m.execute(payload.RunID, processor)
}

// execute runs one stored run to completion.
func (m *Manager) execute(runID string, processor Processor) {
	log := m.logger.With(zap.String("run_id", runID))

	var skip bool
	run, err := m.store.Update(runID, func(r *Run) {
		if r.Status != RunStatusQueued {
			skip = true
			return
		}
		r.SetStatus(RunStatusRunning)
		r.SetStage("", 0, "Run started")
	})
	if err != nil {
		log.Warn("Dropping message for unknown run", zap.Error(err))
		return
	}
	if skip {
		log.Info("Skipping run", zap.String("status", string(run.Status)))
		return
	}
	m.emit(run, run.Message)

	ctx, cancel := context.WithTimeout(m.ctx, run.TimeoutDuration())
	defer cancel()

	m.mu.Lock()
	m.cancels[runID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, runID)
		m.mu.Unlock()
	}()

	report, procErr := processor.Process(ctx, run, func(stage string, pct int) {
		updated, err := m.store.Update(runID, func(r *Run) {
			if r.Status == RunStatusRunning {
				r.SetStage(stage, pct, "Stage "+stage)
			}
		})
		if err == nil && updated.Status == RunStatusRunning {
			m.emit(updated, updated.Message)
		}
	})

	final, err := m.store.Update(runID, func(r *Run) {
		switch {
		case r.Status == RunStatusCanceled:
			if report != nil {
				r.Report = report
			}
		case procErr != nil:
			msg := procErr.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				msg = fmt.Sprintf("run timed out after %v: %v", r.TimeoutDuration(), procErr)
			}
			r.SetError(msg, report)
			r.Message = "Run failed"
		default:
			r.SetReport(report)
			r.Message = "Run succeeded"
		}
	})
	if err != nil {
		log.Warn("Run vanished before completion", zap.Error(err))
		return
	}

	if final.Status == RunStatusFailed {
		log.Error("Run failed", zap.String("error", final.Error))
	} else {
		log.Info("Run finished", zap.String("status", string(final.Status)))
	}
	m.emit(final, final.Message)

	if m.notifier != nil && final.Request.Notify != nil && final.Request.Notify.WebhookURL != "" {
		go m.notifier.Notify(context.Background(), final)
	}
}

func (m *Manager) emit(run *Run, message string) {
	m.events.Emit(Event{
		RunID:    run.ID,
		Status:   run.Status,
		Stage:    run.Stage,
		Progress: run.Progress,
		Message:  message,
	})
}
