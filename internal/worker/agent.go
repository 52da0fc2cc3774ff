// Package worker contains the worker agent: it holds a websocket session with
// the coordinator, runs pushed tasks one at a time and relays their progress.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"workerhub/internal/logic"
	"workerhub/internal/worker/runtime"
	"workerhub/pkg/api"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrAuthRejected is returned by Run when the coordinator refuses the credentials.
// Retrying with the same credentials cannot succeed, so the agent stops.
var ErrAuthRejected = errors.New("coordinator rejected credentials")

const writeWait = 10 * time.Second

// Config holds configuration for the worker agent.
type Config struct {
	URL       string
	MachineID string
	SecretKey string
	// Name is the display name sent on register; empty lets the coordinator pick.
	Name              string
	HeartbeatInterval time.Duration // default: 30s
	ReconnectBackoff  time.Duration // first retry delay (default: 1s)
	MaxBackoff        time.Duration // default: 30s
	// LogicPath is where pushed executor artifacts are written.
	LogicPath string
}

// Agent is the worker side of the coordinator connection.
type Agent struct {
	runtime runtime.Runtime
	config  Config
	logger  *zap.Logger
	dialer  *websocket.Dialer
	logic   *logic.Source
	tracer  trace.Tracer
	done    chan struct{}
}

// New creates a worker agent. The executor artifact at LogicPath, if present,
// seeds the hash reported in check_version.
func New(rt runtime.Runtime, config Config, logger *zap.Logger) (*Agent, error) {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	src, err := logic.Load(config.LogicPath)
	if errors.Is(err, fs.ErrNotExist) {
		src, err = &logic.Source{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &Agent{
		runtime: rt,
		config:  config,
		logger:  logger.With(zap.String("machine_id", config.MachineID)),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logic:   src,
		tracer:  otel.Tracer("workerhub/worker"),
		done:    make(chan struct{}),
	}, nil
}

// Done returns a channel that is closed when Run has returned.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// LogicHash returns the hash of the executor artifact the agent holds.
func (a *Agent) LogicHash() string {
	art, _ := a.logic.Current()
	return art.Hash
}

// Run keeps a session with the coordinator open until the context is
// cancelled, reconnecting with exponential backoff. It returns early with
// ErrAuthRejected if the coordinator refuses the credentials.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	backoff := a.config.ReconnectBackoff
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			a.logger.Error("authentication rejected, stopping", zap.Error(err))
			return err
		}
		if registered {
			backoff = a.config.ReconnectBackoff
		}

		a.logger.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, a.config.MaxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// session is one websocket connection. gorilla allows a single concurrent
// writer, so writes go through send.
type session struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *session) send(t api.MessageType, v interface{}) error {
	frame, err := api.Encode(t, v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	header := http.Header{}
	header.Set(api.HeaderMachineID, a.config.MachineID)
	header.Set(api.HeaderSecretKey, a.config.SecretKey)
	header.Set(api.HeaderConnectionType, "worker")

	ws, _, err := a.dialer.DialContext(ctx, a.config.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.config.URL, err)
	}
	s := &session{ws: ws}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		ws.Close()
		wg.Wait()
	}()

	// Unblock ReadMessage when the agent is stopped.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ws.Close()
	}()

	if err := s.send(api.MsgRegister, &api.RegisterMessage{DeviceID: a.config.Name}); err != nil {
		return false, err
	}
	if err := s.send(api.MsgCheckVersion, &api.CheckVersionMessage{Hash: a.LogicHash()}); err != nil {
		return false, err
	}

	tasks := make(chan api.ExecuteTaskMessage, 16)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeat(ctx, s)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-tasks:
				a.runTask(ctx, s, task)
			}
		}
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return registered, err
		}
		env, err := api.DecodeEnvelope(frame)
		if err != nil {
			a.logger.Warn("bad frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case api.MsgRegistered:
			var msg api.RegisteredMessage
			if err := env.Decode(&msg); err != nil {
				return registered, err
			}
			registered = true
			a.logger.Info("registered", zap.String("connection_id", msg.ConnectionID), zap.String("name", msg.Name))

		case api.MsgExecuteTask:
			var msg api.ExecuteTaskMessage
			if err := env.Decode(&msg); err != nil {
				a.logger.Warn("bad execute_task", zap.Error(err))
				continue
			}
			select {
			case tasks <- msg:
			case <-ctx.Done():
				return registered, ctx.Err()
			}

		case api.MsgUpdateLogic:
			var msg api.UpdateLogicMessage
			if err := env.Decode(&msg); err != nil {
				a.logger.Warn("bad update_logic_file", zap.Error(err))
				continue
			}
			if err := a.applyLogic(msg); err != nil {
				a.logger.Error("failed to apply logic update", zap.Error(err))
			}

		case api.MsgLogicUpToDate:
			a.logger.Debug("logic up to date", zap.String("hash", a.LogicHash()))

		case api.MsgAuthError:
			var msg api.AuthErrorMessage
			_ = env.Decode(&msg)
			return false, fmt.Errorf("%w: %s", ErrAuthRejected, msg.Reason)

		default:
			a.logger.Debug("ignoring message", zap.String("type", string(env.Type)))
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context, s *session) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(api.MsgHeartbeat, &api.HeartbeatMessage{}); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

// runTask executes one task and reports the outcome. Executor failures become
// an error report so the job is always closed out.
func (a *Agent) runTask(ctx context.Context, s *session, msg api.ExecuteTaskMessage) {
	log := a.logger.With(zap.String("request_id", msg.RequestID), zap.String("task_type", string(msg.TaskType)))

	ctx, span := a.tracer.Start(ctx, "worker.run_task",
		trace.WithAttributes(
			attribute.String("job.request_id", msg.RequestID),
			attribute.String("job.task_type", string(msg.TaskType)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log.Info("task started")
	start := time.Now()

	report, err := a.runtime.Run(ctx, runtime.Task{
		RequestID: msg.RequestID,
		TaskType:  msg.TaskType,
		Payload:   msg.Payload,
	}, func(p api.Progress) {
		if err := s.send(api.MsgTaskProgress, &api.TaskProgressMessage{RequestID: msg.RequestID, Progress: p}); err != nil {
			log.Warn("failed to send progress", zap.Error(err))
		}
	})
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			// The session is gone; the coordinator handles the lost job.
			log.Warn("task aborted", zap.Error(err))
			return
		}
		report = api.TaskReport{Error: err.Error()}
	}

	if err := s.send(api.MsgTaskCompleted, &api.TaskCompletedMessage{RequestID: msg.RequestID, Result: report}); err != nil {
		log.Error("failed to report completion", zap.Error(err))
		return
	}

	span.SetAttributes(attribute.Bool("job.succeeded", report.Succeeded()))
	log.Info("task finished",
		zap.Bool("succeeded", report.Succeeded()),
		zap.Int("count", report.Count),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)),
	)
}

// applyLogic verifies and atomically replaces the executor artifact.
func (a *Agent) applyLogic(msg api.UpdateLogicMessage) error {
	if a.config.LogicPath == "" {
		return errors.New("no logic path configured")
	}
	if got := logic.HashContent(msg.Content); got != msg.Hash {
		return fmt.Errorf("logic hash mismatch: got %s, announced %s", got, msg.Hash)
	}

	dir := filepath.Dir(a.config.LogicPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".logic-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(msg.Content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), a.config.LogicPath); err != nil {
		return err
	}

	a.logic.Set(msg.Content)
	a.logger.Info("logic file updated", zap.String("hash", msg.Hash), zap.String("path", a.config.LogicPath))
	return nil
}
