package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"conveyor/internal/logging"
)

// Runner executes one assigned job on the worker host. progress may be
// called from the runner at any cadence; the agent forwards it upstream.
type Runner interface {
	Run(ctx context.Context, job JobAssignPayload, progress func(percent float64, message string)) (JobCompletedPayload, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job JobAssignPayload, progress func(percent float64, message string)) (JobCompletedPayload, error)

func (f RunnerFunc) Run(ctx context.Context, job JobAssignPayload, progress func(percent float64, message string)) (JobCompletedPayload, error) {
	return f(ctx, job, progress)
}

// AgentConfig configures the worker side of the protocol.
type AgentConfig struct {
	ServerURL    string // ws://host:port/ws/encoders
	Token        string
	WorkerID     string
	Capacity     int
	Version      string
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Agent maintains one registered connection to the dispatcher, runs assigned
// jobs up to its declared capacity, and reconnects with backoff when the
// connection drops.
type Agent struct {
	cfg    AgentConfig
	runner Runner
	logger *slog.Logger
}

// NewAgent validates the config and builds an Agent.
func NewAgent(cfg AgentConfig, runner Runner, logger *slog.Logger) (*Agent, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errors.New("agent: server url is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		return nil, errors.New("agent: worker id is required")
	}
	if runner == nil {
		return nil, errors.New("agent: runner is required")
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		runner: runner,
		logger: logging.NewComponentLogger(logger, "encoder-agent"),
	}, nil
}

// Run connects and serves jobs until ctx is cancelled. Dropped connections
// are retried with doubling backoff.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.ReconnectMin
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("session ended, reconnecting",
			logging.Error(err),
			logging.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.ReconnectMax {
			backoff = a.cfg.ReconnectMax
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", a.cfg.ServerURL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	defer conn.Close()

	s := &agentSession{
		agent:   a,
		conn:    conn,
		cancels: make(map[string]context.CancelFunc),
	}
	return s.run(ctx)
}

type agentSession struct {
	agent *Agent
	conn  Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (s *agentSession) run(ctx context.Context) error {
	if err := s.write(TypeRegister, RegisterPayload{
		WorkerID: s.agent.cfg.WorkerID,
		Capacity: s.agent.cfg.Capacity,
		Version:  s.agent.cfg.Version,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registration ack: %w", err)
	}
	env, err := Decode(raw)
	if err != nil {
		return fmt.Errorf("registration ack: %w", err)
	}
	if env.Type != TypeRegistered {
		return fmt.Errorf("unexpected first frame %q", env.Type)
	}
	var ack RegisteredPayload
	if err := DecodePayload(env, &ack); err != nil {
		return fmt.Errorf("registration ack: %w", err)
	}
	heartbeat := time.Duration(ack.HeartbeatSeconds) * time.Second
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	s.agent.logger.Info("registered with dispatcher",
		logging.String(logging.FieldEncoderID, s.agent.cfg.WorkerID),
		logging.Duration("heartbeat", heartbeat))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Unblock the read loop when the caller stops us.
	go func() {
		<-sctx.Done()
		_ = s.conn.Close()
	}()
	go s.heartbeatLoop(sctx, heartbeat)

	var jobs errgroup.Group
	jobs.SetLimit(s.agent.cfg.Capacity)
	defer func() { _ = jobs.Wait() }()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			cancel()
			return fmt.Errorf("read: %w", err)
		}
		env, err := Decode(raw)
		if err != nil {
			s.agent.logger.Warn("discarding malformed frame", logging.Error(err))
			continue
		}
		switch env.Type {
		case TypeJobAssign:
			var job JobAssignPayload
			if err := DecodePayload(env, &job); err != nil {
				s.agent.logger.Warn("bad assignment payload", logging.Error(err))
				continue
			}
			started := jobs.TryGo(func() error {
				s.runJob(sctx, job)
				return nil
			})
			if !started {
				// The server overbooked us; refuse rather than queue.
				_ = s.write(TypeJobFailed, JobFailedPayload{JobID: job.JobID, Error: "worker at capacity"})
			}
		case TypeJobCancel:
			var p JobCancelPayload
			if err := DecodePayload(env, &p); err != nil {
				s.agent.logger.Warn("bad cancel payload", logging.Error(err))
				continue
			}
			s.cancelJob(p.JobID, p.Reason)
		default:
			s.agent.logger.Warn("ignoring unknown message type", logging.String("type", env.Type))
		}
	}
}

func (s *agentSession) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(TypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (s *agentSession) runJob(ctx context.Context, job JobAssignPayload) {
	jctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[job.JobID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, job.JobID)
		s.mu.Unlock()
	}()

	logger := s.agent.logger.With(logging.String(logging.FieldJobID, job.JobID))
	logger.Info("job started",
		logging.Int64(logging.FieldItemID, job.ItemID),
		logging.String("source", job.SourcePath),
		logging.String("profile", job.Profile))

	progress := func(percent float64, message string) {
		_ = s.write(TypeJobProgress, JobProgressPayload{JobID: job.JobID, Percent: percent, Message: message})
	}
	result, err := s.agent.runner.Run(jctx, job, progress)
	if err != nil {
		logger.Warn("job failed", logging.Error(err))
		_ = s.write(TypeJobFailed, JobFailedPayload{JobID: job.JobID, Error: err.Error()})
		return
	}
	result.JobID = job.JobID
	logger.Info("job finished", logging.String("output", result.OutputPath))
	_ = s.write(TypeJobCompleted, result)
}

func (s *agentSession) cancelJob(jobID, reason string) {
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.agent.logger.Info("cancelling job",
		logging.String(logging.FieldJobID, jobID),
		logging.String("reason", reason))
	cancel()
}

const agentWriteTimeout = 10 * time.Second

func (s *agentSession) write(msgType string, payload any) error {
	frame, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(agentWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}
