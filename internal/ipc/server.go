package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"
	"time"

	"log/slog"

	"conveyor/internal/daemon"
	"conveyor/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Conveyor", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("ipc server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("ipc accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "check socket permissions; restart the daemon if clients cannot connect"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually or rerun conveyor stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	s.log().Debug("daemon start requested")
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.log().Info("daemon started via ipc",
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.log().Debug("daemon stop requested")
	s.daemon.Stop()
	resp.Stopped = true
	s.log().Info("daemon stopped via ipc",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = daemon.FromStatus(s.daemon.Status(s.ctx))
	return nil
}

func (s *service) RequestAdd(req RequestAddRequest, resp *RequestAddResponse) error {
	record, err := s.daemon.AddRequest(s.ctx, daemon.AddRequestParams{
		Title:       req.Title,
		TMDBID:      req.TMDBID,
		MediaType:   req.MediaType,
		Season:      req.Season,
		Episodes:    req.Episodes,
		RequestedBy: req.RequestedBy,
		TemplateID:  req.TemplateID,
	})
	if err != nil {
		// A record alongside the error means the request landed but its
		// execution did not start; surface that as a warning, not a failure.
		if record == nil {
			return err
		}
		resp.Warning = err.Error()
	}
	resp.Request = daemon.FromRequestRecord(*record)
	return nil
}

func (s *service) RequestList(req RequestListRequest, resp *RequestListResponse) error {
	records, err := s.daemon.ListRequests(s.ctx)
	if err != nil {
		return err
	}
	resp.Requests = make([]RequestView, 0, len(records))
	for _, record := range records {
		if len(req.Statuses) > 0 && !matchesStatus(req.Statuses, string(record.Status)) {
			continue
		}
		resp.Requests = append(resp.Requests, daemon.FromRequestRecord(record))
	}
	return nil
}

func (s *service) RequestShow(req RequestShowRequest, resp *RequestShowResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid request id %d", req.ID)
	}
	record, err := s.daemon.ShowRequest(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Request = daemon.FromRequestRecord(*record)
	return nil
}

func (s *service) RequestRetry(req RequestRetryRequest, resp *RequestRetryResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid request id %d", req.ID)
	}
	s.log().Debug("request retry requested", logging.Int64(logging.FieldRequestID, req.ID))
	exec, err := s.daemon.RetryRequest(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Execution = daemon.FromExecution(exec)
	return nil
}

func (s *service) RequestCancel(req RequestCancelRequest, resp *RequestCancelResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid request id %d", req.ID)
	}
	s.log().Debug("request cancel requested", logging.Int64(logging.FieldRequestID, req.ID))
	if err := s.daemon.CancelRequest(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Cancelled = true
	return nil
}

func (s *service) ExecutionList(req ExecutionListRequest, resp *ExecutionListResponse) error {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	execs, err := s.daemon.ListExecutions(s.ctx, limit, req.Statuses)
	if err != nil {
		return err
	}
	resp.Executions = make([]ExecutionView, 0, len(execs))
	for _, exec := range execs {
		resp.Executions = append(resp.Executions, daemon.FromExecution(exec))
	}
	return nil
}

func (s *service) ExecutionShow(req ExecutionShowRequest, resp *ExecutionShowResponse) error {
	if req.ID == "" {
		return errors.New("execution id is required")
	}
	record, err := s.daemon.ShowExecution(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Execution = daemon.FromExecutionRecord(*record)
	return nil
}

func (s *service) ExecutionResume(req ExecutionResumeRequest, resp *ExecutionResumeResponse) error {
	if req.ID == "" {
		return errors.New("execution id is required")
	}
	s.log().Debug("execution resume requested", logging.String(logging.FieldExecutionID, req.ID))
	exec, err := s.daemon.ResumeExecution(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Execution = daemon.FromExecution(exec)
	return nil
}

func (s *service) EncoderList(_ EncoderListRequest, resp *EncoderListResponse) error {
	workers := s.daemon.Encoders()
	resp.Encoders = make([]EncoderView, 0, len(workers))
	for _, info := range workers {
		resp.Encoders = append(resp.Encoders, daemon.FromWorkerInfo(info))
	}
	return nil
}

func (s *service) BreakerList(_ BreakerListRequest, resp *BreakerListResponse) error {
	records, err := s.daemon.Breakers(s.ctx)
	if err != nil {
		return err
	}
	resp.Breakers = make([]BreakerView, 0, len(records))
	for _, record := range records {
		resp.Breakers = append(resp.Breakers, daemon.FromBreakerRecord(record))
	}
	return nil
}

func (s *service) BreakerReset(req BreakerResetRequest, resp *BreakerResetResponse) error {
	if req.Service == "" {
		return errors.New("service name is required")
	}
	reset, err := s.daemon.ResetBreaker(s.ctx, req.Service)
	if err != nil {
		return err
	}
	resp.Reset = reset
	if reset {
		s.log().Info("breaker reset via ipc",
			logging.String(logging.FieldService, req.Service),
			logging.String(logging.FieldEventType, "breaker_reset"))
	}
	return nil
}

func (s *service) TemplateList(_ TemplateListRequest, resp *TemplateListResponse) error {
	templates := s.daemon.Templates()
	resp.Templates = make([]TemplateView, 0, len(templates))
	for _, tpl := range templates {
		resp.Templates = append(resp.Templates, daemon.FromTemplate(tpl))
	}
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := s.daemon.TailLog(ctx, daemon.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}

func matchesStatus(statuses []string, target string) bool {
	for _, status := range statuses {
		if strings.EqualFold(status, target) {
			return true
		}
	}
	return false
}
