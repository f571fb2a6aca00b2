package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start its background services.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Conveyor.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop its background services.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Conveyor.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Conveyor.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestAdd creates a new acquisition request.
func (c *Client) RequestAdd(req RequestAddRequest) (*RequestAddResponse, error) {
	var resp RequestAddResponse
	if err := c.client.Call("Conveyor.RequestAdd", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestList returns requests, optionally filtered by computed status.
func (c *Client) RequestList(statuses []string) (*RequestListResponse, error) {
	var resp RequestListResponse
	if err := c.client.Call("Conveyor.RequestList", RequestListRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestShow returns one request with items and executions.
func (c *Client) RequestShow(id int64) (*RequestShowResponse, error) {
	var resp RequestShowResponse
	if err := c.client.Call("Conveyor.RequestShow", RequestShowRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestRetry retries a failed or stalled request.
func (c *Client) RequestRetry(id int64) (*RequestRetryResponse, error) {
	var resp RequestRetryResponse
	if err := c.client.Call("Conveyor.RequestRetry", RequestRetryRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestCancel cancels a request's live executions.
func (c *Client) RequestCancel(id int64) (*RequestCancelResponse, error) {
	var resp RequestCancelResponse
	if err := c.client.Call("Conveyor.RequestCancel", RequestCancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecutionList returns recent executions.
func (c *Client) ExecutionList(limit int, statuses []string) (*ExecutionListResponse, error) {
	var resp ExecutionListResponse
	req := ExecutionListRequest{Limit: limit, Statuses: statuses}
	if err := c.client.Call("Conveyor.ExecutionList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecutionShow returns one execution with its step records.
func (c *Client) ExecutionShow(id string) (*ExecutionShowResponse, error) {
	var resp ExecutionShowResponse
	if err := c.client.Call("Conveyor.ExecutionShow", ExecutionShowRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecutionResume relaunches a paused or parked execution.
func (c *Client) ExecutionResume(id string) (*ExecutionResumeResponse, error) {
	var resp ExecutionResumeResponse
	if err := c.client.Call("Conveyor.ExecutionResume", ExecutionResumeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncoderList returns connected encode workers.
func (c *Client) EncoderList() (*EncoderListResponse, error) {
	var resp EncoderListResponse
	if err := c.client.Call("Conveyor.EncoderList", EncoderListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BreakerList returns persisted circuit breaker records.
func (c *Client) BreakerList() (*BreakerListResponse, error) {
	var resp BreakerListResponse
	if err := c.client.Call("Conveyor.BreakerList", BreakerListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BreakerReset force-closes the breaker for a service.
func (c *Client) BreakerReset(service string) (*BreakerResetResponse, error) {
	var resp BreakerResetResponse
	if err := c.client.Call("Conveyor.BreakerReset", BreakerResetRequest{Service: service}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TemplateList returns loaded workflow templates.
func (c *Client) TemplateList() (*TemplateListResponse, error) {
	var resp TemplateListResponse
	if err := c.client.Call("Conveyor.TemplateList", TemplateListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.client.Call("Conveyor.LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.client.Call("Conveyor.TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
