package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/zfett/vpipe/internal/pipeline/controller"
	"github.com/zfett/vpipe/internal/pipeline/events"
	"github.com/zfett/vpipe/internal/pipeline/ring"
)

// DefaultTimeout bounds every request. Init may wait for a stable input, so
// it is generous.
const DefaultTimeout = 30 * time.Second

// APIError is a failure answered by the daemon
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to the control surface of a vpiped daemon
type Client struct {
	r *resty.Client
}

// New creates a client for the daemon at baseURL
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("User-Agent", "pipectl/1.0").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	// only reads are retried; commands are not idempotent
	r.AddRetryCondition(func(resp *resty.Response, err error) bool {
		if resp == nil || resp.Request.Method != http.MethodGet {
			return false
		}
		return err != nil || resp.StatusCode() >= http.StatusInternalServerError
	})
	return &Client{r: r}
}

func (c *Client) do(ctx context.Context, method, url string, body, result any) error {
	req := c.r.R().SetContext(ctx).SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

func pipelineURL(path int, rest string) string {
	return "/pipelines/" + strconv.Itoa(path) + rest
}

// List returns every initialized pipeline
func (c *Client) List(ctx context.Context) ([]controller.Info, error) {
	var out struct {
		Pipelines []controller.Info `json:"pipelines"`
	}
	err := c.do(ctx, http.MethodGet, "/pipelines", nil, &out)
	return out.Pipelines, err
}

// Get returns one pipeline
func (c *Client) Get(ctx context.Context, path int) (controller.Info, error) {
	var out controller.Info
	err := c.do(ctx, http.MethodGet, pipelineURL(path, ""), nil, &out)
	return out, err
}

// Stats returns the statistics of one pipeline
func (c *Client) Stats(ctx context.Context, path int) (events.Stats, error) {
	var out struct {
		Stats events.Stats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, pipelineURL(path, "/stats"), nil, &out)
	return out.Stats, err
}

// Init initializes cfg.Path with cfg
func (c *Client) Init(ctx context.Context, cfg controller.Config) (controller.Info, error) {
	var out struct {
		Pipeline controller.Info `json:"pipeline"`
	}
	err := c.do(ctx, http.MethodPost, pipelineURL(cfg.Path, "/init"), cfg, &out)
	return out.Pipeline, err
}

// Reconfigure submits a geometry change for a live pipeline. It returns once
// the change is queued; SequenceChanged reports when it took effect.
func (c *Client) Reconfigure(ctx context.Context, cfg controller.Config) error {
	return c.do(ctx, http.MethodPost, pipelineURL(cfg.Path, "/reconfigure"), cfg, nil)
}

// Command runs a command without arguments and returns the resulting state
func (c *Client) Command(ctx context.Context, path int, cmd controller.Command) (controller.State, error) {
	if cmd == controller.CmdInit {
		return 0, fmt.Errorf("%w: use Init", controller.ErrInvalidConfig)
	}
	var out struct {
		State controller.State `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, pipelineURL(path, "/"+string(cmd)), nil, &out)
	return out.State, err
}

// Buffers returns the buffers of a ring
func (c *Client) Buffers(ctx context.Context, path int) ([]ring.Buffer, error) {
	var out struct {
		Buffers []ring.Buffer `json:"buffers"`
	}
	err := c.do(ctx, http.MethodGet, pipelineURL(path, "/buffers"), nil, &out)
	return out.Buffers, err
}

// Attach adds a buffer at addr to a ring
func (c *Client) Attach(ctx context.Context, path int, addr uint64) (ring.BufferID, error) {
	var out struct {
		ID ring.BufferID `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, pipelineURL(path, "/buffers"), map[string]uint64{"addr": addr}, &out)
	return out.ID, err
}

// Detach removes a buffer from a ring
func (c *Client) Detach(ctx context.Context, path int, id ring.BufferID) error {
	return c.do(ctx, http.MethodDelete, pipelineURL(path, "/buffers/"+strconv.Itoa(int(id))), nil, nil)
}

// HandToConsumer marks a buffer as held by the consumer
func (c *Client) HandToConsumer(ctx context.Context, path int, id ring.BufferID) error {
	return c.do(ctx, http.MethodPost, pipelineURL(path, "/consumer/"+strconv.Itoa(int(id))), nil, nil)
}

// Inject raises a simulated fault, "underflow" or "overrun"
func (c *Client) Inject(ctx context.Context, path int, fault string) error {
	return c.do(ctx, http.MethodPost, "/sim/"+strconv.Itoa(path)+"/"+fault, nil, nil)
}

// Export writes the retained events of path, or of every path when path is
// negative, to w as plain NDJSON and returns how many were written
func (c *Client) Export(ctx context.Context, path int, w io.Writer) (int, error) {
	req := c.r.R().SetContext(ctx).SetDoNotParseResponse(true)
	if path >= 0 {
		req.SetQueryParam("path", strconv.Itoa(path))
	}
	resp, err := req.Get("/events/export")
	if err != nil {
		return 0, err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return 0, &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	}
	n, err := strconv.Atoi(resp.Header().Get("X-Event-Count"))
	if err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	dec, err := zstd.NewReader(body)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	if _, err := io.Copy(w, dec); err != nil {
		return 0, err
	}
	return n, nil
}
