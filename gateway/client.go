package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client sends commands to a gateway.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	retryMax                 int
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Sugar().Named("client")
	}
}

// WithClientRetryMax retries failed requests up to n times. Defaults to 0, a single attempt.
func WithClientRetryMax(n int) ClientOption {
	return func(c *Client) {
		c.retryMax = n
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient constructs a client for the gateway at baseURL, e.g. "http://127.0.0.1:5000".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:  zap.NewNop().Sugar(),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.retryMax
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	// hand back the last response or error as is, instead of a "giving up" error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

// SendCommand posts cmd verbatim. Nothing is appended, so cmd must carry any terminator the child expects.
// The response is not inspected: a response of any status is a successful send.
func (c *Client) SendCommand(ctx context.Context, cmd string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", strings.NewReader(cmd))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending command over HTTP: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	c.Logger.Debugw("sent command", "Status", resp.StatusCode)
	return nil
}

// Tail writes each line of child output to w, one per line, until ctx is done or the gateway closes the stream.
func (c *Client) Tail(ctx context.Context, w io.Writer) error {
	conn, _, err := websocket.Dial(ctx, c.baseURL+"/output", &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing output stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg OutputMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading output stream: %w", err)
		}
		_, err = fmt.Fprintln(w, msg.Line)
		if err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
}
