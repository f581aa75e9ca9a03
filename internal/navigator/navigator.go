// Package navigator loads a new location into a running browser renderer
// through its DevTools endpoint, so content changes do not need a restart.
package navigator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoPage is returned when the renderer exposes no page target.
var ErrNoPage = errors.New("navigator: renderer has no page target")

const defaultTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Host is the DevTools listen address. Defaults to 127.0.0.1.
	Host    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client speaks the small subset of the DevTools protocol needed to navigate.
type Client struct {
	host    string
	timeout time.Duration
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
	nextID  atomic.Int64
}

// New returns a Client.
func New(opts Options) *Client {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		host:    host,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		logger:  logger.With("component", "navigator"),
	}
}

type pageTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type command struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type reply struct {
	ID     int64 `json:"id"`
	Result struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Navigate points the first page of the renderer listening on port at
// location and waits for the browser to acknowledge it.
func (c *Client) Navigate(ctx context.Context, port int, location string) error {
	if strings.TrimSpace(location) == "" {
		return errors.New("navigator: location is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	page, err := c.page(ctx, port)
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, page.WebSocketDebuggerURL, nil)
	if err != nil {
		return fmt.Errorf("navigator: dial devtools: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	id := c.nextID.Add(1)
	cmd := command{ID: id, Method: "Page.navigate", Params: map[string]any{"url": location}}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("navigator: send navigate: %w", err)
	}
	for {
		var msg reply
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("navigator: read reply: %w", err)
		}
		// Protocol events carry no id and are skipped.
		if msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("navigator: devtools error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Result.ErrorText != "" {
			return fmt.Errorf("navigator: navigation failed: %s", msg.Result.ErrorText)
		}
		c.logger.Info("renderer navigated", "port", port, "frame_id", msg.Result.FrameID)
		return nil
	}
}

func (c *Client) page(ctx context.Context, port int) (pageTarget, error) {
	endpoint := "http://" + net.JoinHostPort(c.host, strconv.Itoa(port)) + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pageTarget{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return pageTarget{}, fmt.Errorf("navigator: list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pageTarget{}, fmt.Errorf("navigator: list targets: unexpected status %d", resp.StatusCode)
	}
	var targets []pageTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return pageTarget{}, fmt.Errorf("navigator: decode targets: %w", err)
	}
	for _, target := range targets {
		if target.Type == "page" && target.WebSocketDebuggerURL != "" {
			return target, nil
		}
	}
	return pageTarget{}, ErrNoPage
}
