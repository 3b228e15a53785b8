package relay

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultTimeout = 10 * time.Second

// Client is a fileaccess.FileAccess backed by a relay server. Requests are
// strictly sequential over one WebSocket. A failed connection is dropped and
// redialed on the next call.
type Client struct {
	id      string
	url     string
	timeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
}

// NewClient returns a client for the relay at rawURL (ws:// or wss://,
// path /ws) authenticating with pin. A zero timeout means ten seconds.
func NewClient(rawURL, pin string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay url %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q: scheme must be ws or wss", rawURL)
	}
	if u.Path == "" {
		u.Path = "/ws"
	}
	id := uuid.NewString()
	q := u.Query()
	q.Set("pin", pin)
	q.Set("client", id)
	u.RawQuery = q.Encode()

	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{id: id, url: u.String(), timeout: timeout}, nil
}

// ID returns the identifier the client presents to the relay.
func (c *Client) ID() string { return c.id }

// Close ends the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends req and waits for its response.
func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			return response{}, fmt.Errorf("failed to connect to relay: %w", err)
		}
		c.conn = conn
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	c.nextID++
	req.ID = c.nextID

	var resp response
	err := c.conn.WriteJSON(req)
	if err == nil {
		err = c.conn.ReadJSON(&resp)
	}
	if err == nil && resp.ID != req.ID {
		err = fmt.Errorf("response %d to request %d", resp.ID, req.ID)
	}
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return response{}, fmt.Errorf("relay %s %s: %w", req.Op, req.Name, err)
	}

	if resp.Error != "" {
		if resp.NotExist {
			return resp, &fs.PathError{Op: string(req.Op), Path: req.Name, Err: fs.ErrNotExist}
		}
		return resp, fmt.Errorf("relay %s %s: %s", req.Op, req.Name, resp.Error)
	}
	return resp, nil
}

func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	resp, err := c.roundTrip(ctx, request{Op: OpExists, Name: name})
	return resp.Exists, err
}

func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.roundTrip(ctx, request{Op: OpDelete, Name: name})
	return err
}

func (c *Client) Move(ctx context.Context, from, to string) error {
	_, err := c.roundTrip(ctx, request{Op: OpMove, Name: from, To: to})
	return err
}

func (c *Client) ReadAllBytes(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.roundTrip(ctx, request{Op: OpRead, Name: name})
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func (c *Client) WriteAllBytes(ctx context.Context, name string, data []byte) error {
	_, err := c.roundTrip(ctx, request{Op: OpWrite, Name: name, Data: data})
	return err
}

func (c *Client) GetFileSize(ctx context.Context, name string) (int64, error) {
	resp, err := c.roundTrip(ctx, request{Op: OpSize, Name: name})
	return resp.Size, err
}
