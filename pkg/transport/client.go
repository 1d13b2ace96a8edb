package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/shmsync/api"
	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/syncobj"
)

var _ api.SyncService = (*Client)(nil)

// DialConfig controls how Dial retries while the server socket is not up yet.
type DialConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialInterval is the first retry delay. It grows exponentially.
	InitialInterval time.Duration
}

// DefaultDialConfig retries for roughly a second.
func DefaultDialConfig() DialConfig {
	return DialConfig{MaxRetries: 6, InitialInterval: 20 * time.Millisecond}
}

// ErrBroken is returned by every call after a send or receive failed. The
// connection is closed by then, since a late reply would answer the wrong
// request.
var ErrBroken = errors.New("transport: client connection broken")

// Client talks to a Server over one connection. Calls are serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	r      *bufio.Reader
	broken error
}

// Dial connects to the server socket at path.
func Dial(ctx context.Context, path string, cfg DialConfig) (*Client, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = DefaultDialConfig().InitialInterval
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.MaxRetries), ctx)

	var d net.Dialer
	var conn net.Conn
	op := func() error {
		c, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return Reply{}, c.broken
	}
	if len(req.Name) > namespace.MaxNameLen {
		return Reply{}, namespace.ErrNameTooLong
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := WriteRequest(c.conn, req); err != nil {
		return Reply{}, c.fail(fmt.Errorf("send %s: %w", req.Op, err))
	}
	rep, err := ReadReply(c.r)
	if err != nil {
		return Reply{}, c.fail(fmt.Errorf("receive %s: %w", req.Op, err))
	}
	return rep, rep.Status.Err()
}

// fail marks the client broken and closes the connection. c.mu must be held.
func (c *Client) fail(err error) error {
	c.broken = fmt.Errorf("%w: %v", ErrBroken, err)
	_ = c.conn.Close()
	return err
}

// CreateSyncObject implements api.SyncService.
func (c *Client) CreateSyncObject(ctx context.Context, req syncobj.CreateRequest) (syncobj.Result, error) {
	rep, err := c.roundTrip(ctx, Request{
		Op:     OpCreate,
		Name:   req.Name,
		Access: req.Attrs.Access,
		Kind:   req.Kind,
		Low:    req.Low,
		High:   req.High,
	})
	if err != nil {
		return syncobj.Result{}, err
	}
	return syncobj.Result{Handle: rep.Handle, Slot: rep.Slot, Kind: rep.Kind, Created: rep.Created}, nil
}

// OpenSyncObject implements api.SyncService.
func (c *Client) OpenSyncObject(ctx context.Context, name string, attrs syncobj.Attributes) (syncobj.Result, error) {
	rep, err := c.roundTrip(ctx, Request{Op: OpOpen, Name: name, Access: attrs.Access})
	if err != nil {
		return syncobj.Result{}, err
	}
	return syncobj.Result{Handle: rep.Handle, Slot: rep.Slot, Kind: rep.Kind}, nil
}

// GetSlotIndex implements api.SyncService.
func (c *Client) GetSlotIndex(ctx context.Context, h namespace.Handle) (uint32, syncobj.Kind, error) {
	rep, err := c.roundTrip(ctx, Request{Op: OpGetSlot, Handle: h})
	if err != nil {
		return 0, syncobj.KindNone, err
	}
	return rep.Slot, rep.Kind, nil
}

// CloseHandle implements api.SyncService.
func (c *Client) CloseHandle(ctx context.Context, h namespace.Handle) error {
	_, err := c.roundTrip(ctx, Request{Op: OpClose, Handle: h})
	return err
}

// Close closes the connection. The server closes every handle it still holds.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = ErrBroken
	return c.conn.Close()
}
