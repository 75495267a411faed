package dongle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// ReconnectOptions configures KeepConnected.
type ReconnectOptions struct {
	MaxBackoff time.Duration

	// OnConnect runs after every successful connection, e.g. to
	// re-enable notifications. An error drops the connection and retries.
	OnConnect func(ctx context.Context) error
}

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// KeepConnected connects to addr and reconnects after every disconnect
// until ctx is done or the engine closes.
func (c *Client) KeepConnected(ctx context.Context, addr bluetooth.MAC, kind uint8, opts ReconnectOptions) error {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	lost := make(chan uint8, 1)
	var prev func(uint8)
	c.e.UpdateHandlers(func(h *Handlers) {
		prev = h.Disconnected
		h.Disconnected = func(reason uint8) {
			if prev != nil {
				prev(reason)
			}
			select {
			case lost <- reason:
			default:
			}
		}
	})
	defer c.e.UpdateHandlers(func(h *Handlers) { h.Disconnected = prev })

	for {
		if err := c.reconnect(ctx, addr, kind, opts); err != nil {
			return err
		}

		// a disconnect of our own making during OnConnect is already handled
		select {
		case <-lost:
		default:
		}
		if !c.Connected() {
			continue
		}

		select {
		case reason := <-lost:
			slog.Warn("[GATT] disconnected, reconnecting...", "address", addr.String(), "reason", reason)
		case <-ctx.Done():
			return ctx.Err()
		case <-c.e.Done():
			return ErrClosed
		}
	}
}

// reconnect attempts to connect with exponential backoff.
func (c *Client) reconnect(ctx context.Context, addr bluetooth.MAC, kind uint8, opts ReconnectOptions) error {
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.MaxBackoff)
			slog.Info("[GATT] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.Connect(ctx, addr, kind)
		switch {
		case err == nil, errors.Is(err, ErrAlreadyConnected):
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			return err
		default:
			slog.Warn("[GATT] reconnect failed", "error", err, "attempt", attempt+1)
			continue
		}

		if opts.OnConnect != nil {
			if err := opts.OnConnect(ctx); err != nil {
				slog.Warn("[GATT] post-connect setup failed", "error", err, "attempt", attempt+1)
				_ = c.Disconnect(ctx)
				continue
			}
		}

		slog.Info("[GATT] connected", "address", addr.String())
		return nil
	}
}
