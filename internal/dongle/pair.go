package dongle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tinygo.org/x/bluetooth"
)

// PairOptions configures pairing behavior.
type PairOptions struct {
	Security     int // local security level, 1..3
	IOCapability IOCapability
	Timeout      time.Duration // how long to wait for the authentication result

	// Passkey answers a passkey entry request for peer. Pairing fails if
	// the peer asks for a passkey and this is nil.
	Passkey func(peer bluetooth.MAC) (uint32, error)
}

// DefaultPairOptions returns sensible defaults for production use.
func DefaultPairOptions() PairOptions {
	return PairOptions{
		Security:     3,
		IOCapability: KeyboardOnly,
		Timeout:      30 * time.Second,
	}
}

// Pair pairs with the connected peripheral peer. It returns once the
// authentication result arrives.
func (c *Client) Pair(ctx context.Context, peer bluetooth.MAC, opts PairOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if !c.Connected() {
		return ErrNotConnected
	}

	if err := c.SetLocalSecurity(ctx, opts.Security); err != nil {
		return err
	}
	if err := c.SetIOCapabilities(ctx, opts.IOCapability); err != nil {
		return err
	}

	// handlers run on the worker, so they only signal; the passkey command
	// is sent from here
	passkeyReq := make(chan struct{}, 1)
	authResult := make(chan uint8, 1)
	lost := make(chan uint8, 1)

	var prev Handlers
	c.e.UpdateHandlers(func(h *Handlers) {
		prev = *h
		h.PasskeyRequest = func() {
			select {
			case passkeyReq <- struct{}{}:
			default:
			}
		}
		h.AuthResult = func(reason uint8) {
			select {
			case authResult <- reason:
			default:
			}
		}
		h.Disconnected = func(reason uint8) {
			if prev.Disconnected != nil {
				prev.Disconnected(reason)
			}
			select {
			case lost <- reason:
			default:
			}
		}
	})
	defer c.e.UpdateHandlers(func(h *Handlers) {
		h.PasskeyRequest = prev.PasskeyRequest
		h.AuthResult = prev.AuthResult
		h.Disconnected = prev.Disconnected
	})

	slog.Info("[GATT] pairing", "peer", peer.String(), "security", opts.Security, "io", opts.IOCapability)
	if err := c.InitiatePairing(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-passkeyReq:
			if opts.Passkey == nil {
				return errors.New("dongle: peer asked for a passkey and none is configured")
			}
			pk, err := opts.Passkey(peer)
			if err != nil {
				return fmt.Errorf("dongle: passkey for %s: %w", peer.String(), err)
			}
			if err := c.PairingPasskey(ctx, pk); err != nil {
				return err
			}

		case reason := <-authResult:
			if reason != 0 {
				return &AuthError{Reason: reason}
			}
			slog.Info("[GATT] paired", "peer", peer.String())
			return nil

		case reason := <-lost:
			return fmt.Errorf("dongle: disconnected while pairing (reason 0x%02X): %w", reason, ErrNotConnected)

		case <-timer.C:
			return fmt.Errorf("dongle: pairing timed out after %v: %w", opts.Timeout, ErrTimeout)

		case <-ctx.Done():
			return fmt.Errorf("dongle: pairing: %w", ctx.Err())

		case <-c.e.Done():
			return ErrClosed
		}
	}
}
