package transport

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// newBackoff yields min(base*2^n, maxDelay) for n = 0, 1, ... and stops after
// maxAttempts values.
func newBackoff(base, maxDelay time.Duration, maxAttempts int) retry.Backoff {
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxDelay, b)
	return retry.WithMaxRetries(uint64(maxAttempts), b)
}

// reconnect runs until a new connection is installed, ctx is cancelled by
// Disconnect, the attempt budget runs out, or the server rejects the
// credentials.
func (s *Session) reconnect(ctx context.Context, identity, token string) {
	b := newBackoff(s.opts.BaseDelay, s.opts.MaxDelay, s.opts.MaxAttempts)

	for {
		delay, stop := b.Next()
		if stop {
			s.giveUp(ctx, ErrReconnectExhausted)
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.attempt++
		attempt := s.attempt
		s.mu.Unlock()

		s.logger.Printf("transport: reconnect attempt %d in %s", attempt, delay)
		s.emit(Event{Kind: EventReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		c, err := s.dial(dialCtx, identity, token)
		cancel()
		if err != nil {
			var ce *ConnectError
			if errors.As(err, &ce) && ce.Unauthorized() {
				s.giveUp(ctx, err)
				return
			}
			s.logger.Printf("transport: reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil || s.state != Reconnecting {
			s.mu.Unlock()
			c.close(websocket.CloseNormalClosure)
			return
		}
		s.install(c)
		s.stopReconnect = nil
		s.mu.Unlock()

		s.logger.Printf("transport: reconnected as %s after %d attempts", identity, attempt)
		s.start(c)
		s.emit(Event{Kind: EventConnected})
		return
	}
}

// giveUp ends a reconnect run and surfaces err through a Failed event.
func (s *Session) giveUp(ctx context.Context, err error) {
	s.mu.Lock()
	if ctx.Err() != nil || s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.stopReconnect = nil
	attempt := s.attempt
	s.mu.Unlock()

	s.logger.Printf("transport: giving up after %d attempts: %v", attempt, err)
	s.emit(Event{Kind: EventFailed, Attempt: attempt, Err: err})
}
