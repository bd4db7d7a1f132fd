package wire

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/sammck-go/boardhub/internal/blog"
)

// DialLoopConfig controls DialLoop's reconnection behavior.
type DialLoopConfig struct {
	URL        string
	Header     http.Header
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DialLoop repeatedly dials url, exchanges JSON-RPC over the resulting
// WebSocket as an initiator Channel, and calls onConnect with the live
// channel every time a connection is established. The context passed to
// onConnect is cancelled when that channel's Serve loop exits, and the
// connection is closed as soon as onConnect returns. It reconnects with
// exponential backoff (starting at MinBackoff, doubling to MaxBackoff)
// whenever a connection ends, until ctx is cancelled. This is
// the control-channel half of §4.2's "exponential backoff starting at 1s,
// doubling to a max of 30s" reconnection rule.
func DialLoop(ctx context.Context, logger blog.Logger, name string, cfg DialLoopConfig, onConnect func(ctx context.Context, ch *Channel)) error {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	b := &backoff.Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
		wsConn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			logger.WLogf("connecting to %s failed: %s", redactURL(cfg.URL), err)
			if !sleepOrDone(ctx, b.Duration()) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()
		logger.ILogf("connected to %s", redactURL(cfg.URL))

		ch := NewInitiatorChannel(logger, name, NewWSTransport(wsConn))
		connCtx, cancel := context.WithCancel(ctx)
		serveDone := make(chan error, 1)
		go func() {
			serveDone <- ch.Serve(connCtx)
			cancel()
		}()
		onConnect(connCtx, ch)
		cancel()
		err = <-serveDone
		logger.WLogf("disconnected from %s: %v", redactURL(cfg.URL), err)

		if !sleepOrDone(ctx, b.Duration()) {
			return ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
