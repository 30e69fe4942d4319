package chain

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsPingInterval = 15 * time.Second
	wsPingTimeout  = 5 * time.Second
)

// wsWatchdog pings a network's websocket endpoint on its own raw
// connection, independent of the ethclient subscription built on top of
// it, so a half-open TCP connection that the subscription hasn't noticed
// yet still flips HasLiveWebsocket() to false. Grounded on the pack's
// ping/reconnect websocket idiom, applied here to liveness probing rather
// than to the subscription itself (go-ethereum's ethclient already owns
// the subscription's framing).
type wsWatchdog struct {
	alive  atomic.Bool
	cancel context.CancelFunc
}

func startWSWatchdog(wsURL string, logger zerolog.Logger) *wsWatchdog {
	ctx, cancel := context.WithCancel(context.Background())
	w := &wsWatchdog{cancel: cancel}
	w.alive.Store(true)

	go w.run(ctx, wsURL, logger)
	return w
}

func (w *wsWatchdog) run(ctx context.Context, wsURL string, logger zerolog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.alive.Store(w.probe(ctx, wsURL, logger))
		}
	}
}

func (w *wsWatchdog) probe(ctx context.Context, wsURL string, logger zerolog.Logger) bool {
	dialCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
	defer cancel()

	dialURL := wsURL
	// gorilla/websocket dials ws(s):// URLs; ethereum configs sometimes use
	// plain http(s):// for a node that also speaks websocket on the same
	// scheme-agnostic endpoint.
	dialURL = strings.Replace(dialURL, "http://", "ws://", 1)
	dialURL = strings.Replace(dialURL, "https://", "wss://", 1)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket liveness probe failed")
		return false
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(wsPingTimeout))
	if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		logger.Debug().Err(err).Msg("websocket liveness ping failed")
		return false
	}
	return true
}

// Alive reports whether the most recent liveness ping succeeded.
func (w *wsWatchdog) Alive() bool { return w.alive.Load() }

// Stop ends the ping loop.
func (w *wsWatchdog) Stop() { w.cancel() }
