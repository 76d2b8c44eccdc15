package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/hostswitch/internal/logger"
)

const writeTimeout = 5 * time.Second

// Handler streams events from b. A new connection first gets a ready
// event, then the latest event published before it connected.
func Handler(b *Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("feed: websocket accept failed: %v", err)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub := b.Subscribe(64)
		defer b.Unsubscribe(sub)

		if err := write(ctx, conn, NewEvent(TypeReady, 0, nil)); err != nil {
			return
		}
		if last, ok := b.Last(); ok {
			if err := write(ctx, conn, last); err != nil {
				return
			}
		}

		readErr := make(chan error, 1)
		go func() {
			defer logger.Recover("feedReader")
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case ev, ok := <-sub:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
				if err := write(ctx, conn, ev); err != nil {
					conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
