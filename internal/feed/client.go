package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/hostswitch/internal/logger"
)

// EventsPath is where the control server serves the feed.
const EventsPath = "/v1/events"

// URL turns a control server base URL into the feed URL.
func URL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/") + EventsPath
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// Subscribe reads events from url until ctx ends or the connection drops.
func Subscribe(ctx context.Context, url string, fn func(Event)) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to change feed: %w", err)
	}
	defer conn.CloseNow()

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return ctx.Err()
			}
			return fmt.Errorf("change feed closed: %w", err)
		}
		fn(ev)
	}
}

// Watch is Subscribe with reconnects. It returns when ctx ends.
func Watch(ctx context.Context, url string, retry time.Duration, fn func(Event)) error {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	for {
		err := Subscribe(ctx, url, fn)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("feed: %v; reconnecting in %s", err, retry)

		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
