package websockets

import (
	"context"
	"net/http"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

// Dial connects to url, retrying with exponential backoff until ctx ends or the
// backoff gives up. Handshake rejections by the server are not retried.
func Dial(ctx context.Context, url string, header http.Header, linkCfg transport.LinkConfig) (*Conn, error) {
	log := colog.OrNop(linkCfg.Logger)

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			log.Debug("websocket dial failed", "url", url, "error", err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, err
	}
	return newConn(conn, linkCfg), nil
}
