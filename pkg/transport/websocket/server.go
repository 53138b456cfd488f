package websockets

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

// Handler upgrades HTTP requests and hands every new connection to OnConnect.
type Handler struct {
	upgrader  websocket.Upgrader
	linkCfg   transport.LinkConfig
	onConnect func(*Conn)
	log       colog.Logger
}

func NewHandler(linkCfg transport.LinkConfig, onConnect func(*Conn)) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		linkCfg:   linkCfg,
		onConnect: onConnect,
		log:       colog.OrNop(linkCfg.Logger),
	}
}

// SetCheckOrigin replaces the default, which accepts every origin.
func (h *Handler) SetCheckOrigin(fn func(*http.Request) bool) {
	h.upgrader.CheckOrigin = fn
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(conn, h.linkCfg)
	h.log.Info("websocket peer connected", "transport", c.Type(), "remote", r.RemoteAddr)
	if h.onConnect != nil {
		h.onConnect(c)
	}
}
