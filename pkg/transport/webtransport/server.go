package webtransport

import (
	"context"
	"net"
	"net/http"

	"github.com/quic-go/webtransport-go"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

// Server accepts WebTransport sessions on a caller-configured webtransport.Server.
type Server struct {
	server    *webtransport.Server
	linkCfg   transport.LinkConfig
	onConnect func(*Conn)
	log       colog.Logger
}

func NewServer(server *webtransport.Server, linkCfg transport.LinkConfig, onConnect func(*Conn)) *Server {
	return &Server{
		server:    server,
		linkCfg:   linkCfg,
		onConnect: onConnect,
		log:       colog.OrNop(linkCfg.Logger),
	}
}

// ServeHTTP upgrades a CONNECT request routed to the session path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := s.server.Upgrade(w, r)
	if err != nil {
		s.log.Warn("webtransport upgrade failed", "remote", getAddress(r), "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c := newConn(session, s.linkCfg)
	s.log.Info("webtransport peer connected", "transport", c.Type(), "remote", getAddress(r))
	if s.onConnect != nil {
		s.onConnect(c)
	}
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.server.Close()
		return nil
	case err := <-errc:
		return err
	}
}

func (s *Server) Close() error {
	return s.server.Close()
}

func getAddress(r *http.Request) string {
	xRealIP := r.Header.Get("X-Real-IP")
	if xRealIP != "" {
		if ip := net.ParseIP(xRealIP); ip != nil {
			return xRealIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Dial opens a session to url.
func Dial(ctx context.Context, d *webtransport.Dialer, url string, header http.Header, linkCfg transport.LinkConfig) (*Conn, error) {
	if d == nil {
		d = &webtransport.Dialer{}
	}
	_, session, err := d.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newConn(session, linkCfg), nil
}
