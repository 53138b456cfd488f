package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/config"
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/ecs"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/node"
	"github.com/QYUbit/cosync/pkg/remap"
	"github.com/QYUbit/cosync/pkg/replica"
	"github.com/QYUbit/cosync/pkg/transport"
	quictransport "github.com/QYUbit/cosync/pkg/transport/quic"
	redistransport "github.com/QYUbit/cosync/pkg/transport/redis"
	websockets "github.com/QYUbit/cosync/pkg/transport/websocket"
	wtransport "github.com/QYUbit/cosync/pkg/transport/webtransport"
)

// quicALPN is negotiated on raw QUIC connections.
const quicALPN = "cosync/1"

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	addr      string
	networkID uint32
	role      string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a peer",
		Long: `Run a peer: serve WebSocket (and optionally WebTransport and QUIC) connections,
dial the configured peers, join the Redis channel and synchronize every tick.

Flags override the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = opts.addr
			}
			if cmd.Flags().Changed("network-id") {
				cfg.NetworkID = opts.networkID
			}
			if cmd.Flags().Changed("role") {
				cfg.Role = opts.role
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid config", err)
			}

			log, err := newLogger(cfg.Log, rootOpts.Verbose, cmd.ErrOrStderr())
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid log config", err)
			}

			p, err := newPeer(cfg, log)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to set up peer", err)
			}
			if err := p.serve(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "peer stopped", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address")
	cmd.Flags().Uint32Var(&opts.networkID, "network-id", 0, "network id of this peer")
	cmd.Flags().StringVar(&opts.role, "role", config.RolePeer, "peer or authority")
	return cmd
}

// peer wires one replica to the transports the config asks for.
type peer struct {
	cfg     config.Config
	log     colog.Logger
	world   *ecs.World
	replica *replica.Replica
	node    *node.Node
	router  *mux.Router
}

func newPeer(cfg config.Config, log colog.Logger) (*peer, error) {
	world := ecs.NewWorld()
	for _, c := range cfg.Components {
		switch c.Kind {
		case config.ComponentTransform:
			ecs.Register[ecs.Transform](world, entity.ComponentID(c.ID), ecs.TransformCodec{})
		case config.ComponentRaw:
			ecs.RegisterRaw(world, entity.ComponentID(c.ID))
		default:
			return nil, fmt.Errorf("unknown component kind %q", c.Kind)
		}
	}

	role := replica.RolePeer
	if cfg.Role == config.RoleAuthority {
		role = replica.RoleAuthority
	}

	remapOpts := []remap.Option{
		remap.WithTombstoneCapacity(cfg.TombstoneCapacity),
		remap.WithLazyParents(cfg.LazyParents()),
	}
	if cfg.Parent.Disabled {
		remapOpts = append(remapOpts, remap.WithoutParentField())
	} else {
		remapOpts = append(remapOpts, remap.WithParentField(remap.ParentField{
			Component: entity.ComponentID(cfg.Parent.Component),
			Offset:    cfg.Parent.Offset,
		}))
	}

	r := replica.New(world, entity.NetworkID(cfg.NetworkID),
		replica.WithLogger(log),
		replica.WithRole(role),
		replica.WithCorrectRejected(cfg.CorrectRejected),
		replica.WithInboundByteCap(cfg.InboundByteCap),
		replica.WithStateOptions(crdt.WithAppendSetSize(cfg.AppendSetSize)),
		replica.WithRemapOptions(remapOpts...),
	)

	p := &peer{
		cfg:     cfg,
		log:     log,
		world:   world,
		replica: r,
		node:    node.New(r, node.WithLogger(log)),
		router:  mux.NewRouter(),
	}

	p.router.Handle("/ws", websockets.NewHandler(p.linkConfig(), func(c *websockets.Conn) { p.add(c) }))
	p.router.HandleFunc("/debug/stats", p.handleStats).Methods(http.MethodGet)
	return p, nil
}

func (p *peer) linkConfig() transport.LinkConfig {
	return transport.LinkConfig{
		MaxFrameSize: p.cfg.Link.MaxFrameSize,
		RateLimit:    rate.Limit(p.cfg.Link.RateLimit),
		RateBurst:    p.cfg.Link.RateBurst,
		Logger:       p.log,
	}
}

func (p *peer) add(c node.Conn) {
	if err := p.node.Add(c); err != nil {
		p.log.Warn("failed to add peer", "transport", c.Type(), "error", err)
	}
}

type statsResponse struct {
	Network uint32 `json:"network"`
	Role    string `json:"role"`
	Peers   int    `json:"peers"`
	replica.Stats
}

func (p *peer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsResponse{
		Network: uint32(p.replica.Network()),
		Role:    p.replica.Role().String(),
		Peers:   p.node.Len(),
		Stats:   p.replica.Stats(),
	})
}

// serve runs until ctx ends or a listener fails.
func (p *peer) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if p.cfg.HTTP.WebTransport {
		cert, err := tls.LoadX509KeyPair(p.cfg.HTTP.CertFile, p.cfg.HTTP.KeyFile)
		if err != nil {
			return fmt.Errorf("webtransport certificate: %w", err)
		}
		wt := wtransport.NewServer(&webtransport.Server{
			H3: http3.Server{
				Addr:      p.cfg.HTTP.Addr,
				TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
				Handler:   p.router,
			},
		}, p.linkConfig(), func(c *wtransport.Conn) { p.add(c) })
		p.router.Handle("/wt", wt)
		g.Go(func() error { return wt.ListenAndServe(ctx) })
	}

	if p.cfg.QUIC.Addr != "" {
		cert, err := tls.LoadX509KeyPair(p.cfg.QUIC.CertFile, p.cfg.QUIC.KeyFile)
		if err != nil {
			return fmt.Errorf("quic certificate: %w", err)
		}
		ln := quictransport.NewListener(p.cfg.QUIC.Addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
		}, nil, p.linkConfig())
		if err := ln.Listen(); err != nil {
			return fmt.Errorf("quic listen: %w", err)
		}
		p.log.Info("quic listening", "addr", ln.Addr().String())

		g.Go(func() error {
			err := p.node.Serve(ctx, func(ctx context.Context) (node.Conn, error) {
				c, err := ln.Accept(ctx)
				if err != nil {
					return nil, err
				}
				return c, nil
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, node.ErrNodeClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}

	if rc := p.cfg.Redis; rc != nil {
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		bus, err := redistransport.Open(ctx, client, rc.Channel, p.linkConfig())
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("redis: %w", err)
		}
		p.add(bus)
		g.Go(func() error {
			<-ctx.Done()
			return client.Close()
		})
	}

	for _, d := range p.cfg.Dial {
		g.Go(func() error {
			c, err := p.dial(ctx, d)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Error("failed to dial peer", "kind", d.Kind, "url", d.URL, "error", err)
				return nil
			}
			p.add(c)
			return nil
		})
	}

	srv := &http.Server{Addr: p.cfg.HTTP.Addr, Handler: p.router}
	g.Go(func() error {
		p.log.Info("http listening", "addr", p.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	g.Go(func() error {
		return p.replica.Run(ctx, p.cfg.TickRate)
	})

	err := g.Wait()
	if cerr := p.node.Close(); cerr != nil && !errors.Is(cerr, node.ErrNodeClosed) {
		p.log.Warn("closing connections", "error", cerr)
	}
	_ = p.replica.Close()
	return err
}

func (p *peer) dial(ctx context.Context, d config.DialTarget) (node.Conn, error) {
	switch d.Kind {
	case config.DialWebSocket:
		return websockets.Dial(ctx, d.URL, nil, p.linkConfig())

	case config.DialQUIC:
		return quictransport.Dial(ctx, d.URL, &tls.Config{
			InsecureSkipVerify: d.Insecure,
			NextProtos:         []string{quicALPN},
		}, nil, p.linkConfig())

	case config.DialWebTransport:
		dialer := &webtransport.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: d.Insecure}}
		return wtransport.Dial(ctx, dialer, d.URL, nil, p.linkConfig())
	}
	return nil, fmt.Errorf("unknown dial kind %q", d.Kind)
}
