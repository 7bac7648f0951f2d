package main

import (
	"context"
	"errors"
	"time"

	"sockkit/internal/config"
	"sockkit/internal/logger"
	"sockkit/pkg/network"
	"sockkit/pkg/pool"
	"sockkit/pkg/secure"
	"sockkit/pkg/telemetry"
	"sockkit/pkg/transfer"

	"go.uber.org/zap"
)

var lineEnd = transfer.EndsWith([]byte("\n"))

// echoSession 每个连接的回显会话
type echoSession struct {
	cfg      *config.ServerConfig
	peer     string
	messages int
}

func (s *echoSession) Serve(ctx context.Context, c *pool.Connection) {
	for {
		msg, err := c.ReceiveMessage(ctx, s.cfg.ReceiveTimeout, lineEnd,
			transfer.WithPollInterval(s.cfg.PollInterval),
			transfer.WithMaxBytes(s.cfg.MaxMessageSize),
		)
		if err != nil {
			s.finish(c, err)
			return
		}
		if _, err := c.TransmitAll(ctx, msg, s.cfg.TransmitTimeout, transfer.WithPollInterval(s.cfg.PollInterval)); err != nil {
			s.finish(c, err)
			return
		}
		s.messages++
	}
}

func (s *echoSession) finish(c *pool.Connection, err error) {
	fields := []zap.Field{
		zap.Uint64("id", c.ID()),
		zap.String("peer", s.peer),
		zap.Int("messages", s.messages),
	}
	switch {
	case errors.Is(err, transfer.ErrClosed), errors.Is(err, transfer.ErrAborted):
		logger.Debug("Session ended", fields...)
	case errors.Is(err, transfer.ErrTimeout):
		logger.Info("Session idle, closing", fields...)
	default:
		logger.Warn("Session failed", append(fields, zap.Error(err))...)
	}
}

func newEchoServer(cfg *config.ServerConfig) (*network.SocketServer, error) {
	var srv *network.SocketServer
	opts := network.ServerOptions{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Backlog:            cfg.Backlog,
		AcceptPollInterval: cfg.AcceptPollInterval,
		PollInterval:       cfg.PollInterval,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		MaxConnections:     cfg.MaxConnections,
		InactivityTimeout:  cfg.InactivityTimeout,
		InactivityHandler: func(c *pool.Connection) bool {
			logger.Info("Closing idle connection",
				zap.Uint64("id", c.ID()),
				zap.Stringer("peer", c.Peer()),
				zap.Duration("idle", time.Since(c.LastActivity())),
			)
			return false
		},
		Factory: func(_ pool.ConnectionType, peer string) any {
			return &echoSession{cfg: cfg, peer: peer}
		},
		AliveHandler: func() {
			logger.Debug("Echo server alive", zap.Int("connections", srv.Pool().Count()))
		},
		ErrorHandler: func(err error) {
			logger.Error("Accept loop error", zap.Error(err))
		},
		Sink: telemetry.NewZapSink(logger.Named("sockkit")),
	}
	if cfg.TLS.Enabled() {
		opts.TLS = &secure.Config{
			CertFile:     cfg.TLS.CertFile,
			KeyFile:      cfg.TLS.KeyFile,
			ClientCAFile: cfg.TLS.ClientCAFile,
		}
	}

	srv, err := network.NewSocketServer(opts)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
