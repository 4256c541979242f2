// Package server binds the relay's listener and runs the HTTP server over it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/tlsconfig"
)

// Listen binds the configured address. With proxy_protocol enabled a PROXY
// header, when present, replaces the peer address; with tlsCfg set every
// accepted connection is wrapped in a server-side TLS handshake.
func Listen(cfg *config.Config, tlsCfg *tls.Config) (net.Listener, error) {
	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if cfg.Server.ProxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
		}
	}

	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	return ln, nil
}

// Configure applies listener timeouts, error logging and protocol settings to
// the echo server. The handshake of each TLS connection is bounded by the
// read-header timeout; malformed requests are answered with 400 by net/http.
func Configure(e *echo.Echo, cfg *config.Config, logger *slog.Logger, tlsCfg *tls.Config) error {
	e.Server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout()
	e.Server.IdleTimeout = cfg.Server.IdleTimeout()
	// No read or write deadline: bodies stream in both directions for as long
	// as the peers keep them moving.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.ErrorLog = slog.NewLogLogger(logger.With("component", "http_server").Handler(), slog.LevelWarn)

	if tlsCfg != nil {
		e.Server.TLSConfig = tlsCfg
		if err := http2.ConfigureServer(e.Server, &http2.Server{
			IdleTimeout: cfg.Server.IdleTimeout(),
		}); err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}
		return nil
	}

	if cfg.Server.H2C {
		e.Server.Handler = h2c.NewHandler(e, &http2.Server{
			IdleTimeout: cfg.Server.IdleTimeout(),
		})
	}
	return nil
}

// Params are the dependencies of Start.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Echo      *echo.Echo
	Config    *config.Config
	Logger    *slog.Logger
	Certs     *tlsconfig.CertStore `optional:"true"`
}

// Start registers the listener with the fx lifecycle. Bind and TLS errors
// fail startup; shutdown stops accepting, waits up to the grace period for
// in-flight requests and then closes what remains.
func Start(p Params) error {
	var tlsCfg *tls.Config
	if p.Config.TLSEnabled() {
		if p.Certs == nil {
			return errors.New("tls enabled but no certificate store configured")
		}
		tlsCfg = tlsconfig.ServerConfig(p.Certs)
	}

	if err := Configure(p.Echo, p.Config, p.Logger, tlsCfg); err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := Listen(p.Config, p.Echo.Server.TLSConfig)
			if err != nil {
				return err
			}
			p.Logger.Info("starting server",
				"addr", ln.Addr().String(),
				"tls", tlsCfg != nil,
				"proxy_protocol", p.Config.Server.ProxyProtocol,
				"upstream", p.Config.Upstream.BaseURL,
			)

			go func() {
				if err := p.Echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("server error", "err", err)
				}
			}()

			if tlsCfg != nil && p.Config.TLS.Reload {
				go func() {
					if err := p.Certs.Watch(watchCtx); err != nil {
						p.Logger.Error("certificate watcher stopped", "err", err)
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			p.Logger.Info("shutting down server", "grace", p.Config.Server.ShutdownGrace().String())
			return Shutdown(ctx, p.Echo.Server, p.Config.Server.ShutdownGrace(), p.Logger)
		},
	})
	return nil
}

// Shutdown stops srv gracefully within grace and force-closes the remaining
// connections once it elapses.
func Shutdown(ctx context.Context, srv *http.Server, grace time.Duration, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err == nil {
		return nil
	}

	logger.Warn("grace period elapsed, closing remaining connections", "err", err)
	if cerr := srv.Close(); cerr != nil {
		return fmt.Errorf("close server: %w", cerr)
	}
	return nil
}
