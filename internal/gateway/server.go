package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server runs the gateway's main listener and its admin listener together
// with an errgroup-based run loop: both servers share one shutdown path,
// and either one failing tears down the other.
type Server struct {
	gateway *Gateway
	main    *http.Server
	admin   *http.Server
	log     *zap.Logger
}

// NewServer builds a Server bound to cfg.ListenAddr and cfg.AdminListenAddr.
func NewServer(gw *Gateway) *Server {
	return &Server{
		gateway: gw,
		main: &http.Server{
			Addr:              gw.Config.ListenAddr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		admin: &http.Server{
			Addr:              gw.Config.AdminListenAddr,
			Handler:           gw.AdminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: gw.Logger,
	}
}

// Run starts both listeners and blocks until ctx is canceled (typically by
// a SIGINT/SIGTERM-derived context from cmd/gateway), then shuts both down
// within cfg.ShutdownGraceMS.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("starting main listener", zap.String("addr", s.main.Addr))
		if err := s.main.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.log.Info("starting admin listener", zap.String("addr", s.admin.Addr))
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		grace := time.Duration(s.gateway.Config.ShutdownGraceMS) * time.Millisecond
		return s.Shutdown(grace)
	})

	return g.Wait()
}

// Shutdown gracefully stops both listeners and closes the gateway's
// background watchers and health prober.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.log.Info("shutting down", zap.Duration("grace", grace))

	var firstErr error
	if err := s.main.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.gateway.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
