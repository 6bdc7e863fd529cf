package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrForcedShutdown is returned by Run when the grace period expired before
// in-flight connections finished and they were closed forcibly.
var ErrForcedShutdown = errors.New("graceful shutdown deadline exceeded, connections force-closed")

type serverState int32

const (
	stateStarting serverState = iota
	stateRunning
	stateDraining
	stateTerminated
)

func (s serverState) String() string {
	switch s {
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

func (s *Server) currentState() serverState {
	return serverState(s.state.Load())
}

// shutdown drains the server. The listener is closed right away and
// http.Server.Shutdown waits for in-flight responses while a grace timer runs
// alongside it. Whichever finishes first decides the outcome; the loser is
// cancelled and its result discarded. Signals arriving meanwhile are logged
// and ignored.
func (s *Server) shutdown(trigger os.Signal, signals <-chan os.Signal) error {
	if !s.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		return fmt.Errorf("server cannot shut down from state %s", s.currentState())
	}

	s.health.markNotReady()
	s.metrics.updateHealthMetrics(false, true)

	reason := "stop"
	if trigger != nil {
		reason = trigger.String()
	}
	s.logger.Info().
		Str("reason", reason).
		Dur("timeout", s.gracefulTimeout).
		Int("open_connections", s.conns.count()).
		Msg("Shutting down server")

	s.serverMu.RLock()
	srv := s.server
	s.serverMu.RUnlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drained := make(chan error, 1)
	go func() {
		drained <- srv.Shutdown(ctx)
	}()

	timer := time.NewTimer(s.gracefulTimeout)
	defer timer.Stop()

	seen := map[os.Signal]bool{}
	if trigger != nil {
		seen[trigger] = true
	}

	for {
		select {
		case err := <-drained:
			if n := s.conns.closeAll(); n > 0 {
				s.logger.Debug().Int("connections", n).Msg("Closed lingering connections")
			}
			s.finish()
			if err != nil {
				s.logger.Error().Err(err).Msg("Error during server shutdown")
				return fmt.Errorf("error during server shutdown: %w", err)
			}
			s.logger.Info().Msg("Server shutdown completed")
			return nil
		case <-timer.C:
			n := s.conns.closeAll()
			s.metrics.forcedCloses.Add(float64(n))
			cancel()
			s.logger.Warn().
				Dur("timeout", s.gracefulTimeout).
				Int("connections", n).
				Msg("Graceful shutdown timed out, forcing connections closed")
			s.finish()
			return ErrForcedShutdown
		case sig := <-signals:
			event := s.logger.Debug()
			if !seen[sig] {
				seen[sig] = true
				event = s.logger.Info()
			}
			event.Str("signal", sig.String()).Msg("Shutdown already in progress, ignoring signal")
		}
	}
}

// finish releases everything that outlives the listener. It runs once on
// every path out of Run.
func (s *Server) finish() {
	s.health.markNotReady()
	s.sampler.Disable()
	if err := s.tracer.shutdown(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to flush traces")
	}
	s.metrics.updateHealthMetrics(false, false)
	s.state.Store(int32(stateTerminated))
}
