// Package sampler implements an in-process metrics sampler that reports the
// request rate once per second and measures scheduler lag on its own interval.
package sampler

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultSampleInterval is how often scheduler lag is measured.
	DefaultSampleInterval = time.Second
	// DefaultLagThreshold is the lag above which a warning is logged.
	DefaultLagThreshold = 50 * time.Millisecond

	rateInterval = time.Second
)

// Config controls the lag measurement. The request rate is always reported
// once per second.
type Config struct {
	SampleInterval time.Duration
	LagThreshold   time.Duration
}

// DefaultConfig returns the sampler defaults (1s interval, 50ms threshold).
func DefaultConfig() Config {
	return Config{
		SampleInterval: DefaultSampleInterval,
		LagThreshold:   DefaultLagThreshold,
	}
}

// Validate checks the sampler configuration.
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %v", c.SampleInterval)
	}
	if c.LagThreshold < 0 {
		return fmt.Errorf("lag threshold must not be negative, got %v", c.LagThreshold)
	}
	return nil
}

// Observer receives every sample taken, in addition to the log output.
type Observer interface {
	ObserveRate(requests int64)
	ObserveLag(lag time.Duration)
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock replaces the clock used to measure lag.
func WithClock(c Clock) Option {
	return func(s *Sampler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithObserver registers an Observer for rate and lag samples.
func WithObserver(o Observer) Option {
	return func(s *Sampler) {
		s.observer = o
	}
}

// Sampler counts completed requests and samples scheduler lag.
//
// A nil *Sampler is valid: Incr and Disable are no-ops, so call sites never
// need to check whether metrics were enabled.
type Sampler struct {
	cfg          Config
	logger       zerolog.Logger
	clock        Clock
	observer     Observer
	rateInterval time.Duration

	requests atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Enable validates cfg and starts the rate and lag loops.
func Enable(cfg Config, logger zerolog.Logger, opts ...Option) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sampler config: %w", err)
	}

	s := &Sampler{
		cfg:          cfg,
		logger:       logger.With().Str("component", "sampler").Logger(),
		clock:        realClock{},
		rateInterval: rateInterval,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(2)
	go s.rateLoop()
	go s.lagLoop()

	s.logger.Info().
		Dur("sample_interval", cfg.SampleInterval).
		Dur("lag_threshold", cfg.LagThreshold).
		Msg("Metrics sampler enabled")
	return s, nil
}

// Incr records one completed request. It is safe for concurrent use and
// remains safe after Disable, when counts are simply never reported.
func (s *Sampler) Incr() {
	if s == nil {
		return
	}
	s.requests.Add(1)
}

// Disable stops both loops and waits for them to exit. Calling it more than
// once is harmless.
func (s *Sampler) Disable() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.logger.Info().Msg("Metrics sampler disabled")
	})
}

func (s *Sampler) rateLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.rateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.reportRate()
		}
	}
}

// reportRate reads and resets the request counter.
func (s *Sampler) reportRate() int64 {
	seen := s.requests.Swap(0)
	s.logger.Info().
		Int64("requests", seen).
		Msg("Requests observed in the last second")
	if s.observer != nil {
		s.observer.ObserveRate(seen)
	}
	return seen
}

func (s *Sampler) lagLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkLag()
		}
	}
}

// checkLag measures lag once and warns when it exceeds the threshold.
func (s *Sampler) checkLag() time.Duration {
	lag := s.measureLag()
	if s.observer != nil {
		s.observer.ObserveLag(lag)
	}
	if lag > s.cfg.LagThreshold {
		s.logger.Warn().
			Float64("lag_ms", float64(lag.Microseconds())/1000).
			Dur("threshold", s.cfg.LagThreshold).
			Msg("Scheduler lag above threshold")
	}
	return lag
}

// measureLag hands a probe to a new goroutine that yields once before
// reading the clock, so it queues behind any runnable work.
func (s *Sampler) measureLag() time.Duration {
	start := s.clock.Now()
	done := make(chan time.Duration, 1)
	go func() {
		runtime.Gosched()
		done <- s.clock.Now().Sub(start)
	}()
	return <-done
}
