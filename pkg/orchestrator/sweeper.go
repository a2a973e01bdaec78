package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SweeperConfig controls the background reclamation loops.
type SweeperConfig struct {
	// ApprovalInterval is how often expired approvals are swept.
	ApprovalInterval time.Duration
	// ReservationInterval is how often stale reservations are swept.
	ReservationInterval time.Duration
	// ReservationMaxAge is how long a reservation may stay outstanding.
	ReservationMaxAge time.Duration
}

// DefaultSweeperConfig returns the production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		ApprovalInterval:    30 * time.Second,
		ReservationInterval: 60 * time.Second,
		ReservationMaxAge:   15 * time.Minute,
	}
}

// Sweeper periodically expires overdue approvals and reclaims stale budget
// reservations. One sweeper per process; sweeps are idempotent, so an extra
// instance is wasteful but harmless.
type Sweeper struct {
	orch   *Orchestrator
	cfg    SweeperConfig
	logger *slog.Logger

	approvalsExpired metric.Int64Counter
	reservationsFree metric.Int64Counter

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSweeper creates a sweeper over the orchestrator.
func NewSweeper(orch *Orchestrator, cfg SweeperConfig) *Sweeper {
	if cfg.ApprovalInterval <= 0 {
		cfg.ApprovalInterval = DefaultSweeperConfig().ApprovalInterval
	}
	if cfg.ReservationInterval <= 0 {
		cfg.ReservationInterval = DefaultSweeperConfig().ReservationInterval
	}
	if cfg.ReservationMaxAge <= 0 {
		cfg.ReservationMaxAge = DefaultSweeperConfig().ReservationMaxAge
	}

	meter := otel.Meter("skillrun/sweeper")
	approvalsExpired, _ := meter.Int64Counter("skillrun.approvals.expired",
		metric.WithDescription("Approval requests failed by the expiry sweep"))
	reservationsFree, _ := meter.Int64Counter("skillrun.reservations.released",
		metric.WithDescription("Stale budget reservations reclaimed by the sweep"))

	return &Sweeper{
		orch:             orch,
		cfg:              cfg,
		logger:           slog.Default().With("component", "sweeper"),
		approvalsExpired: approvalsExpired,
		reservationsFree: reservationsFree,
		stop:             make(chan struct{}),
	}
}

// Start launches the sweep loops. They run until Stop or ctx cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, s.cfg.ApprovalInterval, s.sweepApprovals)
	go s.loop(ctx, s.cfg.ReservationInterval, s.sweepReservations)
}

// Stop terminates the loops and waits for in-flight sweeps to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

func (s *Sweeper) sweepApprovals(ctx context.Context) {
	n, err := s.orch.SweepExpiredApprovals(ctx)
	if err != nil {
		s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.approvalsExpired.Add(ctx, int64(n))
		s.logger.Info("approval sweep", slog.Int("expired", n))
	}
}

func (s *Sweeper) sweepReservations(ctx context.Context) {
	n, err := s.orch.SweepStaleReservations(ctx, s.cfg.ReservationMaxAge)
	if err != nil {
		s.logger.Error("reservation sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.reservationsFree.Add(ctx, int64(n))
		s.logger.Info("reservation sweep", slog.Int("released", n))
	}
}
