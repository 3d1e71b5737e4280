// Package scheduler drives the PoC lifecycle: watch the chain for the next
// proof-of-compute window, rent a GPU instance just in time, wait for the
// application inside to become ready, register it with the control plane,
// sit out the phase, then unregister and destroy the instance.
//
// One rule dominates the design: the rented instance bills for every second
// it exists, so every exit path after a successful create converges on
// cleanup, and unregister always runs strictly before destroy so the
// control plane never routes work to a dead target.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

// State identifies where the scheduler is in the PoC cycle.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingLead  State = "awaiting-lead-time"
	StateProvisioning  State = "provisioning"
	StateWaitingReady  State = "waiting-ready"
	StateRegistering   State = "registering"
	StateActive        State = "active"
	StateUnregistering State = "unregistering"
	StateDestroying    State = "destroying"
	StateAborted       State = "aborted"
)

// Marketplace is the slice of the marketplace client the scheduler needs.
type Marketplace interface {
	SearchOffers(ctx context.Context) ([]models.Offer, error)
	CreateInstance(ctx context.Context, offer *models.Offer) (*models.Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*models.InstanceStatus, error)
	DestroyInstance(ctx context.Context, instanceID string) error
	ResolveExternalPort(ctx context.Context, instanceID string, internalPort int) (int, error)
}

// Registrar is the slice of the control-plane client the scheduler needs.
type Registrar interface {
	Register(ctx context.Context, rec models.NodeRegistration) error
	Unregister(ctx context.Context, nodeID string) error
	NodeStatus(ctx context.Context, nodeID string) (*models.RegisteredNode, bool, error)
}

// Prober waits for the application inside an instance to report ready.
type Prober interface {
	WaitUntilReady(ctx context.Context, stateURL string, timeout, interval time.Duration) error
}

// WindowMonitor predicts the next PoC window from chain state.
type WindowMonitor interface {
	NextWindow(ctx context.Context) (*models.PoCWindow, error)
}

// Scheduler runs the sequential PoC loop. There is never more than one
// live instance per scheduler; this is a single-tenant cycle runner, not a
// pool manager.
type Scheduler struct {
	cfg     config.SchedulerConfig
	nodeCfg config.NodeConfig

	market  Marketplace
	reg     Registrar
	prober  Prober
	monitor WindowMonitor

	logger *zap.Logger
	spend  *SpendTracker

	state State
	// current is the one optional live instance, owned exclusively by the
	// cycle that created it.
	current *models.Instance

	// lastEpoch prevents re-running a cycle for an epoch already served.
	lastEpoch int64

	now func() time.Time
}

// New creates a scheduler over the given collaborators.
func New(
	cfg config.SchedulerConfig,
	nodeCfg config.NodeConfig,
	market Marketplace,
	reg Registrar,
	prober Prober,
	monitor WindowMonitor,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		nodeCfg: nodeCfg,
		market:  market,
		reg:     reg,
		prober:  prober,
		monitor: monitor,
		logger:  logger,
		spend:   NewSpendTracker(cfg.MaxDailySpend),
		state:   StateIdle,
		now:     time.Now,
	}
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	return s.state
}

// Run executes the monitoring loop until the context is canceled. Failed
// cycles are logged and the loop continues; resilience beats
// crash-and-restart here because a crash mid-cycle orphans a billing
// instance.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("lead_time", s.cfg.LeadTime),
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Duration("startup_timeout", s.cfg.StartupTimeout),
		zap.Float64("max_daily_spend", s.cfg.MaxDailySpend))

	for {
		window, err := s.monitor.NextWindow(ctx)
		switch {
		case err != nil:
			// The chain endpoint being unreachable past its retry budget
			// means this cycle is skipped, not that the process dies.
			s.logger.Error("cannot compute next PoC window, skipping cycle", zap.Error(err))
		case window.InLead(s.now()) && window.EpochIndex != s.lastEpoch:
			s.logger.Info("PoC window approaching, starting cycle",
				zap.Int64("epoch", window.EpochIndex),
				zap.Time("poc_start", window.StartsAt),
				zap.Time("poc_end", window.EndsAt))
			session := s.RunCycle(ctx, window)
			s.lastEpoch = window.EpochIndex
			s.logSummary(session)
		case window.InLead(s.now()):
			s.logger.Debug("epoch already served, waiting for the next one",
				zap.Int64("epoch", window.EpochIndex))
		default:
			s.logger.Info("waiting for lead time",
				zap.Int64("epoch", window.EpochIndex),
				zap.Duration("time_to_poc", window.StartsAt.Sub(s.now())),
				zap.Time("lead_at", window.LeadAt))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-time.After(s.cfg.CheckInterval):
		}
	}
}

// transition logs and applies a state change. All lifecycle mutations of
// the current instance flow through the cycle that owns it.
func (s *Scheduler) transition(to State, fields ...zap.Field) {
	fields = append(fields, zap.String("from", string(s.state)), zap.String("to", string(to)))
	if s.current != nil {
		fields = append(fields, zap.String("instance_id", s.current.InstanceID))
	}
	s.logger.Info("state transition", fields...)
	s.state = to
}

func (s *Scheduler) logSummary(session *models.Session) {
	if session == nil {
		return
	}
	fields := []zap.Field{
		zap.Int64("epoch", session.EpochIndex),
		zap.String("outcome", string(session.Outcome)),
		zap.Duration("duration", session.Duration()),
		zap.Float64("cost", session.Cost),
		zap.Float64("daily_spend", s.spend.Spent()),
	}
	if session.InstanceID != "" {
		fields = append(fields, zap.String("instance_id", session.InstanceID))
	}
	if session.Error != "" {
		fields = append(fields, zap.String("error", session.Error))
	}
	s.logger.Info("PoC cycle finished", fields...)
}
