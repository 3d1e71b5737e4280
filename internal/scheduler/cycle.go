package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/models"
)

// RunCycle executes one complete PoC cycle for the given window:
// provision, wait-ready, register, sit out the phase, then clean up. It
// always returns the scheduler to Idle and never panics the loop; the
// returned session records how the cycle went.
func (s *Scheduler) RunCycle(ctx context.Context, window *models.PoCWindow) *models.Session {
	session := &models.Session{
		EpochIndex: window.EpochIndex,
		StartedAt:  s.now(),
		Outcome:    models.SessionPending,
	}

	if !s.spend.Allow() {
		s.logger.Warn("daily spend limit reached, skipping cycle",
			zap.Int64("epoch", window.EpochIndex),
			zap.Float64("spent", s.spend.Spent()),
			zap.Float64("limit", s.cfg.MaxDailySpend))
		s.finish(session, models.SessionSkipped, "daily spend limit reached")
		return session
	}

	s.transition(StateAwaitingLead, zap.Int64("epoch", window.EpochIndex))

	// Provision. Everything after a successful create must converge on
	// cleanup, no matter how it fails.
	s.transition(StateProvisioning)
	inst, err := s.provision(ctx)
	if err != nil {
		s.logger.Error("provisioning failed, giving up this cycle", zap.Error(err))
		s.transition(StateIdle)
		s.finish(session, models.SessionFailed, fmt.Sprintf("provisioning: %v", err))
		return session
	}
	s.current = inst
	session.InstanceID = inst.InstanceID
	nodeID := fmt.Sprintf("%s-%s", s.nodeCfg.IDPrefix, inst.InstanceID)
	session.NodeID = nodeID

	defer func() {
		s.cleanup(ctx, nodeID, session)
		s.current = nil
		s.transition(StateIdle)
	}()

	// Wait for the application inside the instance to be reachable and
	// ready. The marketplace calling the machine "running" is not enough.
	s.transition(StateWaitingReady)
	if err := s.waitReady(ctx, inst); err != nil {
		s.transition(StateAborted, zap.Error(err))
		s.finish(session, models.SessionFailed, fmt.Sprintf("readiness: %v", err))
		return session
	}

	// Register with the control plane.
	s.transition(StateRegistering)
	if err := s.reg.Register(ctx, s.registration(nodeID, inst)); err != nil {
		s.transition(StateAborted, zap.Error(err))
		s.finish(session, models.SessionFailed, fmt.Sprintf("registration: %v", err))
		return session
	}
	inst.State = models.InstanceRegistered

	// Sit out the PoC phase.
	s.transition(StateActive, zap.Time("phase_end", window.EndsAt))
	s.awaitPhaseCompletion(ctx, nodeID, window)

	s.finish(session, models.SessionCompleted, "")
	return session
}

// provision searches for the cheapest matching offer and rents it,
// retrying up to the configured attempt budget.
func (s *Scheduler) provision(ctx context.Context) (*models.Instance, error) {
	attempts := s.cfg.ProvisionAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		offers, err := s.market.SearchOffers(ctx)
		if err != nil {
			lastErr = err
		} else {
			inst, err := s.market.CreateInstance(ctx, &offers[0])
			if err == nil {
				inst.CreatedAt = s.now()
				return inst, nil
			}
			lastErr = err
		}

		s.logger.Warn("provisioning attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(lastErr))

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.ProvisionRetryWait):
			}
		}
	}
	return nil, lastErr
}

// waitReady resolves the instance's address and external port, then polls
// the application's state endpoint until ready.
func (s *Scheduler) waitReady(ctx context.Context, inst *models.Instance) error {
	if err := s.awaitHostAssignment(ctx, inst); err != nil {
		return err
	}

	port, err := s.market.ResolveExternalPort(ctx, inst.InstanceID, inst.InternalPort)
	if err != nil {
		return err
	}
	inst.ExternalPort = port

	stateURL := inst.AppBaseURL() + s.nodeCfg.APISegment + "/state"
	if err := s.prober.WaitUntilReady(ctx, stateURL, s.cfg.StartupTimeout, s.cfg.ProbeInterval); err != nil {
		return err
	}

	now := s.now()
	inst.ReadyAt = &now
	inst.State = models.InstanceReady
	return nil
}

// awaitHostAssignment polls the marketplace until the instance has a
// public address, bounded by the startup timeout. A machine that reports
// failed/exited is beyond recovery for this rental.
func (s *Scheduler) awaitHostAssignment(ctx context.Context, inst *models.Instance) error {
	deadline := s.now().Add(s.cfg.StartupTimeout)
	for {
		status, err := s.market.GetInstance(ctx, inst.InstanceID)
		if err != nil {
			s.logger.Warn("instance status poll failed",
				zap.String("instance_id", inst.InstanceID),
				zap.Error(err))
		} else {
			if status.Failed() {
				return fmt.Errorf("instance %s failed to start (status %q)", inst.InstanceID, status.ActualStatus)
			}
			if status.SSHHost != "" && status.Running() {
				inst.Host = status.SSHHost
				inst.SSHPort = status.SSHPort
				return nil
			}
		}

		if s.now().After(deadline) {
			return fmt.Errorf("instance %s never reported a public address", inst.InstanceID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
}

// registration builds the node descriptor for the control plane.
func (s *Scheduler) registration(nodeID string, inst *models.Instance) models.NodeRegistration {
	return models.NodeRegistration{
		ID:               nodeID,
		Host:             inst.Host,
		InferencePort:    inst.ExternalPort,
		InferenceSegment: s.nodeCfg.InferenceSegment,
		PoCPort:          inst.ExternalPort,
		PoCSegment:       s.nodeCfg.APISegment,
		MaxConcurrent:    s.nodeCfg.MaxConcurrent,
		Models: map[string]models.ModelEntry{
			s.nodeCfg.PoCModel: {Args: []string{}},
		},
		Hardware: []models.HardwareEntry{
			{Type: s.nodeCfg.HardwareType, Count: s.nodeCfg.HardwareCount},
		},
	}
}

// awaitPhaseCompletion waits out the PoC phase. The control plane's
// reported node status is authoritative when available; the predicted
// window end plus the configured safety margin is the fallback. Our own
// time estimate is never trusted on its own while the control plane still
// shows work in flight.
func (s *Scheduler) awaitPhaseCompletion(ctx context.Context, nodeID string, window *models.PoCWindow) {
	// Completion statuses before the phase even starts mean the work has
	// not begun, not that it finished; hold off until the predicted start.
	if wait := window.StartsAt.Sub(s.now()); wait > 0 {
		s.logger.Info("waiting for PoC phase start",
			zap.Int64("epoch", window.EpochIndex),
			zap.Duration("in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	deadline := window.EndsAt.Add(s.cfg.PhaseTimeout)
	for {
		node, found, err := s.reg.NodeStatus(ctx, nodeID)
		switch {
		case err != nil:
			s.logger.Warn("phase status check failed", zap.String("node_id", nodeID), zap.Error(err))
		case found && node.PoCDone():
			s.logger.Info("control plane reports PoC completed",
				zap.String("node_id", nodeID),
				zap.String("status", node.State.PoCCurrentStatus))
			return
		case found:
			s.logger.Debug("PoC in progress",
				zap.String("node_id", nodeID),
				zap.String("status", node.State.PoCCurrentStatus))
		default:
			s.logger.Warn("node missing from control plane listing", zap.String("node_id", nodeID))
		}

		if s.now().After(deadline) {
			s.logger.Warn("phase completion deadline reached, tearing down on time estimate",
				zap.String("node_id", nodeID),
				zap.Time("deadline", deadline))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PhasePollInterval):
		}
	}
}

// cleanup is the single convergence point of every cycle that created an
// instance: unregister first, destroy second, in that order, always.
// Failures here are logged but never escalated; a stuck billing instance
// must not take the scheduler loop down with it.
func (s *Scheduler) cleanup(ctx context.Context, nodeID string, session *models.Session) {
	// Cleanup must run even when the surrounding context was canceled by
	// shutdown; it gets its own bounded lifetime.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	inst := s.current
	if inst == nil {
		return
	}
	inst.State = models.InstanceDraining

	s.transition(StateUnregistering)
	if err := s.reg.Unregister(ctx, nodeID); err != nil {
		s.logger.Error("cleanup: unregister failed",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}

	// Capture the final cost while the instance record still exists.
	if status, err := s.market.GetInstance(ctx, inst.InstanceID); err == nil && status.TotalCost > 0 {
		session.Cost = status.TotalCost
		s.spend.Add(status.TotalCost)
	}

	s.transition(StateDestroying)
	if err := s.market.DestroyInstance(ctx, inst.InstanceID); err != nil {
		s.logger.Error("cleanup: destroy failed, instance may still be billing",
			zap.String("instance_id", inst.InstanceID),
			zap.Error(err))
		return
	}
	inst.State = models.InstanceDestroyed
}

func (s *Scheduler) finish(session *models.Session, outcome models.SessionOutcome, errMsg string) {
	now := s.now()
	session.EndedAt = &now
	session.Outcome = outcome
	session.Error = errMsg
}
