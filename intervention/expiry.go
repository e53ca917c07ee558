package intervention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corvid-labs/harvest/core"
)

// DefaultExpirySweepCron matches core.Config's InterventionConfig field
// of the same shape — every 5 minutes.
const DefaultExpirySweepCron = "*/5 * * * *"

// ExpirySweeper drives Controller.ExpirePending on a cron schedule,
// grounded in the scheduler pattern used elsewhere in the pack for
// periodic background work (cron.ParseStandard-validated specs rather
// than a hand-rolled ticker).
type ExpirySweeper struct {
	controller *Controller
	cron       *cron.Cron
	logger     core.Logger
}

// NewExpirySweeper validates spec eagerly so a malformed cron
// expression fails at startup, not on the first missed sweep.
func NewExpirySweeper(controller *Controller, spec string, logger core.Logger) (*ExpirySweeper, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, core.NewFrameworkError("intervention.NewExpirySweeper", "config", err)
	}

	s := &ExpirySweeper{
		controller: controller,
		cron:       cron.New(),
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, core.NewFrameworkError("intervention.NewExpirySweeper", "config", err)
	}
	return s, nil
}

func (s *ExpirySweeper) sweep() {
	ctx := context.Background()
	n, err := s.controller.ExpirePending(ctx, time.Now())
	if err != nil {
		s.logger.Error("intervention expiry sweep failed", map[string]interface{}{
			"operation": "intervention_expiry_sweep", "error": err.Error(),
		})
		return
	}
	if n > 0 {
		s.logger.Info("intervention expiry sweep expired tasks", map[string]interface{}{
			"operation": "intervention_expiry_sweep", "count": n,
		})
	}
}

// Start begins the cron schedule. Stop is idempotent and safe to call
// even if Start was never called.
func (s *ExpirySweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *ExpirySweeper) Stop() { <-s.cron.Stop().Done() }
