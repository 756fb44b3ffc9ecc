package triage

import (
	"context"
	"strings"
	"time"

	"github.com/switchboard-systems/switchboard/internal/logging"
	"github.com/switchboard-systems/switchboard/internal/models"
	"github.com/switchboard-systems/switchboard/internal/repository"
)

// AffinityRouter keeps conversation threads sticky to the worker that last
// handled them, within a configurable TTL. It is consulted before rule
// evaluation and a hit short-circuits the rule engine, so a thread stays with
// its worker even when the rule set changes mid-conversation.
type AffinityRouter struct {
	rules    repository.RuleRepository
	dispatch repository.DispatchRepository
	logger   *logging.Logger
	now      func() time.Time
}

func NewAffinityRouter(rules repository.RuleRepository, dispatch repository.DispatchRepository, logger *logging.Logger) *AffinityRouter {
	return &AffinityRouter{rules: rules, dispatch: dispatch, logger: logger, now: time.Now}
}

// Override value forms stored in ThreadAffinitySettings.Overrides.
const (
	overrideDisabled    = "disabled"
	overrideForcePrefix = "force:"
)

// Resolve returns the sticky target for a thread, if any. Per-thread
// overrides win over history: "disabled" opts the thread out entirely and
// "force:<target>" pins it unconditionally. Otherwise the most recent
// successful handoff within the TTL decides.
func (r *AffinityRouter) Resolve(ctx context.Context, threadID, sourceChannel string) (string, bool, error) {
	if threadID == "" {
		return "", false, nil
	}

	settings, err := r.rules.GetAffinitySettings(ctx)
	if err != nil {
		return "", false, err
	}
	if !settings.Enabled {
		return "", false, nil
	}

	if override, exists := settings.Overrides[threadID]; exists {
		if override == overrideDisabled {
			return "", false, nil
		}
		if target, ok := strings.CutPrefix(override, overrideForcePrefix); ok && target != "" {
			r.logger.DebugContext(ctx, "thread affinity override", "thread_id", threadID, "target", target)
			return target, true, nil
		}
		r.logger.WarnContext(ctx, "ignoring malformed affinity override",
			"thread_id", threadID, "override", override)
	}

	ttl := time.Duration(settings.TTLDays) * 24 * time.Hour
	if ttl <= 0 {
		return "", false, nil
	}
	since := r.now().UTC().Add(-ttl)

	latest, err := r.dispatch.LatestRouteForThread(ctx, threadID, sourceChannel, since)
	if err != nil {
		return "", false, err
	}
	if latest == nil {
		return "", false, nil
	}

	return latest.TargetWorker, true, nil
}

func (r *AffinityRouter) Settings(ctx context.Context) (*models.ThreadAffinitySettings, error) {
	return r.rules.GetAffinitySettings(ctx)
}

func (r *AffinityRouter) UpdateSettings(ctx context.Context, settings *models.ThreadAffinitySettings) error {
	return r.rules.UpdateAffinitySettings(ctx, settings)
}
