package orchestrator

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"fleetmaint/pkg/bus"
)

// CheckSafety evaluates the minimum-healthy-hosts gate for a target and
// appends an immutable snapshot to the safety_checks audit trail. It must be
// re-run immediately before each host is taken offline, not only once up
// front: cluster health can change mid-rollout.
func (e *Engine) CheckSafety(ctx context.Context, scope TargetScope, minHealthy int) (SafetyResult, error) {
	models, err := e.resolveHosts(ctx, scope)
	if err != nil {
		return SafetyResult{}, err
	}
	res := summarize(scope, models)

	result := SafetyResult{
		Target:       targetLabel(scope),
		HealthyCount: res.HealthyCount,
		TotalCount:   res.TotalCount,
		MinRequired:  minHealthy,
		Safe:         res.HealthyCount >= minHealthy,
		CheckedAt:    e.now(),
	}

	prev, hasPrev, err := e.lastSafetyStatus(ctx, scope)
	if err != nil {
		return SafetyResult{}, err
	}
	result.StatusChanged = hasPrev && prev != result.Safe

	row := safetyCheckModel{
		TargetKind:    string(scope.Kind),
		TargetName:    result.Target,
		HealthyCount:  result.HealthyCount,
		TotalCount:    result.TotalCount,
		MinRequired:   minHealthy,
		Safe:          result.Safe,
		StatusChanged: result.StatusChanged,
		CreatedAt:     result.CheckedAt,
	}
	if hasPrev {
		row.PreviousStatus = &prev
	}
	if err := e.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return SafetyResult{}, err
	}

	if result.StatusChanged {
		e.publish(ctx, bus.SubjectSafetyChange, map[string]any{
			"target":        result.Target,
			"safe":          result.Safe,
			"healthy_count": result.HealthyCount,
			"total_count":   result.TotalCount,
			"min_required":  minHealthy,
		})
	}

	return result, nil
}

// RequireSafety runs the gate and converts an unsafe result into a
// retryable *NotSafeError.
func (e *Engine) RequireSafety(ctx context.Context, scope TargetScope, minHealthy int) (SafetyResult, error) {
	result, err := e.CheckSafety(ctx, scope, minHealthy)
	if err != nil {
		return SafetyResult{}, err
	}
	if !result.Safe {
		return result, &NotSafeError{
			Target:       result.Target,
			HealthyCount: result.HealthyCount,
			TotalCount:   result.TotalCount,
			MinRequired:  minHealthy,
		}
	}
	return result, nil
}

func (e *Engine) lastSafetyStatus(ctx context.Context, scope TargetScope) (bool, bool, error) {
	var row safetyCheckModel
	err := e.orm.WithContext(ctx).
		Where("target_kind = ? AND target_name = ?", string(scope.Kind), targetLabel(scope)).
		Order("id DESC").
		First(&row).Error
	switch {
	case err == nil:
		return row.Safe, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, false, nil
	default:
		return false, false, err
	}
}

func targetLabel(scope TargetScope) string {
	switch scope.Kind {
	case TargetCluster:
		return scope.ClusterName
	case TargetGroup:
		return scope.GroupID.String()
	default:
		return "servers"
	}
}
