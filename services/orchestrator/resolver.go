package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Resolution is a concrete host set resolved from a target scope, with a
// point-in-time health summary.
type Resolution struct {
	Scope        TargetScope `json:"scope"`
	Hosts        []Host      `json:"hosts"`
	TotalCount   int         `json:"total_count"`
	HealthyCount int         `json:"healthy_count"`
}

// ResolveTarget turns a target scope into the concrete host set. Explicit
// server selections are additionally checked for cluster-expansion
// conflicts: selecting a strict subset of a cluster's membership returns a
// *ClusterConflictError naming the cluster and its full membership, and the
// operation must not proceed until the operator acknowledges expansion.
func (e *Engine) ResolveTarget(ctx context.Context, scope TargetScope) (Resolution, error) {
	models, err := e.resolveHosts(ctx, scope)
	if err != nil {
		return Resolution{}, err
	}

	if scope.Kind == TargetServers {
		if conflict, err := e.detectClusterConflict(ctx, models); err != nil {
			return Resolution{}, err
		} else if conflict != nil {
			return Resolution{}, conflict
		}
	}

	return summarize(scope, models), nil
}

// resolveHosts looks up the member hosts of a scope without running conflict
// detection. Safety gating uses it directly: a gate evaluation only counts
// heads.
func (e *Engine) resolveHosts(ctx context.Context, scope TargetScope) ([]hostModel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	orm := e.orm.WithContext(ctx)

	var models []hostModel
	switch scope.Kind {
	case TargetCluster:
		var cluster clusterModel
		if err := orm.Where("name = ?", scope.ClusterName).First(&cluster).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("cluster %q: %w", scope.ClusterName, ErrTargetNotFound)
			}
			return nil, err
		}
		if err := orm.Where("cluster_id = ?", cluster.ID).Order("hostname").Find(&models).Error; err != nil {
			return nil, err
		}

	case TargetGroup:
		var group serverGroupModel
		if err := orm.First(&group, "id = ?", scope.GroupID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("group %s: %w", scope.GroupID, ErrTargetNotFound)
			}
			return nil, err
		}
		if err := orm.Where("group_id = ?", scope.GroupID).Order("hostname").Find(&models).Error; err != nil {
			return nil, err
		}

	case TargetServers:
		if err := orm.Where("id IN ?", scope.ServerIDs).Order("hostname").Find(&models).Error; err != nil {
			return nil, err
		}
		if len(models) != len(scope.ServerIDs) {
			missing := missingIDs(scope.ServerIDs, models)
			return nil, fmt.Errorf("servers %v: %w", missing, ErrTargetNotFound)
		}
	}

	return models, nil
}

func summarize(scope TargetScope, models []hostModel) Resolution {
	res := Resolution{Scope: scope, Hosts: make([]Host, 0, len(models))}
	for _, m := range models {
		h := m.toAPI()
		res.Hosts = append(res.Hosts, h)
		res.TotalCount++
		if h.Online() {
			res.HealthyCount++
		}
	}
	return res
}

// AcknowledgeConflict converts an explicit server selection that partially
// covers a cluster into a cluster-scoped target. The expansion is recorded
// in the audit trail; partial-cluster firmware or hypervisor mismatches can
// break compatibility modes and live migration.
func (e *Engine) AcknowledgeConflict(ctx context.Context, scope TargetScope, clusterName, actor string) (TargetScope, error) {
	if scope.Kind != TargetServers {
		return TargetScope{}, errors.New("only explicit server selections carry expansion conflicts")
	}

	var cluster clusterModel
	if err := e.orm.WithContext(ctx).Where("name = ?", clusterName).First(&cluster).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TargetScope{}, fmt.Errorf("cluster %q: %w", clusterName, ErrTargetNotFound)
		}
		return TargetScope{}, err
	}

	expanded := TargetScope{Kind: TargetCluster, ClusterName: clusterName}
	e.audit(ctx, actor, "target.expand", clusterName, map[string]any{
		"selected_servers": scope.ServerIDs,
	})
	return expanded, nil
}

// detectClusterConflict finds a cluster for which the selection covers some
// but not all members. Selecting every member of a cluster is not a
// conflict.
func (e *Engine) detectClusterConflict(ctx context.Context, selected []hostModel) (*ClusterConflictError, error) {
	selectedByCluster := make(map[uuid.UUID][]uuid.UUID)
	for _, m := range selected {
		if m.ClusterID == nil {
			continue
		}
		selectedByCluster[*m.ClusterID] = append(selectedByCluster[*m.ClusterID], m.ID)
	}

	orm := e.orm.WithContext(ctx)
	for clusterID, sel := range selectedByCluster {
		var members []hostModel
		if err := orm.Where("cluster_id = ?", clusterID).Find(&members).Error; err != nil {
			return nil, err
		}
		if len(sel) >= len(members) {
			continue
		}

		var cluster clusterModel
		if err := orm.First(&cluster, "id = ?", clusterID).Error; err != nil {
			return nil, err
		}

		memberIDs := make([]uuid.UUID, 0, len(members))
		for _, m := range members {
			memberIDs = append(memberIDs, m.ID)
		}
		sortUUIDs(memberIDs)
		sortUUIDs(sel)

		return &ClusterConflictError{
			ClusterName: cluster.Name,
			Members:     memberIDs,
			Selected:    sel,
		}, nil
	}

	return nil, nil
}

func missingIDs(wanted []uuid.UUID, found []hostModel) []uuid.UUID {
	have := make(map[uuid.UUID]struct{}, len(found))
	for _, m := range found {
		have[m.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range wanted {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
