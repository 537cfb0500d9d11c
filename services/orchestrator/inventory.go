package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpsertClusterRequest describes a compute cluster synced from the
// virtualization control plane.
type UpsertClusterRequest struct {
	Name    string
	EVCMode string
	Meta    map[string]any
}

// UpsertCluster creates or updates a cluster record keyed by name.
func (e *Engine) UpsertCluster(ctx context.Context, req UpsertClusterRequest) (uuid.UUID, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return uuid.Nil, errors.New("cluster name is required")
	}

	orm := e.orm.WithContext(ctx)

	var existing clusterModel
	err := orm.Where("name = ?", name).First(&existing).Error
	switch {
	case err == nil:
		existing.EVCMode = req.EVCMode
		existing.Meta = toJSONMap(req.Meta)
		if err := orm.Save(&existing).Error; err != nil {
			return uuid.Nil, err
		}
		return existing.ID, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		model := clusterModel{
			ID:      uuid.New(),
			Name:    name,
			EVCMode: req.EVCMode,
			Meta:    toJSONMap(req.Meta),
		}
		if err := orm.Create(&model).Error; err != nil {
			return uuid.Nil, err
		}
		return model.ID, nil

	default:
		return uuid.Nil, err
	}
}

// ClusterSummary pairs a cluster with its membership head-count.
type ClusterSummary struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	EVCMode   string    `json:"evc_mode,omitempty"`
	HostCount int       `json:"host_count"`
}

// ListClusters returns all known clusters with host counts.
func (e *Engine) ListClusters(ctx context.Context) ([]ClusterSummary, error) {
	var clusters []clusterModel
	if err := e.orm.WithContext(ctx).Order("name").Find(&clusters).Error; err != nil {
		return nil, err
	}

	out := make([]ClusterSummary, 0, len(clusters))
	for _, c := range clusters {
		var count int64
		if err := e.orm.WithContext(ctx).Model(&hostModel{}).Where("cluster_id = ?", c.ID).Count(&count).Error; err != nil {
			return nil, err
		}
		out = append(out, ClusterSummary{ID: c.ID, Name: c.Name, EVCMode: c.EVCMode, HostCount: int(count)})
	}
	return out, nil
}

// UpsertHostRequest describes a physical host reported by an inventory
// scan.
type UpsertHostRequest struct {
	Hostname        string
	ClusterName     string
	GroupID         *uuid.UUID
	ConnectionState string
	Model           string
	FirmwareInfo    map[string]any
}

// UpsertHost creates or updates a host record keyed by hostname. An unknown
// cluster name is an error; clusters are synced before their members.
func (e *Engine) UpsertHost(ctx context.Context, req UpsertHostRequest) (Host, error) {
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		return Host{}, errors.New("hostname is required")
	}

	orm := e.orm.WithContext(ctx)

	var clusterID *uuid.UUID
	if req.ClusterName != "" {
		var cluster clusterModel
		if err := orm.Where("name = ?", req.ClusterName).First(&cluster).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return Host{}, fmt.Errorf("cluster %q: %w", req.ClusterName, ErrTargetNotFound)
			}
			return Host{}, err
		}
		clusterID = &cluster.ID
	}

	state := req.ConnectionState
	if state == "" {
		state = "unknown"
	}

	var model hostModel
	err := orm.Where("hostname = ?", hostname).First(&model).Error
	switch {
	case err == nil:
		model.ClusterID = clusterID
		model.GroupID = req.GroupID
		model.ConnectionState = state
		model.Model = req.Model
		model.FirmwareInfo = toJSONMap(req.FirmwareInfo)
		if err := orm.Save(&model).Error; err != nil {
			return Host{}, err
		}

	case errors.Is(err, gorm.ErrRecordNotFound):
		model = hostModel{
			ID:              uuid.New(),
			Hostname:        hostname,
			ClusterID:       clusterID,
			GroupID:         req.GroupID,
			ConnectionState: state,
			Model:           req.Model,
			FirmwareInfo:    toJSONMap(req.FirmwareInfo),
		}
		if err := orm.Create(&model).Error; err != nil {
			return Host{}, err
		}

	default:
		return Host{}, err
	}

	return model.toAPI(), nil
}

// ListHosts returns inventory hosts, optionally filtered to one cluster.
func (e *Engine) ListHosts(ctx context.Context, clusterName string) ([]Host, error) {
	q := e.orm.WithContext(ctx).Model(&hostModel{}).Order("hostname")
	if clusterName != "" {
		var cluster clusterModel
		if err := e.orm.WithContext(ctx).Where("name = ?", clusterName).First(&cluster).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("cluster %q: %w", clusterName, ErrTargetNotFound)
			}
			return nil, err
		}
		q = q.Where("cluster_id = ?", cluster.ID)
	}

	var models []hostModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	hosts := make([]Host, 0, len(models))
	for _, m := range models {
		hosts = append(hosts, m.toAPI())
	}
	return hosts, nil
}

// VMSync is one VM record in a host's synced VM set.
type VMSync struct {
	ID         uuid.UUID      `json:"id"`
	Name       string         `json:"name"`
	PowerState string         `json:"power_state"`
	Placement  map[string]any `json:"placement"`
}

// SyncVMs replaces a host's VM inventory with the reported set. The blocker
// analyzer works entirely off these synced placement facts.
func (e *Engine) SyncVMs(ctx context.Context, hostID uuid.UUID, vms []VMSync) error {
	orm := e.orm.WithContext(ctx)

	var host hostModel
	if err := orm.First(&host, "id = ?", hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("host %s: %w", hostID, ErrHostNotFound)
		}
		return err
	}

	return orm.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("host_id = ?", hostID).Delete(&vmModel{}).Error; err != nil {
			return err
		}
		for _, vm := range vms {
			if vm.ID == uuid.Nil || vm.Name == "" {
				return fmt.Errorf("vm sync for host %s: id and name are required", hostID)
			}
			state := vm.PowerState
			if state == "" {
				state = "poweredOn"
			}
			model := vmModel{
				ID:         vm.ID,
				HostID:     hostID,
				Name:       vm.Name,
				PowerState: state,
				Placement:  toJSONMap(vm.Placement),
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
