package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BlockerReason classifies why a VM prevents its host from entering
// maintenance mode.
type BlockerReason string

const (
	ReasonLocalStorage       BlockerReason = "local_storage"
	ReasonPassthroughDevice  BlockerReason = "passthrough_device"
	ReasonAffinityRule       BlockerReason = "affinity_rule"
	ReasonConnectedMedia     BlockerReason = "connected_media"
	ReasonCriticalInfra      BlockerReason = "critical_infrastructure_vm"
	ReasonDRSNoDestination   BlockerReason = "drs_no_destination"
	ReasonDRSResourceLimit   BlockerReason = "drs_resource_constraint"
	ReasonDRSAntiAffinity    BlockerReason = "drs_anti_affinity"
	ReasonDRSEVCIncompatible BlockerReason = "drs_evc_incompatible"
)

// Severity of a maintenance blocker. Critical blockers stop the host from
// entering maintenance; warnings are surfaced but do not block.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Resolution types recorded when an operator acts on a blocker.
const (
	ResolutionPowerOff     = "power_off"
	ResolutionAutoPowerOff = "auto_power_off_list"
	ResolutionManual       = "manual"
)

// Blocker is a single obstruction to a host entering maintenance mode.
// Blockers are computed transiently per maintenance attempt; only operator
// resolutions are persisted.
type Blocker struct {
	HostID           uuid.UUID     `json:"host_id"`
	VMID             uuid.UUID     `json:"vm_id"`
	VMName           string        `json:"vm_name"`
	Reason           BlockerReason `json:"reason"`
	Severity         Severity      `json:"severity"`
	Detail           string        `json:"detail"`
	Remediation      string        `json:"remediation"`
	AutoFixable      bool          `json:"auto_fixable"`
	PowerOffEligible bool          `json:"power_off_eligible"`
	Resolved         bool          `json:"resolved"`
}

// HostBlockers is the analyzer output for one host.
type HostBlockers struct {
	HostID              uuid.UUID `json:"host_id"`
	Hostname            string    `json:"hostname"`
	Blockers            []Blocker `json:"blockers"`
	CanEnterMaintenance bool      `json:"can_enter_maintenance"`
}

// classification is the non-negotiable policy table mapping a reason to its
// severity and remediation options.
type classification struct {
	severity         Severity
	autoFixable      bool
	powerOffEligible bool
	remediation      string
}

var blockerPolicy = map[BlockerReason]classification{
	ReasonLocalStorage: {SeverityCritical, false, true,
		"Migrate the VM's disks to shared storage, or power it off for the duration of the update."},
	ReasonPassthroughDevice: {SeverityCritical, false, true,
		"Remove the passthrough device mapping, or power the VM off; passthrough VMs cannot be live-migrated."},
	ReasonAffinityRule: {SeverityCritical, false, false,
		"Edit or disable the affinity rule pinning this VM to the host, then retry."},
	ReasonConnectedMedia: {SeverityWarning, true, false,
		"Disconnect the mounted ISO/floppy image; this can be fixed automatically."},
	ReasonCriticalInfra: {SeverityCritical, false, false,
		"Relocate this infrastructure VM manually before updating its host; it must not be powered off."},
	ReasonDRSNoDestination: {SeverityCritical, false, true,
		"No compatible destination host accepts this VM; free capacity elsewhere or power it off."},
	ReasonDRSResourceLimit: {SeverityWarning, false, true,
		"Destination hosts are resource constrained; migration may be slow. Power off to guarantee evacuation."},
	ReasonDRSAntiAffinity: {SeverityWarning, false, true,
		"An anti-affinity rule limits placement; relax the rule or power the VM off."},
	ReasonDRSEVCIncompatible: {SeverityCritical, false, false,
		"The VM's CPU feature level is incompatible with remaining hosts (EVC); manual remediation required."},
}

// AnalyzeHost enumerates the VMs on a host that would block entry into
// maintenance mode. A host can enter maintenance only when it has zero
// unresolved critical blockers.
func (e *Engine) AnalyzeHost(ctx context.Context, hostID uuid.UUID) (HostBlockers, error) {
	orm := e.orm.WithContext(ctx)

	var host hostModel
	if err := orm.First(&host, "id = ?", hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return HostBlockers{}, fmt.Errorf("host %s: %w", hostID, ErrHostNotFound)
		}
		return HostBlockers{}, err
	}

	var vms []vmModel
	if err := orm.Where("host_id = ?", hostID).Order("name").Find(&vms).Error; err != nil {
		return HostBlockers{}, err
	}

	resolved, err := e.resolvedVMs(ctx, hostID)
	if err != nil {
		return HostBlockers{}, err
	}

	out := HostBlockers{HostID: hostID, Hostname: host.Hostname, CanEnterMaintenance: true}
	for _, vm := range vms {
		if vm.PowerState == "poweredOff" {
			continue
		}
		for _, reason := range blockerReasonsFor(vm) {
			b := newBlocker(host, vm, reason)
			if b.PowerOffEligible && resolved[vm.ID] {
				b.Resolved = true
			}
			if b.Severity == SeverityCritical && !b.Resolved {
				out.CanEnterMaintenance = false
			}
			out.Blockers = append(out.Blockers, b)
		}
	}
	return out, nil
}

// RequestPowerOff records an operator's decision to resolve an eligible
// blocker by powering the VM off. When addToAutoList is set the VM is also
// remembered for future runs. The power action itself is delegated to the
// external executor; this only records intent.
func (e *Engine) RequestPowerOff(ctx context.Context, hostID, vmID uuid.UUID, actor string, addToAutoList bool) (BlockerResolution, error) {
	orm := e.orm.WithContext(ctx)

	var vm vmModel
	if err := orm.First(&vm, "id = ? AND host_id = ?", vmID, hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BlockerResolution{}, fmt.Errorf("vm %s on host %s: %w", vmID, hostID, ErrHostNotFound)
		}
		return BlockerResolution{}, err
	}

	reasons := blockerReasonsFor(vm)
	eligible := false
	var reason BlockerReason
	for _, r := range reasons {
		if blockerPolicy[r].powerOffEligible {
			eligible = true
			reason = r
			break
		}
	}
	if !eligible {
		return BlockerResolution{}, fmt.Errorf("vm %q has no power-off eligible blocker", vm.Name)
	}

	resType := ResolutionPowerOff
	if addToAutoList {
		resType = ResolutionAutoPowerOff
	}

	row := blockerResolutionModel{
		HostID:         hostID,
		VMID:           vmID,
		VMName:         vm.Name,
		Reason:         string(reason),
		ResolutionType: resType,
		ResolvedBy:     actor,
		CreatedAt:      e.now(),
	}
	if err := orm.Create(&row).Error; err != nil {
		return BlockerResolution{}, err
	}

	e.audit(ctx, actor, "blocker.power_off", vm.Name, map[string]any{
		"host_id": hostID, "vm_id": vmID, "auto_list": addToAutoList,
	})

	return BlockerResolution{
		HostID:         hostID,
		VMID:           vmID,
		VMName:         vm.Name,
		Reason:         string(reason),
		ResolutionType: resType,
		ResolvedBy:     actor,
		CreatedAt:      row.CreatedAt,
	}, nil
}

// resolvedVMs returns the set of VMs on the host with a recorded power-off
// resolution (one-shot or standing auto power-off list membership).
func (e *Engine) resolvedVMs(ctx context.Context, hostID uuid.UUID) (map[uuid.UUID]bool, error) {
	var rows []blockerResolutionModel
	err := e.orm.WithContext(ctx).
		Where("host_id = ? AND resolution_type IN ?", hostID, []string{ResolutionPowerOff, ResolutionAutoPowerOff}).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(rows))
	for _, r := range rows {
		out[r.VMID] = true
	}
	return out, nil
}

func newBlocker(host hostModel, vm vmModel, reason BlockerReason) Blocker {
	policy := blockerPolicy[reason]
	return Blocker{
		HostID:           host.ID,
		VMID:             vm.ID,
		VMName:           vm.Name,
		Reason:           reason,
		Severity:         policy.severity,
		Detail:           fmt.Sprintf("VM %q on host %q: %s", vm.Name, host.Hostname, reasonDetail(reason)),
		Remediation:      policy.remediation,
		AutoFixable:      policy.autoFixable,
		PowerOffEligible: policy.powerOffEligible,
	}
}

// blockerReasonsFor derives blocker reasons from the VM's synced placement
// facts.
func blockerReasonsFor(vm vmModel) []BlockerReason {
	var reasons []BlockerReason
	flag := func(key string) bool {
		v, ok := vm.Placement[key]
		if !ok {
			return false
		}
		b, ok := v.(bool)
		return ok && b
	}

	if flag("local_storage") {
		reasons = append(reasons, ReasonLocalStorage)
	}
	if flag("passthrough_device") {
		reasons = append(reasons, ReasonPassthroughDevice)
	}
	if flag("affinity_rule") {
		reasons = append(reasons, ReasonAffinityRule)
	}
	if flag("connected_media") {
		reasons = append(reasons, ReasonConnectedMedia)
	}
	if flag("critical_infrastructure") {
		reasons = append(reasons, ReasonCriticalInfra)
	}
	if flag("drs_no_destination") {
		reasons = append(reasons, ReasonDRSNoDestination)
	}
	if flag("drs_resource_constraint") {
		reasons = append(reasons, ReasonDRSResourceLimit)
	}
	if flag("drs_anti_affinity") {
		reasons = append(reasons, ReasonDRSAntiAffinity)
	}
	if flag("drs_evc_incompatible") {
		reasons = append(reasons, ReasonDRSEVCIncompatible)
	}
	return reasons
}

func reasonDetail(reason BlockerReason) string {
	switch reason {
	case ReasonLocalStorage:
		return "virtual disks reside on host-local storage"
	case ReasonPassthroughDevice:
		return "a host PCI/USB device is passed through to the VM"
	case ReasonAffinityRule:
		return "an affinity rule pins the VM to this host"
	case ReasonConnectedMedia:
		return "removable media is mounted from the host"
	case ReasonCriticalInfra:
		return "the VM hosts management-plane infrastructure"
	case ReasonDRSNoDestination:
		return "the placement engine found no destination host"
	case ReasonDRSResourceLimit:
		return "destination hosts lack free capacity"
	case ReasonDRSAntiAffinity:
		return "an anti-affinity rule restricts placement"
	case ReasonDRSEVCIncompatible:
		return "CPU feature level is incompatible with remaining hosts"
	default:
		return string(reason)
	}
}
