package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetmaint",
		Name:      "jobs_created_total",
		Help:      "Jobs created through the API, by job type.",
	}, []string{"job_type"})

	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetmaint",
		Name:      "jobs_claimed_total",
		Help:      "Jobs handed to executors, by job type.",
	}, []string{"job_type"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetmaint",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal state, by final status.",
	}, []string{"status"})

	safetyCheckUnsafe = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetmaint",
		Name:      "safety_checks_unsafe_total",
		Help:      "Safety gate evaluations that came back unsafe.",
	})
)
