// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Completed scheduler job runs",
	}, []string{"job"})
	metricJobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_failures_total",
		Help: "Scheduler job runs that returned an error",
	}, []string{"job"})
)

// Job is one recurring task. Jobs guard their own re-entrancy; the
// scheduler only provides the cadence.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once at startup instead of waiting a full
	// interval first
	Immediate bool
	Fn        func(ctx context.Context) error
}

// Scheduler drives a fixed set of recurring jobs, one goroutine per
// job. The job set is chosen at startup by run mode and never changes.
type Scheduler struct {
	logger *slog.Logger
	jobs   []Job
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Scheduler{
		logger: logger,
	}
}

func (s *Scheduler) Register(jobs ...Job) {
	s.jobs = append(s.jobs, jobs...)
}

// Start launches every registered job and returns immediately. Jobs
// stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.logger.Info(
			"scheduling job",
			"job", job.Name,
			"interval", job.Interval.String(),
		)
		go s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if job.Immediate {
		s.runOnce(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	err := job.Fn(ctx)
	metricJobRuns.WithLabelValues(job.Name).Inc()
	if err != nil {
		metricJobFailures.WithLabelValues(job.Name).Inc()
		s.logger.Error(
			"scheduled job failed",
			"job", job.Name,
			"duration", time.Since(start).String(),
			"error", err,
		)
		return
	}
	s.logger.Debug(
		"scheduled job finished",
		"job", job.Name,
		"duration", time.Since(start).String(),
	)
}
