package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tagers/ops-platform/pkg/detector"
	"github.com/tagers/ops-platform/pkg/queue"
	"github.com/tagers/ops-platform/pkg/scheduler"
)

// runDetectorJobName is the job pkg/scheduler enqueues on fire and the
// "detectors" consumer started by StartDetectors drains.
const runDetectorJobName = "run_detector"

// RegisterDetector builds a Runner for spec using loader/analyzer (the
// per-detector data-access and analysis logic) and, if spec.IsActive,
// subscribes it to its cron schedule.
func (c *Core) RegisterDetector(spec detector.DetectorSpec, loader detector.InputLoader, analyzer detector.Analyzer) error {
	runner := detector.New(c.DB.Pool, c.Limits, c.Cases, spec, loader, analyzer)
	c.Detectors[spec.DetectorID] = runner
	if !spec.IsActive {
		return nil
	}
	return c.Scheduler.Register(scheduler.Entry{DetectorID: spec.DetectorID, Schedule: spec.Schedule})
}

// StartDetectors begins the scheduler's cron loop and the "detectors" queue
// consumer that actually executes a fired detector run. Call once after
// every RegisterDetector call.
func (c *Core) StartDetectors(ctx context.Context, concurrency int) {
	c.Scheduler.Start()
	consumer := queue.RegisterConsumer(ctx, "detectors", c.DetectorsQueue, c.DetectorsDLQ, c.Locks, c.Audit,
		c.handleDetectorJob, queue.ConsumerOptions{
			Concurrency:     concurrency,
			BackoffBase:     c.Config.JobBackoffBase,
			Lease:           c.Config.JobLeaseWindow,
			ProcessDeadline: c.Config.JobProcessDeadline,
		})
	c.consumers = append(c.consumers, consumer)
}

type runDetectorPayload struct {
	DetectorID string                 `json:"detector_id"`
	Scope      map[string]interface{} `json:"scope"`
}

func (c *Core) handleDetectorJob(ctx context.Context, job *queue.Job) error {
	defer c.Scheduler.Released()

	var p runDetectorPayload
	if err := json.Unmarshal(job.Data, &p); err != nil {
		return fmt.Errorf("core: decode run_detector payload: %w", err)
	}
	runner, ok := c.Detectors[p.DetectorID]
	if !ok {
		return fmt.Errorf("core: no registered detector %q", p.DetectorID)
	}
	_, err := runner.Execute(ctx, detector.Scope(p.Scope))
	return err
}
