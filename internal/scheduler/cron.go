package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cofferbank/coffer/internal/domain"
	"github.com/cofferbank/coffer/internal/health"
	"github.com/cofferbank/coffer/internal/jobs"
)

// Job is a named unit of scheduled work.
type Job interface {
	Run() error
	Name() string
}

// Cron owns the background schedule: bucket ticks, ledger retention, and
// health metric sampling.
type Cron struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewCron creates the cron runner.
func NewCron(log zerolog.Logger) *Cron {
	return &Cron{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "cron").Logger(),
	}
}

// Start starts the cron runner.
func (c *Cron) Start() {
	c.cron.Start()
	c.log.Info().Msg("Cron started")
}

// Stop stops the cron runner and waits for running jobs.
func (c *Cron) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.log.Info().Msg("Cron stopped")
}

// AddJob registers a job with a cron schedule expression (with seconds).
func (c *Cron) AddJob(schedule string, job Job) error {
	_, err := c.cron.AddFunc(schedule, func() {
		c.log.Debug().Str("job", job.Name()).Msg("Running job")

		if err := job.Run(); err != nil {
			c.log.Error().
				Err(err).
				Str("job", job.Name()).
				Msg("Job failed")
		}
	})
	if err != nil {
		return err
	}

	c.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")
	return nil
}

// bucketSchedules staggers the tick times so buckets do not pile onto the
// same minute.
var bucketSchedules = map[domain.SyncSchedule]string{
	domain.ScheduleHourly:   "0 5 * * * *",
	domain.ScheduleEvery4h:  "0 10 */4 * * *",
	domain.ScheduleEvery12h: "0 20 */12 * * *",
	domain.ScheduleDaily:    "0 15 2 * * *",
	domain.ScheduleWeekly:   "0 40 3 * * 1",
}

// RegisterStandardJobs wires the platform's recurring work: one tick job per
// schedule bucket, the job-ledger retention cycle, and metric sampling.
func RegisterStandardJobs(c *Cron, dispatcher *Dispatcher, archiver *jobs.Archiver, metrics *health.MetricsRecorder) error {
	for bucket, schedule := range bucketSchedules {
		if err := c.AddJob(schedule, &tickJob{dispatcher: dispatcher, bucket: bucket}); err != nil {
			return err
		}
	}

	if err := c.AddJob("0 30 3 * * *", &retentionJob{archiver: archiver}); err != nil {
		return err
	}
	return c.AddJob("@every 1m", &metricsJob{metrics: metrics})
}

type tickJob struct {
	dispatcher *Dispatcher
	bucket     domain.SyncSchedule
}

func (j *tickJob) Name() string { return "tick_" + string(j.bucket) }

func (j *tickJob) Run() error {
	_, err := j.dispatcher.Tick(context.Background(), j.bucket)
	return err
}

type retentionJob struct {
	archiver *jobs.Archiver
}

func (j *retentionJob) Name() string { return "job_ledger_retention" }

func (j *retentionJob) Run() error {
	_, err := j.archiver.RunRetentionCycle(context.Background(), time.Now().UTC())
	return err
}

type metricsJob struct {
	metrics *health.MetricsRecorder
}

func (j *metricsJob) Name() string { return "health_metrics_sample" }

func (j *metricsJob) Run() error {
	return j.metrics.Sample(time.Now().UTC())
}
