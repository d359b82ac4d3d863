package health

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cofferbank/coffer/internal/connections"
	"github.com/cofferbank/coffer/internal/database"
	"github.com/cofferbank/coffer/internal/domain"
)

// MetricsRecorder samples process and database gauges into the
// system_health_metrics ledger. One sample per scheduler tick is enough for
// fleet dashboards.
type MetricsRecorder struct {
	ops       *sql.DB
	databases []*database.DB
	conns     *connections.Repository
	log       zerolog.Logger
}

// NewMetricsRecorder creates a metrics recorder writing to ops.db.
func NewMetricsRecorder(ops *sql.DB, databases []*database.DB, conns *connections.Repository, log zerolog.Logger) *MetricsRecorder {
	return &MetricsRecorder{
		ops:       ops,
		databases: databases,
		conns:     conns,
		log:       log.With().Str("component", "metrics_recorder").Logger(),
	}
}

// Sample records the current process and storage gauges.
func (m *MetricsRecorder) Sample(now time.Time) error {
	var metrics []domain.SystemHealthMetric

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			metrics = append(metrics, gauge("process_rss_bytes", float64(mem.RSS), "bytes",
				statusAbove(float64(mem.RSS), 1<<30, 2<<30)))
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			metrics = append(metrics, gauge("process_cpu_percent", cpu, "percent",
				statusAbove(cpu, 70, 90)))
		}
		if fds, err := proc.NumFDs(); err == nil {
			metrics = append(metrics, gauge("process_open_fds", float64(fds), "count",
				statusAbove(float64(fds), 512, 900)))
		}
	}

	for _, db := range m.databases {
		stats, err := db.GetStats()
		if err != nil {
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
			continue
		}
		metrics = append(metrics,
			gauge("db_size_bytes_"+db.Name(), float64(stats.SizeBytes), "bytes", domain.HealthHealthy),
			gauge("db_wal_bytes_"+db.Name(), float64(stats.WALSizeBytes), "bytes",
				statusAbove(float64(stats.WALSizeBytes), 64<<20, 256<<20)),
		)
	}

	metrics = append(metrics, m.tenantHealthGauges()...)

	for _, metric := range metrics {
		if err := m.insert(metric, now); err != nil {
			return err
		}
	}
	return nil
}

// tenantHealthGauges aggregates connection health per tenant so fleet
// dashboards can spot a tenant whose feeds are degrading as a group.
func (m *MetricsRecorder) tenantHealthGauges() []domain.SystemHealthMetric {
	if m.conns == nil {
		return nil
	}
	all, err := m.conns.FleetList()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to list connections for tenant health gauges")
		return nil
	}

	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, c := range all {
		sums[c.TenantID] += c.HealthScore
		counts[c.TenantID]++
	}

	var metrics []domain.SystemHealthMetric
	for tenantID, count := range counts {
		avg := int(math.Round(float64(sums[tenantID]) / float64(count)))
		metrics = append(metrics, gauge("tenant_connection_health_"+tenantID,
			float64(avg), "score", StatusFor(avg)))
	}
	return metrics
}

func (m *MetricsRecorder) insert(metric domain.SystemHealthMetric, now time.Time) error {
	_, err := m.ops.Exec(`
		INSERT INTO system_health_metrics (id, metric_name, value, unit, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), metric.MetricName, metric.Value, metric.Unit,
		string(metric.Status), now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record metric %s: %w", metric.MetricName, err)
	}
	return nil
}

// Latest returns the most recent sample of each metric name.
func (m *MetricsRecorder) Latest() ([]domain.SystemHealthMetric, error) {
	rows, err := m.ops.Query(`
		SELECT id, metric_name, value, unit, status, MAX(recorded_at)
		FROM system_health_metrics
		GROUP BY metric_name
		ORDER BY metric_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest metrics: %w", err)
	}
	defer rows.Close()

	var result []domain.SystemHealthMetric
	for rows.Next() {
		var metric domain.SystemHealthMetric
		var status, recordedAt string
		if err := rows.Scan(&metric.ID, &metric.MetricName, &metric.Value,
			&metric.Unit, &status, &recordedAt); err != nil {
			m.log.Warn().Err(err).Msg("Failed to scan metric row")
			continue
		}
		metric.Status = domain.HealthStatus(status)
		metric.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		result = append(result, metric)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return result, nil
}

func gauge(name string, value float64, unit string, status domain.HealthStatus) domain.SystemHealthMetric {
	return domain.SystemHealthMetric{MetricName: name, Value: value, Unit: unit, Status: status}
}

func statusAbove(value, warn, critical float64) domain.HealthStatus {
	switch {
	case value >= critical:
		return domain.HealthCritical
	case value >= warn:
		return domain.HealthWarning
	default:
		return domain.HealthHealthy
	}
}
