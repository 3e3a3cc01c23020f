package anomaly

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"anpr-reconciler/internal/domain/parking"
	"anpr-reconciler/internal/metrics"
)

// Scanner runs the detector on a fixed interval and keeps the severity gauges current.
// HTTP lookups go to the Detector directly and never wait on a scan.
type Scanner struct {
	detector *Detector
	minHours int
	interval time.Duration
	log      zerolog.Logger
}

func NewScanner(detector *Detector, minHours int, interval time.Duration, log zerolog.Logger) *Scanner {
	return &Scanner{
		detector: detector,
		minHours: minHours,
		interval: interval,
		log:      log.With().Str("component", "anomaly_scanner").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scanner) RunOnce(ctx context.Context) {
	anomalies, err := s.detector.FindAnomalies(ctx, s.minHours)
	if err != nil {
		s.log.Error().Err(err).Int("min_hours", s.minHours).Msg("anomaly scan failed")
		return
	}

	counts := Summarize(anomalies)
	for _, sev := range []parking.Severity{parking.SeverityCritical, parking.SeverityHigh, parking.SeverityModerate} {
		metrics.AnomaliesBySeverity.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}

	s.log.Info().
		Int("min_hours", s.minHours).
		Int("total", len(anomalies)).
		Int("critical", counts[parking.SeverityCritical]).
		Int("high", counts[parking.SeverityHigh]).
		Int("moderate", counts[parking.SeverityModerate]).
		Msg("anomaly scan completed")
}

func Summarize(anomalies []Anomaly) map[parking.Severity]int {
	counts := make(map[parking.Severity]int, 3)
	for _, a := range anomalies {
		counts[a.Severity]++
	}
	return counts
}
