package scanner

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// StartSchedule runs periodic rescans per the configured cron expression
// (6-field, with seconds). Returns a stop function, or a no-op when no
// schedule is configured.
func (s *Scanner) StartSchedule(ctx context.Context) (func(), error) {
	expr := s.cfg.Scan.Schedule
	if expr == "" {
		return func() {}, nil
	}

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(expr, func() {
		if _, err := s.ScanAll(ctx); err != nil {
			s.logger.Error("scheduled scan failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	s.logger.Info("scheduled rescan enabled", slog.String("schedule", expr))

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}
