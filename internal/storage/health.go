package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"agentpay/internal/shared/logger"
)

// slowHealthCheck is the latency above which a passing check is still
// flagged as degraded.
const slowHealthCheck = 30 * time.Second

// HealthReport is the outcome of a timed backend health check.
type HealthReport struct {
	Healthy bool
	Slow    bool
	Latency time.Duration
	Err     error
}

// CheckHealth times the backend's round-trip check and logs the outcome.
func CheckHealth(ctx context.Context, s Storage, log logger.Interface) HealthReport {
	start := time.Now()
	err := s.HealthCheck(ctx)
	latency := time.Since(start)

	report := HealthReport{
		Healthy: err == nil,
		Slow:    latency > slowHealthCheck,
		Latency: latency,
		Err:     err,
	}
	switch {
	case err != nil:
		log.Errorw("storage health check failed", "latency", latency, "error", err)
	case report.Slow:
		log.Warnw("storage health check slow", "latency", latency)
	default:
		log.Debugw("storage health check passed", "latency", latency)
	}
	return report
}

func healthCheckAmount() decimal.Decimal {
	return decimal.NewFromFloat(0.01)
}
