package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/config"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/stats/logger"
	promstats "github.com/discochess/shellcache/internal/stats/prometheus"
)

// NewCollector returns the stats collector for the configured sink. The
// Prometheus sink registers with reg.
func NewCollector(sink string, reg prometheus.Registerer, log *zap.Logger) stats.Collector {
	switch sink {
	case config.MetricsPrometheus:
		return promstats.New(reg)
	case config.MetricsLog:
		return logger.New(log.Named("stats"))
	default:
		return stats.NewNoop()
	}
}
