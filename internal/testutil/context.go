package testutil

import (
	"context"
	"time"

	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/types"
	"go.uber.org/zap"
)

func SetupContext() context.Context {
	ctx := context.Background()
	ctx = types.SetRequestID(ctx, types.GenerateUUID())
	return ctx
}

// GetLogger returns a quiet logger for tests.
func GetLogger() *logger.Logger {
	zapLogger := zap.NewNop()
	return &logger.Logger{SugaredLogger: zapLogger.Sugar()}
}

// GetConfig returns a configuration tuned for tests: shard state under
// dataDir, aggressive flush timings, development environment.
func GetConfig(dataDir string) *config.Configuration {
	cfg := config.GetDefaultConfig()
	cfg.Limiter.DataDir = dataDir
	cfg.Limiter.TTLAnalytics = 30 * time.Second
	cfg.Limiter.PlaceholderTTL = 200 * time.Millisecond
	cfg.Limiter.DebounceDelay = 20 * time.Millisecond
	cfg.Limiter.MaxFlushInterval = 50 * time.Millisecond
	cfg.Limiter.FlushClampMin = time.Second
	cfg.Limiter.HibernateAfter = time.Hour
	return cfg
}
