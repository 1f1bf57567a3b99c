package dto

import (
	"github.com/flexprice/usagegate/internal/types"
	"github.com/shopspring/decimal"
)

// Broadcast event types emitted on a shard's debug stream.
const (
	BroadcastTypeVerify      = "verify"
	BroadcastTypeReportUsage = "reportUsage"
)

// BroadcastEvent is one debug-stream notification. Emission is best-effort
// and rate limited to once per second per shard.
type BroadcastEvent struct {
	Type         string             `json:"type"`
	CustomerID   string             `json:"customerId"`
	FeatureSlug  string             `json:"featureSlug"`
	DeniedReason types.DeniedReason `json:"deniedReason,omitempty"`
	Usage        *decimal.Decimal   `json:"usage,omitempty"`
	Limit        *decimal.Decimal   `json:"limit,omitempty"`
	Success      bool               `json:"success"`
}

// UsageFlushedEvent is published on the event bus after a shard drains a
// batch of usage records to the analytics sink.
type UsageFlushedEvent struct {
	CustomerID string `json:"customerId"`
	Region     string `json:"region"`
	Rows       int    `json:"rows"`
	FlushedAt  int64  `json:"flushedAt"` // epoch ms
}
