package shardstore

// UsageRecord is one buffered Report, appended before counters mutate and
// drained to the analytics sink on the flush alarm. The local ID is strictly
// increasing within a shard and defines the canonical flush order.
type UsageRecord struct {
	ID             int64  `json:"id"`
	EntitlementID  string `json:"entitlementId"`
	CustomerID     string `json:"customerId"`
	ProjectID      string `json:"projectId"`
	FeatureSlug    string `json:"featureSlug"`
	Usage          string `json:"usage"` // decimal string; "0" for flat features
	Timestamp      int64  `json:"timestamp"` // client-supplied epoch ms
	IdempotenceKey string `json:"idempotenceKey"`
	RequestID      string `json:"requestId"`

	// Plan linkage copied from the entitlement at write time.
	FeaturePlanVersionID string `json:"featurePlanVersionId"`
	SubscriptionID       string `json:"subscriptionId"`
	SubscriptionPhaseID  string `json:"subscriptionPhaseId"`
	SubscriptionItemID   string `json:"subscriptionItemId"`

	Metadata  string `json:"metadata,omitempty"` // free-form JSON
	CreatedAt int64  `json:"createdAt"`
}

// VerificationRecord is one buffered Verify outcome.
type VerificationRecord struct {
	ID            int64  `json:"id"`
	EntitlementID string `json:"entitlementId"`
	CustomerID    string `json:"customerId"`
	ProjectID     string `json:"projectId"`
	FeatureSlug   string `json:"featureSlug"`
	RequestID     string `json:"requestId"`
	Timestamp     int64  `json:"timestamp"`
	Success       int    `json:"success"` // 0 or 1
	Latency       string `json:"latency"` // ms, decimal string
	DeniedReason  string `json:"deniedReason,omitempty"`

	FeaturePlanVersionID string `json:"featurePlanVersionId"`
	SubscriptionID       string `json:"subscriptionId"`
	SubscriptionPhaseID  string `json:"subscriptionPhaseId"`
	SubscriptionItemID   string `json:"subscriptionItemId"`

	Metadata  string `json:"metadata,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}
