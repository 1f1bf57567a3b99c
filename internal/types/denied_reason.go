package types

// DeniedReason is the closed set of machine-readable reasons a Verify or
// Report call can be denied with. The values are part of the public API and
// must not be renamed.
type DeniedReason string

const (
	DeniedReasonEntitlementNotFound       DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedReasonLimitExceeded             DeniedReason = "LIMIT_EXCEEDED"
	DeniedReasonEntitlementExpired        DeniedReason = "ENTITLEMENT_EXPIRED"
	DeniedReasonEntitlementNotActive      DeniedReason = "ENTITLEMENT_NOT_ACTIVE"
	DeniedReasonDONotInitialized          DeniedReason = "DO_NOT_INITIALIZED"
	DeniedReasonIncorrectUsageReporting   DeniedReason = "INCORRECT_USAGE_REPORTING"
	DeniedReasonErrorInsertingUsage       DeniedReason = "ERROR_INSERTING_USAGE_DO"
	DeniedReasonErrorInsertingVerify      DeniedReason = "ERROR_INSERTING_VERIFICATION_DO"
	DeniedReasonFetchError                DeniedReason = "FETCH_ERROR"
	DeniedReasonSubscriptionNotActive     DeniedReason = "SUBSCRIPTION_NOT_ACTIVE"
	DeniedReasonFeatureTypeNotSupported   DeniedReason = "FEATURE_TYPE_NOT_SUPPORTED"
	DeniedReasonCustomerDisabled          DeniedReason = "CUSTOMER_DISABLED"
	DeniedReasonProjectDisabled           DeniedReason = "PROJECT_DISABLED"
	DeniedReasonErrorResetting            DeniedReason = "ERROR_RESETTING_DO"
)

func (d DeniedReason) String() string {
	return string(d)
}

// Message returns a human readable message for the denial, suitable for the
// client-facing response body.
func (d DeniedReason) Message() string {
	switch d {
	case DeniedReasonEntitlementNotFound:
		return "entitlement not found for this customer and feature"
	case DeniedReasonLimitExceeded:
		return "usage limit exceeded for the current billing cycle"
	case DeniedReasonEntitlementExpired:
		return "entitlement has expired"
	case DeniedReasonEntitlementNotActive:
		return "entitlement is not active"
	case DeniedReasonDONotInitialized:
		return "limiter shard could not be initialized"
	case DeniedReasonIncorrectUsageReporting:
		return "reported usage is invalid"
	case DeniedReasonErrorInsertingUsage:
		return "failed to record usage"
	case DeniedReasonErrorInsertingVerify:
		return "failed to record verification"
	case DeniedReasonFetchError:
		return "failed to fetch entitlement data"
	case DeniedReasonSubscriptionNotActive:
		return "subscription is not active"
	case DeniedReasonFeatureTypeNotSupported:
		return "feature type is not supported"
	case DeniedReasonCustomerDisabled:
		return "customer is disabled"
	case DeniedReasonProjectDisabled:
		return "project is disabled"
	case DeniedReasonErrorResetting:
		return "failed to reset limiter shard"
	default:
		return "request denied"
	}
}
