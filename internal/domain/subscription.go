package domain

// SubscriptionState is the closed set of provider push-subscription states.
// Provider status strings are mapped through ParseSubscriptionState;
// anything unrecognized becomes SubscriptionStateUnknown ("needs sync")
// rather than silently defaulting to enabled.
type SubscriptionState string

const (
	SubscriptionStateEnabled SubscriptionState = "enabled"
	SubscriptionStatePending SubscriptionState = "pending"
	SubscriptionStateRevoked SubscriptionState = "revoked"
	SubscriptionStateUnknown SubscriptionState = "unknown"
)

// ParseSubscriptionState maps a provider status string to the closed state
// set. The mapping covers the strings observed across supported providers.
func ParseSubscriptionState(s string) SubscriptionState {
	switch s {
	case "enabled", "active", "verified":
		return SubscriptionStateEnabled
	case "pending", "webhook_callback_verification_pending":
		return SubscriptionStatePending
	case "authorization_revoked", "user_removed", "version_removed",
		"notification_failures_exceeded", "revoked", "expired":
		return SubscriptionStateRevoked
	default:
		return SubscriptionStateUnknown
	}
}
