package domain

import "testing"

func TestParseSubscriptionState(t *testing.T) {
	tests := []struct {
		raw  string
		want SubscriptionState
	}{
		{"enabled", SubscriptionStateEnabled},
		{"webhook_callback_verification_pending", SubscriptionStatePending},
		{"authorization_revoked", SubscriptionStateRevoked},
		{"notification_failures_exceeded", SubscriptionStateRevoked},
		{"some_new_provider_state", SubscriptionStateUnknown},
		{"", SubscriptionStateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParseSubscriptionState(tt.raw); got != tt.want {
				t.Errorf("ParseSubscriptionState(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
