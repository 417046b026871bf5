package capability

import "fmt"

// ConfigError reports a missing or malformed required field in an action
// or reaction config. Permanent: never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// AuthError reports that no valid credential was obtainable. Permanent
// unless Refreshable is set, in which case the dispatcher retries once
// after a refresh exchange.
type AuthError struct {
	Service     string
	Reason      string
	Refreshable bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s: %s", e.Service, e.Reason)
}

// TransientError reports a provider failure worth retrying: network
// timeout, 5xx, rate limit.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient error: %s: %v", e.Reason, e.Err)
	}
	return "transient error: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// PreconditionError signals that the capability's precondition is not met
// given the current external state. The execution is skipped, not failed;
// a skip reflects correct behavior, not an error.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition not met: " + e.Reason
}
