package wire

// Error codes carried in error frames. Authentication failures never reach
// the socket as frames; they close the upgrade with a bare 401.
const (
	// Authentication
	ErrInvalid            = "invalid"
	ErrNoPendingChallenge = "no_pending_challenge"
	ErrChallengeExpired   = "challenge_expired"
	ErrChallengeMismatch  = "challenge_mismatch"
	ErrInvalidSignature   = "invalid_signature"
	ErrNoPublicKey        = "no_public_key"

	// Authorization
	ErrCrossTenant = "cross_tenant"
	ErrForbidden   = "forbidden"

	// Lookup
	ErrNotFound = "not_found"

	// Validation
	ErrInvalidStatus    = "invalid_status"
	ErrInvalidState     = "invalid_state"
	ErrInvalidKind      = "invalid_kind"
	ErrInvalidPublicKey = "invalid_public_key"
	ErrInvalidPayload   = "invalid_payload"

	// Capacity
	ErrNoCapableAgent = "no_capable_agent"
	ErrRateLimited    = "rate_limited"
	ErrBackpressure   = "backpressure"

	// Availability
	ErrUnavailable  = "unavailable"
	ErrTimeout      = "timeout"
	ErrNotConnected = "not_connected"
)
