package protocol

const (
	// Transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Decision pipeline outcomes.
	ErrMalformedDecision = "E_MALFORMED_DECISION"
	ErrPolicyBlocked     = "E_POLICY_BLOCKED"
	ErrRateLimit         = "E_RATE_LIMIT"
	ErrCapability        = "E_CAPABILITY"
	ErrStale             = "E_STALE"

	// Persistence.
	ErrSnapshotInvalid = "E_SNAPSHOT_INVALID"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrMalformedDecision: {},
	ErrPolicyBlocked:     {},
	ErrRateLimit:         {},
	ErrCapability:        {},
	ErrStale:             {},
	ErrSnapshotInvalid:   {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
