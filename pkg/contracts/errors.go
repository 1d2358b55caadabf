package contracts

import "errors"

// Denial reasons. Authorization gates fail closed with exactly one of these;
// callers match with errors.Is and must obtain a fresh authorization from the
// kernel rather than retrying the same token.
var (
	ErrTokenInvalid               = errors.New("token invalid")
	ErrSignatureForged            = errors.New("signature verification failed")
	ErrReplayAttempted            = errors.New("token already consumed")
	ErrConcurrentExecutionBlocked = errors.New("another execution is in flight")
	ErrQuorumMissing              = errors.New("quorum requirements not met")
	ErrEpochOrKeyMismatch         = errors.New("token bound to superseded epoch or key version")
	ErrDeviceRevoked              = errors.New("device trust revoked")
	ErrNetworkPolicyViolation     = errors.New("network policy violation")
	ErrEvidenceDivergence         = errors.New("evidence ledger divergence")
	ErrCrashRecovered             = errors.New("execution interrupted by abnormal termination")
	ErrSecondConfirmationMissing  = errors.New("second confirmation missing for write effect")
)
