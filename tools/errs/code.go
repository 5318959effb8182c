package errs

// Error codes grouped by concern. 1xxx auth, 2xxx authorization,
// 3xxx protocol, 4xxx shared store, 5xxx internal.
const (
	CodeAuthFailed       = 1001
	CodeNotParticipant   = 2001
	CodeUnknownFrame     = 3001
	CodeMalformedFrame   = 3002
	CodeStoreUnavailable = 4001
	CodeConnNotFound     = 4002
	CodeInternal         = 5001
)

var (
	ErrAuthFailed       = NewCodeError(CodeAuthFailed, "authentication failed")
	ErrNotParticipant   = NewCodeError(CodeNotParticipant, "not a participant")
	ErrUnknownFrame     = NewCodeError(CodeUnknownFrame, "unknown frame kind")
	ErrMalformedFrame   = NewCodeError(CodeMalformedFrame, "malformed frame")
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "shared store unavailable")
	ErrConnNotFound     = NewCodeError(CodeConnNotFound, "connection not found")
	ErrInternal         = NewCodeError(CodeInternal, "internal error")
)
