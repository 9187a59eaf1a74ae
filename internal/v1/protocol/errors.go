package protocol

// ErrorCode is a stable machine-readable code emitted on the wire.
type ErrorCode string

const (
	CodeAuthRequired         ErrorCode = "AUTH_REQUIRED"
	CodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	CodeForbidden            ErrorCode = "FORBIDDEN"
	CodeValidationError      ErrorCode = "VALIDATION_ERROR"
	CodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	CodeContentTooLong       ErrorCode = "CONTENT_TOO_LONG"
	CodeMessageNotFound      ErrorCode = "MESSAGE_NOT_FOUND"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeRoomReadNotSupported ErrorCode = "ROOM_READ_NOT_SUPPORTED"
	CodeNotAMember           ErrorCode = "NOT_A_MEMBER"
	CodeInvalidLastMessageID ErrorCode = "INVALID_LAST_MESSAGE_ID"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
	CodePersistenceError     ErrorCode = "PERSISTENCE_ERROR"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeBackpressure         ErrorCode = "BACKPRESSURE"
	CodeRecipientBufferFull  ErrorCode = "RECIPIENT_BUFFER_FULL"
	CodeVersionMismatch      ErrorCode = "VERSION_MISMATCH"
	CodeUnsupportedFormat    ErrorCode = "UNSUPPORTED_FORMAT"
	CodeHelloRequired        ErrorCode = "HELLO_REQUIRED"
	CodeUnknownType          ErrorCode = "UNKNOWN_TYPE"
	CodeRoomFull             ErrorCode = "ROOM_FULL"
	CodeRoomNotFound         ErrorCode = "ROOM_NOT_FOUND"
)

// WebSocket close codes used by the chat core.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseInvalidPayload     = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseInternalError      = 1011
	CloseUnauthorized       = 4001
	CloseTooManyTabs        = 4002
	CloseAdminRequired      = 4003
	CloseInvalidConnState   = 4004
	CloseRehydrationFailure = 4005
)

// Result is the explicit outcome record services hand back to handlers.
// Handlers translate failed results into NACK/ERROR envelopes; they never
// raise.
type Result struct {
	OK      bool
	Code    ErrorCode
	Message string
}

// Ok returns a successful result.
func Ok() Result {
	return Result{OK: true}
}

// Fail returns a failed result with a stable code and operator message.
func Fail(code ErrorCode, message string) Result {
	return Result{OK: false, Code: code, Message: message}
}
