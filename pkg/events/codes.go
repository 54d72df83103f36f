package events

// Client-visible error codes. This set is closed: every Error event put on
// the wire carries exactly one of these, and clients key retry logic off it.
const (
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	CodeInputRequestNotFound   = "INPUT_REQUEST_NOT_FOUND"
	CodeToolExecutionError     = "TOOL_EXECUTION_ERROR"
	CodeUIToolTimeout          = "UI_TOOL_TIMEOUT"
	CodeResumeFailed           = "RESUME_FAILED"
	CodePersistenceError       = "PERSISTENCE_ERROR"
	CodeWorkflowNotFound       = "WORKFLOW_NOT_FOUND"
	CodeAgentInitFailed        = "AGENT_INITIALIZATION_FAILED"
	CodeTransportError         = "TRANSPORT_ERROR"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
)
