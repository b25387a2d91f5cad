package schemas

// MessageType enumerates every frame kind the agent broadcasts over its
// websocket channel. The set is closed: clients switch exhaustively on it.
type MessageType string

const (
	MsgGenerationStarted  MessageType = "GENERATION_STARTED"
	MsgGenerationComplete MessageType = "GENERATION_COMPLETE"

	MsgPhaseGenerating   MessageType = "PHASE_GENERATING"
	MsgPhaseGenerated    MessageType = "PHASE_GENERATED"
	MsgPhaseImplementing MessageType = "PHASE_IMPLEMENTING"
	MsgPhaseValidating   MessageType = "PHASE_VALIDATING"
	MsgPhaseValidated    MessageType = "PHASE_VALIDATED"
	MsgPhaseImplemented  MessageType = "PHASE_IMPLEMENTED"

	MsgFileGenerating     MessageType = "FILE_GENERATING"
	MsgFileChunkGenerated MessageType = "FILE_CHUNK_GENERATED"
	MsgFileGenerated      MessageType = "FILE_GENERATED"
	MsgFileRegenerating   MessageType = "FILE_REGENERATING"
	MsgFileRegenerated    MessageType = "FILE_REGENERATED"

	MsgStaticAnalysisResults MessageType = "STATIC_ANALYSIS_RESULTS"
	MsgRuntimeErrorFound     MessageType = "RUNTIME_ERROR_FOUND"

	MsgDeterministicCodeFixStarted   MessageType = "DETERMINISTIC_CODE_FIX_STARTED"
	MsgDeterministicCodeFixCompleted MessageType = "DETERMINISTIC_CODE_FIX_COMPLETED"

	MsgDeploymentStarted   MessageType = "DEPLOYMENT_STARTED"
	MsgDeploymentCompleted MessageType = "DEPLOYMENT_COMPLETED"
	MsgDeploymentFailed    MessageType = "DEPLOYMENT_FAILED"

	MsgCommandExecuting MessageType = "COMMAND_EXECUTING"

	MsgConversationResponse MessageType = "CONVERSATION_RESPONSE"
	MsgConversationCleared  MessageType = "CONVERSATION_CLEARED"

	MsgGitHubExportStarted   MessageType = "GITHUB_EXPORT_STARTED"
	MsgGitHubExportProgress  MessageType = "GITHUB_EXPORT_PROGRESS"
	MsgGitHubExportCompleted MessageType = "GITHUB_EXPORT_COMPLETED"
	MsgGitHubExportError     MessageType = "GITHUB_EXPORT_ERROR"

	MsgScreenshotCaptureStarted MessageType = "SCREENSHOT_CAPTURE_STARTED"
	MsgScreenshotCaptureSuccess MessageType = "SCREENSHOT_CAPTURE_SUCCESS"
	MsgScreenshotCaptureError   MessageType = "SCREENSHOT_CAPTURE_ERROR"

	MsgAgentConnected MessageType = "agent_connected"

	MsgRateLimitError MessageType = "RATE_LIMIT_ERROR"
	MsgError          MessageType = "ERROR"
)

// projectUpdateTypes are the message kinds whose text also lands in the
// agent's project-update accumulator.
var projectUpdateTypes = map[MessageType]bool{
	MsgPhaseGenerated:    true,
	MsgPhaseImplemented:  true,
	MsgFileGenerated:     true,
	MsgFileRegenerated:   true,
	MsgRuntimeErrorFound: true,
	MsgCommandExecuting:  true,
}

// IsProjectUpdate reports whether frames of this type feed the accumulator.
func (t MessageType) IsProjectUpdate() bool { return projectUpdateTypes[t] }

// WSMessage is the envelope serialized onto every websocket frame.
type WSMessage struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}
