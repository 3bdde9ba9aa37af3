// ABOUTME: Wire method names for calls and notifications in both directions.
// ABOUTME: The call set is closed; anything else is answered with Method-Not-Found.

package jsonrpc

// Calls accepted by the gateway.
const (
	MethodConfigure     = "kaiak/configure"
	MethodGenerateFix   = "kaiak/generate_fix"
	MethodDeleteSession = "kaiak/delete_session"
)

// Caller → gateway notification.
const MethodClientUserMessage = "kaiak/client/user_message"

// Gateway → caller notifications, one per event kind.
const (
	MethodStreamProgress         = "kaiak/stream/progress"
	MethodStreamAIResponse       = "kaiak/stream/ai_response"
	MethodStreamToolCall         = "kaiak/stream/tool_call"
	MethodStreamThinking         = "kaiak/stream/thinking"
	MethodStreamUserInteraction  = "kaiak/stream/user_interaction"
	MethodStreamFileModification = "kaiak/stream/file_modification"
	MethodStreamError            = "kaiak/stream/error"
	MethodStreamSystem           = "kaiak/stream/system"
)
