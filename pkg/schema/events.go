package schema

// Event type constants for the render event log and the streaming hub.
const (
	EventSessionMounted   = "session_mounted"
	EventSessionUnmounted = "session_unmounted"
	EventStateChanged     = "state_changed"

	EventRequestGated       = "request_gated"
	EventRequestQueued      = "request_queued"
	EventRenderStarted      = "render_started"
	EventRenderSucceeded    = "render_succeeded"
	EventRenderFailed       = "render_failed"
	EventRenderStale        = "render_stale"
	EventRenderCacheHit     = "render_cache_hit"
	EventRenderRetryAttempt = "render_retry_attempt"
	EventRecoveryHandled    = "recovery_handled"
	EventRecoveryUnhandled  = "recovery_unhandled"
	EventThemeChanged       = "theme_changed"
)

// SessionState is the render orchestrator state of a single diagram instance.
type SessionState string

const (
	SessionStateIdle           SessionState = "idle"
	SessionStateAwaitingPlugin SessionState = "awaiting_plugin"
	SessionStateGated          SessionState = "gated"
	SessionStateRendering      SessionState = "rendering"
	SessionStateRendered       SessionState = "rendered"
	SessionStateError          SessionState = "error"
	SessionStateClosed         SessionState = "closed"
)

// DisplayMode is what the UI is currently showing for an instance.
type DisplayMode string

const (
	DisplayRaw         DisplayMode = "raw"
	DisplayPlaceholder DisplayMode = "placeholder"
	DisplayRendering   DisplayMode = "rendering"
	DisplayRendered    DisplayMode = "rendered"
	DisplayError       DisplayMode = "error"
)
