package app

// StopReason labels why the app is shutting down. It is logged and
// reported to the service manager.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopStartFailed StopReason = "start_failed"
)
