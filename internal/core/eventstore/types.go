package eventstore

// Session is one row of the sessions table: a single run of the monitor
// process, from process start until the session_id rotates.
type Session struct {
	ID           string
	StartedAtUTC int64
	OS           *string
	Hostname     *string
	AppVersion   *string
}

// Event is one row of the events fact table.
type Event struct {
	ID              string
	TSUtc           int64
	Monitor         string
	Action          string
	SubjectType     string
	SubjectID       *string
	SessionID       string
	BatchID         *string
	PID             *int64
	ExeName         *string
	ExePathHash     *string
	WindowTitleHash *string
	URLHash         *string
	FilePathHash    *string
	AttrsJSON       *string
}

// Monitor names recognized by the events.monitor CHECK constraint.
const (
	MonitorActiveWindow    = "active_window"
	MonitorContextSnapshot = "context_snapshot"
	MonitorKeyboard        = "keyboard"
	MonitorMouse           = "mouse"
	MonitorBrowser         = "browser"
	MonitorFile            = "file"
	MonitorHeartbeat       = "heartbeat"
)

// Subject types recognized by the events.subject_type CHECK constraint.
const (
	SubjectApp    = "app"
	SubjectWindow = "window"
	SubjectFile   = "file"
	SubjectURL    = "url"
	SubjectNone   = "none"
)
