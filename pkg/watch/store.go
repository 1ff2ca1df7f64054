package watch

import "time"

// UID is a server-assigned immutable message identifier, stable within a
// mailbox session (unlike sequence numbers, which renumber on expunge).
type UID = uint32

// Notification kinds surfaced while waiting in idle.
const (
	NotificationExists = "exists"
	NotificationOther  = "other"
)

// Notification is one untagged server update received during an idle wait.
type Notification struct {
	Kind  string
	Count uint32
}

// SelectInfo describes the mailbox right after selection.
type SelectInfo struct {
	ExistsCount uint32
}

// MailStore is the mailbox session the monitor drives. Implementations wrap a
// single connection; idle waits and fetch commands are mutually exclusive on
// it, which the monitor's sequencing guarantees.
type MailStore interface {
	// Login dials and authenticates a fresh session.
	Login() error
	// SelectFolder opens the watched folder and reports its message count.
	SelectFolder(folder string) (SelectInfo, error)

	// BeginIdle enters the server's idle wait mode.
	BeginIdle() error
	// PollIdle collects notifications that arrived during the idle wait,
	// blocking up to timeout. An empty slice means the poll window elapsed
	// quietly.
	PollIdle(timeout time.Duration) ([]Notification, error)
	// EndIdle leaves idle mode so fetch commands may run.
	EndIdle() error

	// SearchAll returns every UID in the folder in ascending order.
	SearchAll() ([]UID, error)
	// SearchUnread returns the UIDs of unread messages in ascending order.
	SearchUnread() ([]UID, error)
	// MapSequenceRange resolves sequence numbers lo..hi to UIDs.
	MapSequenceRange(lo, hi uint32) (map[uint32]UID, error)

	// FetchMessage retrieves the full raw message without marking it read.
	FetchMessage(uid UID) ([]byte, error)
	// MarkRead sets the seen flag on a message.
	MarkRead(uid UID) error

	// Logout ends the session. Safe to call on a broken connection.
	Logout() error
}
