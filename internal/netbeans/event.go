// Package netbeans implements the NetBeans external-editor protocol: line
// classification, the deferred event-dispatch queue, and the session-side
// engine that allocates buffer/sequence ids and formats outbound frames.
//
// See http://www.cs.toronto.edu/~yijun/csc408h/handouts/ExtEdProtocol.html
// for the wire protocol this package speaks.
package netbeans

// BufferID identifies an editor-visible buffer. Allocated monotonically by
// Engine and never reused within a session, even after the buffer is killed.
type BufferID int

// SeqID correlates an outbound function with its reply. Allocated
// monotonically starting at 42, matching the original implementation.
type SeqID int

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventFileOpened EventKind = iota
	EventInsert
	EventVersion
	EventStartupDone
	EventKilled
	EventDisconnect
)

// Event is the closed sum type the parser produces. Only the fields
// belonging to Kind are meaningful.
type Event struct {
	Kind EventKind

	// FileOpened
	Filename string
	Opened   bool
	Modified bool

	// Insert (also carries BufID)
	Offset int
	Text   string

	// Version
	VersionText string

	// shared: BufID is set by the envelope for every event kind, but is
	// only semantically relevant for Insert and Killed.
	BufID BufferID
}
