package netbeans

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EventSink receives the events an application built on Engine actually
// cares about. FileOpened (buffer discovery) and Killed (registry cleanup)
// are handled by Engine itself, since every application needs the same
// bookkeeping there.
type EventSink interface {
	OnInsert(bufID BufferID, offset int, text string)
	OnVersion(text string)
	OnStartupDone()
	OnDisconnect()
}

// Hooks are post-send extension points, mirroring the original
// implementation's per-command callback deferred onto the EventStack.
// Engine leaves all of them nil (no-op) unless a caller sets them (the
// runner sets PutBufferNumber); they exist so a caller can observe
// "this command was sent" without re-parsing its own frames.
type Hooks struct {
	Create             func()
	EditFile           func(bufID BufferID, filename string)
	SetFullName        func(bufID BufferID, filename string)
	StartAtomic        func()
	EndAtomic          func()
	Insert             func(bufID BufferID, offset int, text string)
	SetDot             func(bufID BufferID, offset int)
	PutBufferNumber    func(bufID BufferID, filename string)
	InitDone           func(bufID BufferID)
	StopDocumentListen func(bufID BufferID)
	NetbeansBuffer     func(bufID BufferID, on bool)
	SetReadOnly        func(bufID BufferID)
	GetCursor          func()
}

// CursorCallback receives the parsed reply to GetCursor.
type CursorCallback func(bufID BufferID, lnum, column, offset int)

// Engine is the NetBeans side of the session: it allocates buffer and
// sequence ids, formats and sends every outbound command/function, owns
// the reply-callback map, and owns the buffer registry.
type Engine struct {
	mu  sync.Mutex
	log *logrus.Entry
	// send transmits one already-framed line to the editor socket.
	send func([]byte) error

	Stack *EventStack
	Sink  EventSink
	Hooks Hooks

	buffers        map[BufferID]*string // nil value => created, no filename yet
	nextBuf        BufferID
	nextSeq        SeqID
	replyCallbacks map[SeqID]func(args string)
}

// NewEngine builds an Engine that writes outbound frames via send.
func NewEngine(send func([]byte) error, log *logrus.Entry) *Engine {
	return &Engine{
		log:            log,
		send:           send,
		Stack:          &EventStack{},
		buffers:        make(map[BufferID]*string),
		nextBuf:        1,
		nextSeq:        42,
		replyCallbacks: make(map[SeqID]func(string)),
	}
}

// ─── allocators & framing ──────────────────────────────────────────────────

func (e *Engine) allocBufLocked() BufferID {
	id := e.nextBuf
	e.nextBuf++
	return id
}

func (e *Engine) allocSeqLocked() SeqID {
	seq := e.nextSeq
	e.nextSeq++
	return seq
}

func formatGeneric(bufID BufferID, name string, sign byte, seq SeqID, args string) []byte {
	if args != "" {
		args = " " + args
	}
	return []byte(fmt.Sprintf("%d:%s%c%d%s\n", bufID, name, sign, seq, args))
}

// sendLocked writes a frame while mu is held; I/O errors are logged, not
// propagated — a dead editor socket is discovered by the multiplexer's own
// read loop, not by write failures on individual commands.
func (e *Engine) sendLocked(frame []byte) {
	if err := e.send(frame); err != nil {
		e.log.WithError(errors.Wrap(err, "netbeans: send")).Error("netbeans: write to editor failed")
	}
}

func (e *Engine) fire(f func()) {
	if f != nil {
		e.Stack.Add(f)
	}
}

// ─── commands and functions ────────────────────────────────────────────────

// Create allocates a new buffer id with no filename and sends `create`.
func (e *Engine) Create() BufferID {
	e.mu.Lock()
	bufID := e.allocBufLocked()
	e.buffers[bufID] = nil
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "create", '!', seq, ""))
	e.mu.Unlock()

	e.fire(e.Hooks.Create)
	return bufID
}

// EditFile allocates a new buffer id bound to filename and sends
// `editFile`. Preferred over Create for buffers that must survive an
// editor-side reopen.
func (e *Engine) EditFile(filename string) BufferID {
	e.mu.Lock()
	bufID := e.allocBufLocked()
	f := filename
	e.buffers[bufID] = &f
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "editFile", '!', seq, quote(filename)))
	e.mu.Unlock()

	if h := e.Hooks.EditFile; h != nil {
		e.fire(func() { h(bufID, filename) })
	}
	return bufID
}

// SetFullName rebinds bufID's registered filename and sends `setFullName`.
func (e *Engine) SetFullName(bufID BufferID, filename string) {
	e.mu.Lock()
	f := filename
	e.buffers[bufID] = &f
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "setFullName", '!', seq, quote(filename)))
	e.mu.Unlock()

	if h := e.Hooks.SetFullName; h != nil {
		e.fire(func() { h(bufID, filename) })
	}
}

// StartAtomic brackets the following edits so the editor defers UI
// refresh until EndAtomic.
func (e *Engine) StartAtomic() {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(0, "startAtomic", '!', seq, ""))
	e.mu.Unlock()

	e.fire(e.Hooks.StartAtomic)
}

// EndAtomic closes the atomic bracket opened by StartAtomic.
func (e *Engine) EndAtomic() {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(0, "endAtomic", '!', seq, ""))
	e.mu.Unlock()

	e.fire(e.Hooks.EndAtomic)
}

// Insert sends text at offset in bufID, escaping backslash then quote.
func (e *Engine) Insert(bufID BufferID, offset int, text string) {
	escaped := escapeText(text)
	e.mu.Lock()
	seq := e.allocSeqLocked()
	args := fmt.Sprintf("%d %s", offset, quote(escaped))
	e.sendLocked(formatGeneric(bufID, "insert", '/', seq, args))
	e.mu.Unlock()

	if h := e.Hooks.Insert; h != nil {
		e.fire(func() { h(bufID, offset, text) })
	}
}

// SetDot moves the editor's cursor in bufID to offset.
func (e *Engine) SetDot(bufID BufferID, offset int) {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "setDot", '!', seq, fmt.Sprintf("%d", offset)))
	e.mu.Unlock()

	if h := e.Hooks.SetDot; h != nil {
		e.fire(func() { h(bufID, offset) })
	}
}

// PutBufferNumber reconciles an editor-side buffer with bufID (used when
// the editor opened a file the engine didn't already know about).
func (e *Engine) PutBufferNumber(bufID BufferID, filename string) {
	e.mu.Lock()
	f := filename
	e.buffers[bufID] = &f
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "putBufferNumber", '!', seq, quote(filename)))
	e.mu.Unlock()

	if h := e.Hooks.PutBufferNumber; h != nil {
		e.fire(func() { h(bufID, filename) })
	}
}

// InitDone signals the editor that bufID has finished its initial setup,
// re-firing the editor's post-read hooks.
func (e *Engine) InitDone(bufID BufferID) {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "initDone", '!', seq, ""))
	e.mu.Unlock()

	if h := e.Hooks.InitDone; h != nil {
		e.fire(func() { h(bufID) })
	}
}

// StopDocumentListen tells the editor to stop reporting edits on bufID.
func (e *Engine) StopDocumentListen(bufID BufferID) {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "stopDocumentListen", '!', seq, ""))
	e.mu.Unlock()

	if h := e.Hooks.StopDocumentListen; h != nil {
		e.fire(func() { h(bufID) })
	}
}

// NetbeansBuffer marks bufID as engine-owned (true) or releases it (false).
func (e *Engine) NetbeansBuffer(bufID BufferID, on bool) {
	flag := "F"
	if on {
		flag = "T"
	}
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "netbeansBuffer", '!', seq, flag))
	e.mu.Unlock()

	if h := e.Hooks.NetbeansBuffer; h != nil {
		e.fire(func() { h(bufID, on) })
	}
}

// SetReadOnly marks bufID read-only in the editor.
func (e *Engine) SetReadOnly(bufID BufferID) {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.sendLocked(formatGeneric(bufID, "setReadOnly", '!', seq, ""))
	e.mu.Unlock()

	if h := e.Hooks.SetReadOnly; h != nil {
		e.fire(func() { h(bufID) })
	}
}

// GetCursor sends the getCursor function and registers cb to run when the
// reply arrives, with the four space-separated integer reply fields
// parsed out for it.
func (e *Engine) GetCursor(cb CursorCallback) {
	e.mu.Lock()
	seq := e.allocSeqLocked()
	e.setReplyCallbackLocked(seq, func(args string) {
		var bufID, lnum, column, offset int
		if _, err := fmt.Sscanf(args, "%d %d %d %d", &bufID, &lnum, &column, &offset); err != nil {
			e.log.WithError(err).Error("netbeans: getCursor: malformed reply")
			return
		}
		cb(BufferID(bufID), lnum, column, offset)
	})
	e.sendLocked(formatGeneric(0, "getCursor", '/', seq, ""))
	e.mu.Unlock()

	e.fire(e.Hooks.GetCursor)
}

// setReplyCallbackLocked registers a one-shot callback for seq. Duplicate
// registration against a still-pending seq is a programming error: it is
// logged and the existing callback is left in place.
func (e *Engine) setReplyCallbackLocked(seq SeqID, cb func(string)) {
	if _, exists := e.replyCallbacks[seq]; exists {
		e.log.WithField("seq", seq).Error("netbeans: duplicate reply callback registration")
		return
	}
	e.replyCallbacks[seq] = cb
}

// HandleReply looks up and invokes (at most once) the callback registered
// for seq. An unregistered seq is silently dropped, matching spec.md's
// error taxonomy for unknown replies.
func (e *Engine) HandleReply(seq SeqID, args string) {
	e.mu.Lock()
	cb, ok := e.replyCallbacks[seq]
	if ok {
		delete(e.replyCallbacks, seq)
	}
	e.mu.Unlock()

	if !ok {
		e.log.WithField("seq", seq).Debug("netbeans: reply for unknown seq, dropping")
		return
	}
	cb(args)
}

// ─── events (Handler interface) ────────────────────────────────────────────

// OnFileOpened implements the buffer-discovery policy: if no registered
// buffer's basename matches the opened file, allocate a new buffer id and
// reconcile it with the editor via PutBufferNumber.
func (e *Engine) OnFileOpened(ev Event) {
	e.mu.Lock()
	found := false
	for _, fname := range e.buffers {
		if fname == nil {
			continue
		}
		if filepath.Base(*fname) == filepath.Base(ev.Filename) {
			found = true
			break
		}
	}
	e.mu.Unlock()

	if found {
		return
	}
	bufID := func() BufferID {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.allocBufLocked()
	}()
	e.PutBufferNumber(bufID, ev.Filename)
}

// OnInsert forwards to Sink; Engine itself has no opinion on insert text.
func (e *Engine) OnInsert(ev Event) {
	if e.Sink != nil {
		e.Sink.OnInsert(ev.BufID, ev.Offset, ev.Text)
	}
}

// OnVersion logs the editor's protocol version string and forwards it.
func (e *Engine) OnVersion(ev Event) {
	e.log.WithField("version", ev.VersionText).Info("netbeans: editor version")
	if e.Sink != nil {
		e.Sink.OnVersion(ev.VersionText)
	}
}

// OnStartupDone logs the transition and forwards it to Sink, which is
// where session bootstrap (setting up the inbox/outbox buffers) hooks in.
func (e *Engine) OnStartupDone(ev Event) {
	e.log.Info("netbeans: startupDone")
	if e.Sink != nil {
		e.Sink.OnStartupDone()
	}
}

// OnKilled releases bufID from the registry. BufferIDs are never reused.
func (e *Engine) OnKilled(ev Event) {
	e.mu.Lock()
	if _, ok := e.buffers[ev.BufID]; !ok {
		e.mu.Unlock()
		e.log.WithField("buf", ev.BufID).Warn("netbeans: killed unknown buffer")
		return
	}
	delete(e.buffers, ev.BufID)
	e.mu.Unlock()
}

// OnDisconnect logs the event and forwards it to Sink, which is where
// session teardown (stopping the multiplexer) hooks in.
func (e *Engine) OnDisconnect(ev Event) {
	e.log.Info("netbeans: disconnect")
	if e.Sink != nil {
		e.Sink.OnDisconnect()
	}
}

func quote(s string) string {
	return `"` + s + `"`
}
