// Package runner implements the embedded exec/data protocol carried
// inside NetBeans insert events: it spawns shell commands under PTYs,
// relays their output back to the editor, and honors the pause/resume
// flow control the editor can request over the same channel.
package runner

import (
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/loxcx/abeansd/internal/multiplex"
	"github.com/loxcx/abeansd/internal/netbeans"
)

const (
	// insertSentinelOffset is the offset every outbound data insert uses.
	// It is never a real cursor position; the editor-side plugin uses it
	// to recognize engine-authored inserts.
	insertSentinelOffset = 99999

	// killGrace is how long a killed process gets to exit cleanly after
	// SIGTERM before the runner escalates to SIGKILL.
	killGrace = 200 * time.Millisecond
)

var (
	execCmdRe      = regexp.MustCompile(`^##_EXEC_(\d+)_\[(.*)\]_##$`)
	killCmdRe      = regexp.MustCompile(`^##_KILL_(\d+)_##$`)
	dataPauseCmdRe = regexp.MustCompile(`^##_DATA_(\d+)_AND_PAUSE_AFTER_(\d+)_##(.*)$`)
	dataCmdRe      = regexp.MustCompile(`^##_DATA_(\d+)_##(.*)$`)
	pauseCmdRe     = regexp.MustCompile(`^##_PAUSE_##$`)
	continueCmdRe  = regexp.MustCompile(`^##_CONTINUE_##$`)
)

// process is one spawned command running under its own PTY.
type process struct {
	id        int
	ptm       ptyFile
	cmd       *exec.Cmd
	done      chan struct{} // closed once ProcessClosed has handled this process's EOF
	closeOnce sync.Once
}

// closePTM closes the process's PTY master exactly once, safe to call
// from both ProcessClosed and a racing killProc escalation.
func (p *process) closePTM() {
	p.closeOnce.Do(func() {
		_ = p.ptm.Close()
	})
}

// ptyFile is the subset of *os.File the runner needs from a PTY master,
// narrowed so tests can substitute an in-memory pipe.
type ptyFile interface {
	io.Reader
	io.Writer
	io.Closer
	Fd() uintptr
}

// Runner is the application core built on top of the NetBeans engine: it
// owns the process table, the per-buffer insert queues the editor
// protocol is scraped from, and pause/resume state. It implements
// netbeans.EventSink (consuming engine-dispatched events) and
// multiplex.Handler (consuming editor and process lines).
type Runner struct {
	log    *logrus.Entry
	Engine *netbeans.Engine
	parser *netbeans.Parser
	proxy  *multiplex.Proxy

	inboxFilename  string
	outboxFilename string

	// spawnFunc is overridable in tests; production wiring spawns a real
	// PTY-backed subprocess via pty.Start.
	spawnFunc func(cmdline string) (*exec.Cmd, ptyFile, error)

	mu             sync.Mutex
	processes      map[int]*process
	inboxID        netbeans.BufferID
	outboxID       netbeans.BufferID
	inserts        map[netbeans.BufferID][]string
	paused         bool
	pausedMessages []string
	pauseAfter     int
	pauseAfterProc int
}

// New builds a Runner wired to engine and proxy. It registers itself as
// the engine's EventSink and installs the PutBufferNumber hook the
// embedded protocol relies on (hide then stop-listening any buffer the
// editor opened on its own, since it wasn't created by this session).
func New(log *logrus.Entry, engine *netbeans.Engine, parser *netbeans.Parser, proxy *multiplex.Proxy, inboxFilename, outboxFilename string) *Runner {
	r := &Runner{
		log:            log,
		Engine:         engine,
		parser:         parser,
		proxy:          proxy,
		inboxFilename:  inboxFilename,
		outboxFilename: outboxFilename,
		processes:      make(map[int]*process),
		inserts:        make(map[netbeans.BufferID][]string),
	}
	r.spawnFunc = r.spawnPTY

	engine.Sink = r
	engine.Hooks.PutBufferNumber = func(bufID netbeans.BufferID, filename string) {
		engine.NetbeansBuffer(bufID, false)
		engine.StopDocumentListen(bufID)
	}
	proxy.SetHandler(r)
	return r
}

// ─── netbeans.EventSink ─────────────────────────────────────────────────

// OnInsert buffers non-trivial insert text per buffer, FIFO, for later
// consumption by FromEditor's embedded-protocol scrape. Whitespace-only
// fragments and the literal two-character escapes "\n"/"\t" are dropped,
// matching what the editor side sends for keystrokes with no payload.
func (r *Runner) OnInsert(bufID netbeans.BufferID, offset int, text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == `\n` || trimmed == `\t` {
		return
	}
	r.mu.Lock()
	r.inserts[bufID] = append(r.inserts[bufID], trimmed)
	r.mu.Unlock()
}

// OnVersion logs the editor's reported protocol version.
func (r *Runner) OnVersion(text string) {
	r.log.WithField("version", text).Debug("runner: editor reported protocol version")
}

// OnStartupDone performs the one-time inbox/outbox buffer setup once the
// editor signals it has finished its own initialization.
func (r *Runner) OnStartupDone() {
	r.setupInOutBuffers()
}

// OnDisconnect stops the multiplexer, which unwinds the session.
func (r *Runner) OnDisconnect() {
	r.proxy.Stop()
}

func (r *Runner) setupInOutBuffers() {
	inboxID := r.Engine.EditFile(r.inboxFilename)
	r.Engine.SetReadOnly(inboxID)
	r.Engine.StopDocumentListen(inboxID)

	outboxID := r.Engine.EditFile(r.outboxFilename)

	r.mu.Lock()
	r.inboxID = inboxID
	r.outboxID = outboxID
	r.mu.Unlock()

	// An empty scratch buffer lets the editor hide the in/out buffers
	// without closing the session.
	r.Engine.Create()

	r.Engine.InitDone(inboxID)
}

// ─── multiplex.Handler ──────────────────────────────────────────────────

// FromEditor feeds one NetBeans protocol line through the parser, drains
// the resulting deferred events, then pops the oldest queued outbox insert
// and interprets it as an embedded exec/data protocol command. One line
// carries at most one insert event and the queue is popped after every
// line, so the popped insert is the one this line just delivered.
func (r *Runner) FromEditor(line string) {
	r.parser.Parse([]byte(line+"\n"), r.Engine.Stack, r.Engine, r.Engine.HandleReply)
	r.Engine.Stack.ExecAll()

	r.mu.Lock()
	outboxID := r.outboxID
	r.mu.Unlock()
	if outboxID == 0 {
		return
	}

	data, ok := r.popInsert(outboxID)
	if !ok {
		return
	}
	r.dispatchEmbedded(data)
}

// FromProcess relays one line of process output back to the editor,
// framed as a DATA message, and advances any armed auto-pause countdown.
func (r *Runner) FromProcess(procID int, line string) {
	r.sendToVim(fmt.Sprintf("##_DATA_%d_##%s", procID, line))

	r.mu.Lock()
	if r.pauseAfter > 0 && r.pauseAfterProc == procID {
		r.pauseAfter--
		if r.pauseAfter == 0 {
			r.paused = true
		}
	}
	r.mu.Unlock()
}

// EditorClosed stops the multiplexer if the editor socket dropped without
// a prior well-formed disconnect event.
func (r *Runner) EditorClosed(err error) {
	r.log.WithError(err).Info("runner: editor connection closed")
	r.proxy.Stop()
}

// ProcessClosed reaps the process, notifies the editor it terminated, and
// cancels the grace-period SIGKILL timer killProc may have armed.
func (r *Runner) ProcessClosed(procID int, err error) {
	r.mu.Lock()
	p, ok := r.processes[procID]
	if ok {
		delete(r.processes, procID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	close(p.done)
	_ = p.cmd.Wait()
	p.closePTM()
	r.sendToVim(fmt.Sprintf("##_TERMINATED_%d_##", procID))
}

// ─── embedded protocol ──────────────────────────────────────────────────

func (r *Runner) dispatchEmbedded(data string) {
	switch {
	case execCmdRe.MatchString(data):
		m := execCmdRe.FindStringSubmatch(data)
		id, err := strconv.Atoi(m[1])
		if err != nil {
			r.log.WithError(err).Error("runner: EXEC id not numeric")
			return
		}
		cmdline := m[2]
		if err := r.startProc(id, cmdline); err != nil {
			r.log.WithError(err).WithField("proc", id).Error("runner: unable to start command")
			return
		}
		r.sendToVim(fmt.Sprintf("##_STARTED_%d_##", id))

	case killCmdRe.MatchString(data):
		m := killCmdRe.FindStringSubmatch(data)
		id, err := strconv.Atoi(m[1])
		if err != nil {
			r.log.WithError(err).Error("runner: KILL id not numeric")
			return
		}
		r.killProc(id)

	case dataPauseCmdRe.MatchString(data):
		m := dataPauseCmdRe.FindStringSubmatch(data)
		id, err1 := strconv.Atoi(m[1])
		after, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			r.log.Error("runner: DATA_AND_PAUSE ids not numeric")
			return
		}
		r.pauseMessages(after, id)
		r.writeToProc(id, m[3])

	case dataCmdRe.MatchString(data):
		m := dataCmdRe.FindStringSubmatch(data)
		id, err := strconv.Atoi(m[1])
		if err != nil {
			r.log.WithError(err).Error("runner: DATA id not numeric")
			return
		}
		r.writeToProc(id, m[2])

	case pauseCmdRe.MatchString(data):
		r.pauseMessages(0, 0)

	case continueCmdRe.MatchString(data):
		r.continueMessages()

	default:
		r.log.WithField("data", data).Error("runner: embedded protocol data unrecognized")
	}
}

func (r *Runner) popInsert(bufID netbeans.BufferID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.inserts[bufID]
	if len(q) == 0 {
		return "", false
	}
	head := q[0]
	r.inserts[bufID] = q[1:]
	return head, true
}

// ─── process lifecycle ──────────────────────────────────────────────────

func (r *Runner) spawnPTY(cmdline string) (*exec.Cmd, ptyFile, error) {
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, errors.Wrap(err, "pty.Start")
	}
	if _, err := term.MakeRaw(int(ptm.Fd())); err != nil {
		r.log.WithError(err).Warn("runner: failed to set PTY raw mode")
	}
	return cmd, ptm, nil
}

func (r *Runner) startProc(id int, cmdline string) error {
	cmd, ptm, err := r.spawnFunc(cmdline)
	if err != nil {
		return err
	}

	p := &process{id: id, ptm: ptm, cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.processes[id] = p
	r.mu.Unlock()

	r.proxy.AddProc(id, ptm)
	r.log.WithFields(logrus.Fields{"proc": id, "cmd": cmdline}).Debug("runner: process started")
	return nil
}

// killProc sends SIGTERM to id's process group immediately, then escalates
// to SIGKILL after killGrace unless ProcessClosed already reaped it.
func (r *Runner) killProc(id int) {
	r.mu.Lock()
	p, ok := r.processes[id]
	r.mu.Unlock()
	if !ok {
		r.log.WithField("proc", id).Warn("runner: kill requested for unknown process")
		return
	}

	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		pgid = p.cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	go func() {
		select {
		case <-p.done:
			// ProcessClosed is reaping the process and closes the PTY
			// master itself.
		case <-time.After(killGrace):
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			p.closePTM()
		}
	}()
}

func (r *Runner) writeToProc(id int, data string) {
	r.mu.Lock()
	p, ok := r.processes[id]
	r.mu.Unlock()
	if !ok {
		r.log.WithField("proc", id).Warn("runner: write requested for unknown process")
		return
	}
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	if _, err := p.ptm.Write([]byte(data)); err != nil {
		r.log.WithError(err).WithField("proc", id).Error("runner: write to process failed")
	}
}

// Shutdown force-kills every still-running process and blocks until each
// one's PTY master is closed, so no fd outlives the session loop.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		r.killProc(p.id)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-time.After(killGrace + killGrace):
		}
		p.closePTM()
	}
}

// ─── pause/resume flow control ──────────────────────────────────────────

func (r *Runner) pauseMessages(after, procID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if after > 0 {
		r.pauseAfter = after
		r.pauseAfterProc = procID
		return
	}
	r.paused = true
}

func (r *Runner) continueMessages() {
	r.mu.Lock()
	pending := r.pausedMessages
	r.pausedMessages = nil
	r.paused = false
	r.mu.Unlock()

	for _, msg := range pending {
		r.sendToVim(msg)
	}
}

// sendToVim queues data if paused, else inserts it into the inbox buffer
// bracketed by startAtomic/endAtomic at the sentinel offset. The editor
// plugin is responsible for scraping this insert back out.
func (r *Runner) sendToVim(data string) {
	r.mu.Lock()
	if r.paused {
		r.pausedMessages = append(r.pausedMessages, data)
		r.mu.Unlock()
		return
	}
	inboxID := r.inboxID
	r.mu.Unlock()

	r.Engine.StartAtomic()
	r.Engine.Insert(inboxID, insertSentinelOffset, strings.TrimSpace(data))
	r.Engine.InitDone(inboxID)
	r.Engine.EndAtomic()
}
