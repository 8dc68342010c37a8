package runner

import (
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxcx/abeansd/internal/multiplex"
	"github.com/loxcx/abeansd/internal/netbeans"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakePTY struct {
	mu         sync.Mutex
	written    []string
	closeCount int
	pr         *io.PipeReader
}

func newFakePTY() (*fakePTY, *io.PipeWriter) {
	pr, pw := io.Pipe()
	return &fakePTY{pr: pr}, pw
}

func (f *fakePTY) Read(p []byte) (int, error) { return f.pr.Read(p) }
func (f *fakePTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return len(p), nil
}
func (f *fakePTY) Fd() uintptr { return 0 }
func (f *fakePTY) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return f.pr.Close()
}

func (f *fakePTY) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakePTY) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func newTestRunner(t *testing.T) (*Runner, *[][]byte) {
	var frames [][]byte
	engine := netbeans.NewEngine(func(b []byte) error {
		cp := make([]byte, len(b))
		copy(cp, b)
		frames = append(frames, cp)
		return nil
	}, testLogger())
	parser := netbeans.NewParser(testLogger())
	proxy := multiplex.New(testLogger(), nil)
	r := New(testLogger(), engine, parser, proxy, "/tmp/in", "/tmp/out")
	return r, &frames
}

// registerProcess injects a process directly into the table, bypassing
// spawnFunc, so DATA/KILL dispatch can be tested without starting a real
// subprocess.
func registerProcess(r *Runner, id int, ptm ptyFile) {
	r.mu.Lock()
	r.processes[id] = &process{id: id, ptm: ptm, cmd: &exec.Cmd{}, done: make(chan struct{})}
	r.mu.Unlock()
}

func TestOnInsertDropsTrivialFragments(t *testing.T) {
	r, _ := newTestRunner(t)

	r.OnInsert(9, 0, "   ")
	r.OnInsert(9, 0, `\n`)
	r.OnInsert(9, 0, `\t`)
	r.OnInsert(9, 0, "real data")

	data, ok := r.popInsert(9)
	require.True(t, ok)
	assert.Equal(t, "real data", data)

	_, ok = r.popInsert(9)
	assert.False(t, ok)
}

func TestPopInsertIsFIFO(t *testing.T) {
	r, _ := newTestRunner(t)

	r.OnInsert(1, 0, "first")
	r.OnInsert(1, 0, "second")

	first, ok := r.popInsert(1)
	require.True(t, ok)
	assert.Equal(t, "first", first)

	second, ok := r.popInsert(1)
	require.True(t, ok)
	assert.Equal(t, "second", second)
}

func TestDispatchEmbeddedDataWritesToProcess(t *testing.T) {
	r, _ := newTestRunner(t)
	ptm, pw := newFakePTY()
	defer pw.Close()
	registerProcess(r, 5, ptm)

	r.dispatchEmbedded("##_DATA_5_##hello")

	writes := ptm.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "hello\n", writes[0])
}

func TestDispatchEmbeddedDataAndPauseArmsCountdown(t *testing.T) {
	r, _ := newTestRunner(t)
	ptm, pw := newFakePTY()
	defer pw.Close()
	registerProcess(r, 2, ptm)

	r.dispatchEmbedded("##_DATA_2_AND_PAUSE_AFTER_3_##go")

	r.mu.Lock()
	after, proc := r.pauseAfter, r.pauseAfterProc
	r.mu.Unlock()
	assert.Equal(t, 3, after)
	assert.Equal(t, 2, proc)

	writes := ptm.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "go\n", writes[0])
}

func TestDispatchEmbeddedUnrecognizedDataIsDropped(t *testing.T) {
	r, _ := newTestRunner(t)
	assert.NotPanics(t, func() {
		r.dispatchEmbedded("not a valid embedded command")
	})
}

func TestFromProcessSendsDataFrameAndDecrementsPauseCountdown(t *testing.T) {
	r, frames := newTestRunner(t)
	r.inboxID = 1
	r.pauseAfter = 1
	r.pauseAfterProc = 7

	r.FromProcess(7, "line of output")

	require.NotEmpty(t, *frames)
	insertFrame := findInsertFrame(t, *frames)
	assert.Contains(t, insertFrame, "##_DATA_7_##line of output")

	r.mu.Lock()
	paused := r.paused
	afterCount := r.pauseAfter
	r.mu.Unlock()
	assert.True(t, paused)
	assert.Equal(t, 0, afterCount)
}

func TestSendToVimQueuesWhilePaused(t *testing.T) {
	r, frames := newTestRunner(t)
	r.inboxID = 1
	r.paused = true

	r.sendToVim("queued message")

	assert.Empty(t, *frames)
	r.mu.Lock()
	pending := r.pausedMessages
	r.mu.Unlock()
	assert.Equal(t, []string{"queued message"}, pending)
}

func TestContinueMessagesFlushesQueueInOrder(t *testing.T) {
	r, frames := newTestRunner(t)
	r.inboxID = 1
	r.paused = true
	r.pausedMessages = []string{"one", "two"}

	r.continueMessages()

	r.mu.Lock()
	paused := r.paused
	r.mu.Unlock()
	assert.False(t, paused)

	var inserted []string
	for _, f := range *frames {
		s := string(f)
		if strings.Contains(s, ":insert/") {
			inserted = append(inserted, s)
		}
	}
	require.Len(t, inserted, 2)
	assert.Contains(t, inserted[0], "one")
	assert.Contains(t, inserted[1], "two")
}

func TestProcessClosedSendsTerminatedAndReapsTable(t *testing.T) {
	r, frames := newTestRunner(t)
	r.inboxID = 1
	ptm, pw := newFakePTY()
	pw.Close()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	r.mu.Lock()
	r.processes[11] = &process{id: 11, ptm: ptm, cmd: cmd, done: make(chan struct{})}
	r.mu.Unlock()

	r.ProcessClosed(11, io.EOF)

	r.mu.Lock()
	_, stillPresent := r.processes[11]
	r.mu.Unlock()
	assert.False(t, stillPresent)

	insertFrame := findInsertFrame(t, *frames)
	assert.Contains(t, insertFrame, "##_TERMINATED_11_##")
	assert.Equal(t, 1, ptm.closed(), "ProcessClosed must close the PTY master")
}

func TestDispatchEmbeddedKillSendsSigtermAndProcessClosedClosesPTM(t *testing.T) {
	r, _ := newTestRunner(t)
	ptm, pw := newFakePTY()
	defer pw.Close()

	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	registerProcess(r, 3, ptm)
	r.mu.Lock()
	r.processes[3].cmd = cmd
	r.mu.Unlock()

	r.dispatchEmbedded("##_KILL_3_##")

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		assert.Error(t, err, "sleep should have been terminated by SIGTERM")
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated by KILL dispatch")
	}

	r.ProcessClosed(3, io.EOF)
	assert.Equal(t, 1, ptm.closed(), "PTY master should be closed exactly once after the process is reaped")
}

func TestKillProcEscalatesToSigkillWhenProcessIgnoresSigterm(t *testing.T) {
	r, _ := newTestRunner(t)
	ptm, pw := newFakePTY()
	defer pw.Close()

	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	registerProcess(r, 9, ptm)
	r.mu.Lock()
	r.processes[9].cmd = cmd
	r.mu.Unlock()

	r.killProc(9)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	select {
	case err := <-waitErr:
		assert.Error(t, err, "process ignoring SIGTERM should still die from the SIGKILL escalation")
	case <-time.After(2 * time.Second):
		t.Fatal("process survived past the SIGKILL grace period")
	}
	assert.Eventually(t, func() bool { return ptm.closed() == 1 }, time.Second, 10*time.Millisecond,
		"killProc's SIGKILL branch should close the PTY master as a backstop")
}

func TestProcessClosePTMIsIdempotent(t *testing.T) {
	ptm, pw := newFakePTY()
	defer pw.Close()
	p := &process{id: 1, ptm: ptm, done: make(chan struct{})}

	p.closePTM()
	p.closePTM()

	assert.Equal(t, 1, ptm.closed())
}

func findInsertFrame(t *testing.T, frames [][]byte) string {
	t.Helper()
	for _, f := range frames {
		s := string(f)
		if strings.Contains(s, ":insert/") {
			return s
		}
	}
	t.Fatal("no insert frame found")
	return ""
}
