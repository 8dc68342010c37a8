package multiplex

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu            sync.Mutex
	editorLines   []string
	procLines     map[int][]string
	editorClosed  bool
	closedProcs   []int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{procLines: make(map[int][]string)}
}

func (h *recordingHandler) FromEditor(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.editorLines = append(h.editorLines, line)
}

func (h *recordingHandler) FromProcess(procID int, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procLines[procID] = append(h.procLines[procID], line)
}

func (h *recordingHandler) EditorClosed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.editorClosed = true
}

func (h *recordingHandler) ProcessClosed(procID int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closedProcs = append(h.closedProcs, procID)
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestProxyFansInEditorAndProcessLines(t *testing.T) {
	h := newRecordingHandler()
	p := New(discardLogger(), h)

	editorR, editorW := io.Pipe()
	procR, procW := io.Pipe()

	p.AddEditorReader(editorR)
	p.AddProc(7, procR)

	go p.Run()

	go func() {
		_, _ = editorW.Write([]byte("hello from editor\n"))
	}()
	go func() {
		_, _ = procW.Write([]byte("hello from proc\n"))
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.editorLines) == 1 && len(h.procLines[7]) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, "hello from editor", h.editorLines[0])
	assert.Equal(t, "hello from proc", h.procLines[7][0])
	h.mu.Unlock()

	editorW.Close()
	procW.Close()
	p.Stop()
	p.Wait()
}

func TestProxyNotifiesProcessClosedOnEOF(t *testing.T) {
	h := newRecordingHandler()
	p := New(discardLogger(), h)

	procR, procW := io.Pipe()
	p.AddProc(3, procR)
	go p.Run()

	procW.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.closedProcs) == 1
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Wait()
}

func TestProxyRemoveProcStopsFurtherDispatch(t *testing.T) {
	h := newRecordingHandler()
	p := New(discardLogger(), h)

	procR, procW := io.Pipe()
	p.AddProc(9, procR)
	go p.Run()

	p.RemoveProc(9)

	go func() {
		_, _ = procW.Write([]byte("late line\n"))
	}()

	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	assert.Empty(t, h.procLines[9])
	h.mu.Unlock()

	procW.Close()
	p.Stop()
	p.Wait()
}
