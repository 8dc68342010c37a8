package multiplex

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives reassembled lines and descriptor-closed notifications
// from the Proxy's single consumer goroutine. Implementations never need
// their own locking: every call arrives serialized.
type Handler interface {
	FromEditor(line string)
	FromProcess(procID int, line string)
	EditorClosed(err error)
	ProcessClosed(procID int, err error)
}

// chunk is what a reader goroutine posts to the consumer loop.
type chunk struct {
	fromEditor bool
	procID     int
	data       []byte
	err        error
}

// Proxy fans in reads from the editor connection and from any number of
// process PTYs into a single serializing consumer goroutine. This is the
// idiomatic-Go replacement for a single-threaded select()/poll() loop:
// one goroutine per descriptor, one channel, one consumer — Handler
// observes a strictly serialized stream of lines regardless of how many
// descriptors are live.
type Proxy struct {
	log     *logrus.Entry
	handler Handler

	mu       sync.Mutex
	editor   LineBuffer
	procBufs map[int]*LineBuffer

	chunks   chan chunk
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Proxy. handler must be set before Run is called.
func New(log *logrus.Entry, handler Handler) *Proxy {
	return &Proxy{
		log:      log,
		handler:  handler,
		procBufs: make(map[int]*LineBuffer),
		chunks:   make(chan chunk, 64),
		done:     make(chan struct{}),
	}
}

// SetHandler (re)binds the consumer. Session wiring typically constructs
// the Proxy before the Handler that depends on it exists yet, so this is
// how the cycle gets closed.
func (p *Proxy) SetHandler(h Handler) {
	p.handler = h
}

// AddEditorReader starts a goroutine reading from r and feeding its bytes
// through the editor's LineBuffer. There is exactly one editor reader per
// Proxy, matching the one editor connection a session ever has.
func (p *Proxy) AddEditorReader(r io.Reader) {
	p.wg.Add(1)
	go p.readLoop(r, chunk{fromEditor: true})
}

// AddProc registers procID and starts a goroutine reading its output
// through a dedicated LineBuffer.
func (p *Proxy) AddProc(procID int, r io.Reader) {
	p.mu.Lock()
	p.procBufs[procID] = &LineBuffer{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(r, chunk{procID: procID})
}

// RemoveProc drops procID's buffer. Safe to call after ProcessClosed has
// already fired; a no-op if procID is unknown.
func (p *Proxy) RemoveProc(procID int) {
	p.mu.Lock()
	delete(p.procBufs, procID)
	p.mu.Unlock()
}

func (p *Proxy) readLoop(r io.Reader, tmpl chunk) {
	defer p.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c := tmpl
			c.data = data
			p.post(c)
		}
		if err != nil {
			c := tmpl
			c.err = err
			p.post(c)
			return
		}
	}
}

func (p *Proxy) post(c chunk) {
	select {
	case p.chunks <- c:
	case <-p.done:
	}
}

// Run drains chunks on the calling goroutine until Stop is called. It is
// the single point of serialization: every Handler call happens from
// here, on one goroutine, in arrival order.
func (p *Proxy) Run() {
	for {
		select {
		case c := <-p.chunks:
			p.dispatch(c)
		case <-p.done:
			p.drain()
			return
		}
	}
}

// drain flushes any chunks still queued after Stop so a reader goroutine
// blocked on post() never leaks.
func (p *Proxy) drain() {
	for {
		select {
		case <-p.chunks:
		default:
			return
		}
	}
}

func (p *Proxy) dispatch(c chunk) {
	if c.fromEditor {
		if c.err != nil {
			p.log.WithError(c.err).Info("multiplex: editor connection closed")
			p.handler.EditorClosed(c.err)
			return
		}
		for _, line := range p.editor.Feed(c.data) {
			if line.Truncated {
				p.log.WithField("bytes", maxLineBytes).Warn("multiplex: editor line exceeded max length, flushed truncated")
			}
			p.handler.FromEditor(line.Text)
		}
		return
	}

	p.mu.Lock()
	buf, known := p.procBufs[c.procID]
	p.mu.Unlock()
	if !known {
		return
	}

	if c.err != nil {
		if c.err != io.EOF {
			p.log.WithError(c.err).WithField("proc", c.procID).Debug("multiplex: process read error")
		}
		p.handler.ProcessClosed(c.procID, c.err)
		p.RemoveProc(c.procID)
		return
	}

	for _, line := range buf.Feed(c.data) {
		if line.Truncated {
			p.log.WithField("proc", c.procID).WithField("bytes", maxLineBytes).Warn("multiplex: process line exceeded max length, flushed truncated")
		}
		p.handler.FromProcess(c.procID, line.Text)
	}
}

// Stop signals Run to return. It does not close any underlying
// descriptor — closing the editor conn and process PTYs is the caller's
// job, and is what unblocks the reader goroutines blocked in Read.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

// Wait blocks until every reader goroutine has exited.
func (p *Proxy) Wait() {
	p.wg.Wait()
}
