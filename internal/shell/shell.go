// Package shell implements the Shell Bridge: a three-way I/O pump
// between a pod exec session and a terminal emulator parser, plus a
// resize channel, per spec 4.G. Grounded on the karmada-dashboard
// terminal.go pattern (other_examples) for the exec/TTY plumbing, and
// on the teacher's stream.go cancellation/counter idiom for the pump
// loops themselves.
package shell

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"k8s.io/client-go/tools/remotecommand"

	"github.com/kubenav/kubenav/internal/kube"
)

// TerminalEmulator is the narrow parser interface the output pump
// feeds bytes into. A real implementation interprets escape sequences
// to maintain a screen buffer; TerminalEmulator only needs to accept
// raw bytes under its own lock, matching spec's "one reader/writer
// lock on the terminal parser" shared-mutable-state rule.
type TerminalEmulator interface {
	Feed(data []byte)
}

// PassthroughEmulator is a stub TerminalEmulator that only tracks the
// last chunk it saw; useful for tests and for callers who render the
// raw stream themselves.
type PassthroughEmulator struct {
	mu   sync.RWMutex
	last []byte
}

func (p *PassthroughEmulator) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = append([]byte(nil), data...)
}

// Last returns the most recently fed chunk.
func (p *PassthroughEmulator) Last() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// execSession is the slice of kube.ExecSession the bridge depends on,
// narrowed for testability.
type execSession interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(remotecommand.TerminalSize)
	Wait() error
}

// sessionAdapter adapts a *kube.ExecSession to execSession.
type sessionAdapter struct{ s *kube.ExecSession }

func (a sessionAdapter) Write(p []byte) (int, error) { return a.s.Stdin.Write(p) }
func (a sessionAdapter) Read(p []byte) (int, error)  { return a.s.Stdout.Read(p) }
func (a sessionAdapter) Resize(size remotecommand.TerminalSize) {
	select {
	case a.s.Resize <- size:
	default:
	}
}
func (a sessionAdapter) Wait() error { return a.s.Wait() }

// Bridge owns the three pumps for one shell session.
type Bridge struct {
	podRef  kube.Reference
	command []string
	emu     TerminalEmulator

	session execSession

	// input is unbounded in spirit: Send never drops bytes, spawning a
	// goroutine to block on a full channel rather than discard input.
	// resizes is the opposite: bounded(1) and coalescing, since only the
	// latest terminal size ever matters.
	input   chan []byte
	resizes chan remotecommand.TerminalSize

	running  atomic.Bool
	finished atomic.Bool
	errFlag  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an unstarted Bridge.
func New(emu TerminalEmulator) *Bridge {
	return &Bridge{
		emu:     emu,
		input:   make(chan []byte, 256),
		resizes: make(chan remotecommand.TerminalSize, 1),
	}
}

// Start opens an exec session against podRef's container and launches
// the three pumps.
func (b *Bridge) Start(ctx context.Context, client *kube.Client, podRef kube.Reference, command []string) error {
	sess, err := client.ExecTTY(ctx, podRef.Name, podRef.Container, command)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.podRef = podRef
	b.command = command
	b.session = sessionAdapter{s: sess}
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running.Store(true)
	b.finished.Store(false)
	b.errFlag.Store(false)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.inputPump(runCtx) }()
	go func() { defer wg.Done(); b.outputPump(runCtx) }()
	go func() { defer wg.Done(); b.resizePump(runCtx) }()

	go func() {
		wg.Wait()
		b.running.Store(false)
		b.finished.Store(true)
		close(b.done)
	}()

	return nil
}

// Send enqueues bytes to be written to the session's stdin; a no-op
// if the bridge isn't running. Unlike SetTerminalSize's coalescing
// resize channel, input is meant to be unbounded: no keystroke is ever
// dropped for arriving while inputPump is busy.
func (b *Bridge) Send(data []byte) {
	if !b.running.Load() {
		return
	}
	select {
	case b.input <- data:
	default:
		// Unbounded in spirit: grow by spawning a goroutine that blocks
		// until inputPump catches up, rather than dropping the bytes.
		done := b.done
		go func() {
			select {
			case b.input <- data:
			case <-done:
			}
		}()
	}
}

// SetTerminalSize forwards a resize to the session, replacing any size
// still pending in the bounded channel.
func (b *Bridge) SetTerminalSize(w, h uint16) {
	size := remotecommand.TerminalSize{Width: w, Height: h}
	for {
		select {
		case b.resizes <- size:
			return
		default:
		}
		select {
		case <-b.resizes:
		default:
		}
	}
}

// IsRunning reports whether the bridge is actively pumping.
func (b *Bridge) IsRunning() bool { return b.running.Load() }

// IsFinished reports whether all three pumps have exited.
func (b *Bridge) IsFinished() bool { return b.finished.Load() }

// HasError reports whether the session ended abnormally.
func (b *Bridge) HasError() bool { return b.errFlag.Load() }

// Shell returns the last attached shell command.
func (b *Bridge) Shell() []string { return b.command }

// Stop cancels the pumps and waits for them to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// inputPump drains the unbounded input queue into the session's
// stdin; an I/O error cancels the whole session.
func (b *Bridge) inputPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.input:
			if _, err := b.session.Write(data); err != nil {
				b.errFlag.Store(true)
				b.cancel()
				return
			}
		}
	}
}

// outputPump reads up to 8 KiB at a time from the session's stdout
// and feeds the terminal emulator. A zero-byte read (EOF) cancels the
// session; the pump tracks whether it ever read anything, the signal
// used to distinguish "closed too soon" from a normal session end.
func (b *Bridge) outputPump(ctx context.Context) {
	buf := make([]byte, 8*1024)
	var total int64

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := b.session.Read(buf)
		if n > 0 {
			total += int64(n)
			b.emu.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				b.errFlag.Store(true)
			}
			if total == 0 {
				b.errFlag.Store(true)
			}
			b.cancel()
			return
		}
	}
}

// resizePump forwards terminal-size updates from the UI-facing
// channel into the session's resize sink.
func (b *Bridge) resizePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case size := <-b.resizes:
			b.session.Resize(size)
		}
	}
}
