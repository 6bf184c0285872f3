// Package agent runs the driver's duty-cycle loops. An Agent does a small
// bounded unit of work per call and reports how much it did; a Runner
// spins the agent on its own goroutine, applying an idle strategy between
// unproductive cycles. Composite agents let several duty cycles share one
// goroutine for the shared threading modes.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/mediadriver/errors"
)

// Agent is one duty cycle. DoWork returns the amount of work done this
// cycle; zero feeds the idle strategy. Returned errors are logged and the
// loop continues, except fatal errors which stop the runner.
type Agent interface {
	Name() string
	DoWork(now time.Time) (int, error)
	OnClose()
}

// Runner drives a single agent on a dedicated goroutine.
type Runner struct {
	agent  Agent
	idle   IdleStrategy
	logger *slog.Logger

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewRunner pairs an agent with an idle strategy. A nil logger falls back
// to slog.Default.
func NewRunner(a Agent, idle IdleStrategy, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		agent:  a,
		idle:   idle,
		logger: logger.With("agent", a.Name()),
		done:   make(chan struct{}),
	}
}

// Start launches the duty cycle. The loop exits when ctx is cancelled,
// Stop is called, or the agent returns a fatal error.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.started {
		return errors.ErrAlreadyStarted
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(runCtx)
	return nil
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.agent.OnClose()

	r.logger.Debug("agent started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("agent stopping")
			return
		default:
		}

		workCount, err := r.agent.DoWork(time.Now())
		if err != nil {
			if errors.IsFatal(err) {
				r.logger.Error("agent fatal error", "error", err)
				return
			}
			r.logger.Warn("agent duty cycle error", "error", err)
		}
		r.idle.Idle(workCount)
	}
}

// Stop cancels the duty cycle and waits up to timeout for it to exit.
func (r *Runner) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	if !r.started {
		r.lifecycleMu.Unlock()
		return errors.ErrNotStarted
	}
	if r.stopped {
		r.lifecycleMu.Unlock()
		return errors.ErrAlreadyStopped
	}
	r.stopped = true
	r.cancel()
	r.lifecycleMu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "agent", "Stop",
			"wait for "+r.agent.Name())
	}
}

// Done is closed when the duty cycle has fully exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Composite runs several agents as one, for the shared threading modes.
// Work counts sum so the idle strategy only engages when every member
// was idle.
type Composite struct {
	name   string
	agents []Agent
}

// NewComposite groups agents under a single duty cycle.
func NewComposite(name string, agents ...Agent) *Composite {
	return &Composite{name: name, agents: agents}
}

func (c *Composite) Name() string { return c.name }

func (c *Composite) DoWork(now time.Time) (int, error) {
	total := 0
	var firstErr error
	for _, a := range c.agents {
		n, err := a.DoWork(now)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if errors.IsFatal(err) {
			return total, err
		}
	}
	return total, firstErr
}

func (c *Composite) OnClose() {
	for _, a := range c.agents {
		a.OnClose()
	}
}

// Invoker drives an agent from the caller's own thread, for embedding the
// driver in another event loop instead of spawning goroutines.
type Invoker struct {
	agent Agent
	idle  IdleStrategy
}

// NewInvoker wraps an agent for caller-driven invocation.
func NewInvoker(a Agent, idle IdleStrategy) *Invoker {
	return &Invoker{agent: a, idle: idle}
}

// Invoke runs one duty cycle and applies the idle strategy. It returns
// the work count so callers can build their own loops.
func (i *Invoker) Invoke(now time.Time) (int, error) {
	workCount, err := i.agent.DoWork(now)
	i.idle.Idle(workCount)
	return workCount, err
}

// Close releases the agent's resources.
func (i *Invoker) Close() { i.agent.OnClose() }
