package driver

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/mediadriver/agent"
	"github.com/c360/mediadriver/config"
	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/health"
	"github.com/c360/mediadriver/metric"
	"github.com/c360/mediadriver/pkg/retry"
)

// MediaDriver assembles the conductor, sender and receiver according to
// the configured threading mode and runs them until stopped.
type MediaDriver struct {
	InstanceID string

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	conductor *Conductor
	sender    *Sender
	receiver  *Receiver

	runners      []*agent.Runner
	invokers     []*agent.Invoker
	metricServer *metric.Server

	cancel  context.CancelFunc
	started bool
}

// NewMediaDriver builds the driver from a validated configuration.
func NewMediaDriver(cfg *config.Config, logger *slog.Logger) (*MediaDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = newLogger(cfg.Logging)
	}

	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	sender := NewSender(SenderConfig{
		SetupInterval:     cfg.Timeouts.SetupInterval,
		HeartbeatInterval: cfg.Timeouts.HeartbeatInterval,
		ConnectionTimeout: cfg.Timeouts.ConnectionTimeout,
		StatusPollRatio:   cfg.Driver.SendToStatusPollRatio,
	}, metrics, logger)

	d := &MediaDriver{
		InstanceID: uuid.NewString(),
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		monitor:    health.NewMonitor(),
		sender:     sender,
	}

	conductorHolder := &conductorRef{}
	receiver := NewReceiver(ReceiverConfig{
		InitialWindowLength: cfg.Driver.InitialWindowLength,
		SMInterval:          cfg.Timeouts.StatusMessageInterval,
		NakDelay: retry.Config{
			InitialDelay: cfg.Retransmit.InitialDelay,
			MaxDelay:     cfg.Retransmit.MaxDelay,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		ReceiverID: rand.Int63(),
	}, metrics, conductorHolder, logger)
	d.receiver = receiver

	d.conductor = NewConductor(cfg, metrics, sender, receiver, logger)
	conductorHolder.c = d.conductor

	if cfg.Metrics.Enabled {
		d.metricServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	}

	return d, nil
}

// conductorRef breaks the construction cycle between the receiver (which
// notifies the conductor) and the conductor (which feeds the receiver).
type conductorRef struct{ c *Conductor }

func (r *conductorRef) onImageCreated(img *Image) { r.c.onImageCreated(img) }
func (r *conductorRef) onImageClosed(img *Image)  { r.c.onImageClosed(img) }

// Conductor exposes the command/event surface to embedding applications
// and the control bridge.
func (d *MediaDriver) Conductor() *Conductor { return d.conductor }

// Health returns the agent health monitor.
func (d *MediaDriver) Health() *health.Monitor { return d.monitor }

// Registry returns the metrics registry for additional registrations.
func (d *MediaDriver) Registry() *metric.MetricsRegistry { return d.registry }

// monitored wraps an agent so every duty cycle feeds the health monitor.
type monitored struct {
	agent.Agent
	monitor *health.Monitor
}

func (m monitored) DoWork(now time.Time) (int, error) {
	n, err := m.Agent.DoWork(now)
	m.monitor.Beat(m.Agent.Name(), now)
	return n, err
}

// Start launches the agents per the threading mode. In invoker mode no
// goroutines are started; the caller drives Invoke.
func (d *MediaDriver) Start(ctx context.Context) error {
	if d.started {
		return errors.ErrAlreadyStarted
	}
	d.started = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	conductorIdle, err := agent.NewIdleStrategy(d.cfg.Driver.ConductorIdleStrategy)
	if err != nil {
		return err
	}
	senderIdle, err := agent.NewIdleStrategy(d.cfg.Driver.SenderIdleStrategy)
	if err != nil {
		return err
	}
	receiverIdle, err := agent.NewIdleStrategy(d.cfg.Driver.ReceiverIdleStrategy)
	if err != nil {
		return err
	}

	conductor := monitored{Agent: d.conductor, monitor: d.monitor}
	sender := monitored{Agent: d.sender, monitor: d.monitor}
	receiver := monitored{Agent: d.receiver, monitor: d.monitor}

	switch d.cfg.Driver.ThreadingMode {
	case config.ThreadingDedicated:
		d.runners = []*agent.Runner{
			agent.NewRunner(conductor, conductorIdle, d.logger),
			agent.NewRunner(sender, senderIdle, d.logger),
			agent.NewRunner(receiver, receiverIdle, d.logger),
		}
	case config.ThreadingSharedNetwork:
		d.runners = []*agent.Runner{
			agent.NewRunner(conductor, conductorIdle, d.logger),
			agent.NewRunner(agent.NewComposite("network", sender, receiver), senderIdle, d.logger),
		}
	case config.ThreadingShared:
		d.runners = []*agent.Runner{
			agent.NewRunner(agent.NewComposite("driver", conductor, sender, receiver), conductorIdle, d.logger),
		}
	case config.ThreadingInvoker:
		d.invokers = []*agent.Invoker{
			agent.NewInvoker(agent.NewComposite("driver", conductor, sender, receiver), conductorIdle),
		}
	}

	for _, r := range d.runners {
		if err := r.Start(runCtx); err != nil {
			return err
		}
	}

	if d.metricServer != nil {
		if err := d.metricServer.Start(); err != nil {
			d.logger.Warn("metrics server failed to start", "error", err)
		}
	}

	d.logger.Info("media driver started",
		"instance", d.InstanceID,
		"mode", d.cfg.Driver.ThreadingMode,
		"config", d.cfg.String())
	return nil
}

// Invoke runs one duty cycle in invoker mode.
func (d *MediaDriver) Invoke(now time.Time) (int, error) {
	if len(d.invokers) == 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "MediaDriver", "Invoke",
			"driver not in invoker threading mode")
	}
	return d.invokers[0].Invoke(now)
}

// Run starts the driver and blocks until the context is cancelled, then
// shuts everything down. The errgroup propagates the first runner
// failure.
func (d *MediaDriver) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		runner := r
		g.Go(func() error {
			select {
			case <-runner.Done():
				if groupCtx.Err() != nil {
					return nil
				}
				return errors.WrapFatal(errors.ErrNotStarted, "MediaDriver", "Run",
					"agent exited unexpectedly")
			case <-groupCtx.Done():
				return nil
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.Timeouts.TimerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case now := <-ticker.C:
				d.monitor.CheckHeartbeats(4*d.cfg.Timeouts.TimerInterval, now)
			}
		}
	})

	err := g.Wait()
	stopErr := d.Stop(5 * time.Second)
	if err != nil {
		return err
	}
	return stopErr
}

// Stop shuts the agents down in dependency order: conductor first so no
// new resources appear, then the network agents.
func (d *MediaDriver) Stop(timeout time.Duration) error {
	if !d.started {
		return errors.ErrNotStarted
	}
	if d.cancel != nil {
		d.cancel()
	}

	var firstErr error
	for _, r := range d.runners {
		if err := r.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, inv := range d.invokers {
		inv.Close()
	}
	if d.metricServer != nil {
		if err := d.metricServer.Stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.logger.Info("media driver stopped", "instance", d.InstanceID)
	return firstErr
}

// newLogger builds the structured logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
