// Package app wires the plugin host, the driver, the engine monitor, session recording, the
// frame source and the monitoring server into the running Quforia process.
package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/capture"
	"github.com/ayusman/quforia/internal/config"
	"github.com/ayusman/quforia/internal/engine"
	"github.com/ayusman/quforia/internal/plugin"
	"github.com/ayusman/quforia/internal/server"
	"github.com/ayusman/quforia/internal/store"
)

// shutdownTimeout bounds the HTTP server drain on Stop.
const shutdownTimeout = 5 * time.Second

// Options holds collaborators that are not part of the configuration file.
type Options struct {
	Logger *zap.SugaredLogger
	Clock  clock.Clock
	// Camera overrides the webcam opened for the camera source.
	Camera capture.Camera
}

// App is the main application that feeds the driver and hosts the engine monitor.
type App struct {
	config   config.Config
	logger   *zap.SugaredLogger
	clock    clock.Clock
	store    *store.Store
	recorder *store.Recorder
	host     *plugin.Host
	monitor  *engine.Monitor
	server   *server.Server
	source   Source

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	serverAddr string
}

// New creates an App from cfg. It opens the session store but starts nothing.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:   cfg,
		logger:   opts.Logger.Named("app"),
		clock:    opts.Clock,
		store:    st,
		recorder: store.NewRecorder(st, cfg.Store.FrameEvery, opts.Logger),
		host:     plugin.NewHost(plugin.Config{Clock: opts.Clock, Logger: opts.Logger}),
		monitor:  engine.New(opts.Logger),
	}

	switch cfg.Source.Kind {
	case config.SourceCamera:
		cam := opts.Camera
		if cam == nil {
			cam = capture.NewCamera(cfg.Source.CameraID)
		}
		a.source = NewCameraSource(cam, a.host, CameraSourceConfig{
			FPS:          cfg.Source.FPS,
			FlipVertical: cfg.Source.FlipVertical,
			Intrinsics:   cfg.Source.Intrinsics,
			Clock:        opts.Clock,
			Logger:       opts.Logger,
		})
	case config.SourceReplay:
		a.source = NewReplaySource(st, a.host, ReplaySourceConfig{
			Session: cfg.Source.Session,
			Loop:    cfg.Source.Loop,
			Clock:   opts.Clock,
			Logger:  opts.Logger,
		})
	}

	if cfg.Server.Enabled {
		a.server = server.New(server.Config{
			StaticDir: cfg.Server.StaticDir,
			Store:     st,
			Recorder:  a.recorder,
			Host:      a.host,
			Monitor:   a.monitor,
			Logger:    opts.Logger,
		})
	}

	return a, nil
}

// Start creates the driver, attaches the monitor when configured, begins recording when
// configured and starts the source and the server. Starting a running app is a no-op.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	var ln net.Listener
	if a.server != nil {
		var err error
		if ln, err = net.Listen("tcp", a.config.Server.Addr); err != nil {
			return errors.Wrapf(err, "listen on %s", a.config.Server.Addr)
		}
	}
	closeListener := func() error {
		if ln == nil {
			return nil
		}
		return ln.Close()
	}

	d, err := a.host.CreateDriver()
	if err != nil {
		return multierr.Combine(err, closeListener())
	}

	if a.config.Engine.Attach {
		if err := a.monitor.Attach(d); err != nil {
			return multierr.Combine(err, a.host.DestroyDriver(d), closeListener())
		}
	}

	// Replayed samples are not recorded again.
	if a.config.Store.Record && a.config.Source.Kind != config.SourceReplay {
		if _, err := a.recorder.Begin(a.clock.Now().Format("2006-01-02 15:04:05")); err != nil {
			return multierr.Combine(err, a.detachLocked(), a.host.DestroyDriver(d), closeListener())
		}
		a.host.SetObserver(a.recorder)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	var wg sync.WaitGroup
	if a.source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.source.Run(ctx); err != nil {
				a.logger.Errorw("source failed", "kind", a.config.Source.Kind, "error", err)
			}
		}()
	}
	if ln != nil {
		a.serverAddr = ln.Addr().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.Serve(ln); err != nil {
				a.logger.Errorw("server failed", "addr", ln.Addr().String(), "error", err)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(a.done)
	}()

	a.running = true
	a.logger.Infow("started",
		"source", a.config.Source.Kind,
		"attached", a.monitor.Attached(),
		"recording", a.recorder.Active() != nil,
		"library", plugin.LibraryVersion())
	return nil
}

// Stop halts the source and the server, ends recording and destroys the driver. The store stays
// open until Close.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	a.cancel()
	var err error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, a.server.Shutdown(ctx))
		cancel()
	}
	<-a.done
	a.serverAddr = ""

	a.host.SetObserver(nil)
	err = multierr.Combine(err, a.recorder.End(), a.detachLocked())
	if d := a.host.Driver(); d != nil {
		err = multierr.Append(err, a.host.DestroyDriver(d))
	}

	a.logger.Infow("stopped", "engine", a.monitor.Stats())
	return err
}

// Close stops the app and closes the session store.
func (a *App) Close() error {
	return multierr.Combine(a.Stop(), a.store.Close())
}

func (a *App) detachLocked() error {
	if !a.monitor.Attached() {
		return nil
	}
	return a.monitor.Detach()
}

// SetEnabled attaches or detaches the engine monitor, starting or stopping frame and pose
// delivery. Ingestion continues either way.
func (a *App) SetEnabled(enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !enabled {
		return a.detachLocked()
	}
	d := a.host.Driver()
	if d == nil {
		return plugin.ErrNotInitialized
	}
	return a.monitor.Attach(d)
}

// IsEnabled reports whether the engine monitor is receiving deliveries.
func (a *App) IsEnabled() bool {
	return a.monitor.Attached()
}

// Host returns the plugin host.
func (a *App) Host() *plugin.Host {
	return a.host
}

// Monitor returns the engine monitor.
func (a *App) Monitor() *engine.Monitor {
	return a.monitor
}

// Store returns the session store.
func (a *App) Store() *store.Store {
	return a.store
}

// Recorder returns the session recorder.
func (a *App) Recorder() *store.Recorder {
	return a.recorder
}

// ServerAddr returns the address the monitoring server is bound to while running, or "".
func (a *App) ServerAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverAddr
}

// Server returns the monitoring server, or nil when disabled.
func (a *App) Server() *server.Server {
	return a.server
}
