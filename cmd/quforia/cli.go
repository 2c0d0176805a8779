package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ayusman/quforia/internal/app"
	"github.com/ayusman/quforia/internal/config"
	"github.com/ayusman/quforia/internal/logging"
	"github.com/ayusman/quforia/internal/plugin"
	"github.com/ayusman/quforia/internal/store"
	"github.com/ayusman/quforia/internal/tray"
)

const (
	// Flags.
	flagConfig  = "config"
	flagDebug   = "debug"
	flagSource  = "source"
	flagSession = "session"
	flagLoop    = "loop"
	flagRecord  = "record"
	flagNoTray  = "no-tray"
	flagAddr    = "addr"

	// statsInterval is how often the tray counters refresh.
	statsInterval = time.Second
)

func newCLI() *cli.App {
	return &cli.App{
		Name:            "quforia",
		Usage:           "external camera and tracker driver for AR engines",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "feed the driver and serve the monitor until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagSource,
						Usage: "frame source: camera, replay or none",
					},
					&cli.StringFlag{
						Name:  flagSession,
						Usage: "session `ID` to replay",
					},
					&cli.BoolFlag{
						Name:  flagLoop,
						Usage: "loop the replayed session",
					},
					&cli.BoolFlag{
						Name:  flagRecord,
						Usage: "record ingested samples into a new session",
					},
					&cli.StringFlag{
						Name:  flagAddr,
						Usage: "monitor listen `ADDRESS`",
					},
					&cli.BoolFlag{
						Name:  flagNoTray,
						Usage: "do not show the tray icon",
					},
				},
				Action: RunAction,
			},
			{
				Name:            "sessions",
				Usage:           "work with recorded sessions",
				HideHelpCommand: true,
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list recorded sessions",
						Action: ListSessionsAction,
					},
					{
						Name:      "delete",
						Usage:     "delete a recorded session",
						ArgsUsage: "<id>",
						Action:    DeleteSessionAction,
					},
				},
			},
			{
				Name:   "version",
				Usage:  "print the library and driver API versions",
				Action: VersionAction,
			},
		},
	}
}

// loadConfig reads --config, or the default file under the data directory when it exists.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String(flagConfig)
	if path == "" {
		path = filepath.Join(config.DataDir(), "quforia.yaml")
		if _, err := os.Stat(path); err != nil {
			cfg := config.Default()
			cfg.Server.StaticDir = findWebDir()
			return cfg, nil
		}
	}
	return config.Load(path)
}

func newLogger(c *cli.Context, cfg config.Config) (*zap.SugaredLogger, error) {
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}
	return logging.New("quforia", cfg.Log)
}

// applyRunFlags overrides configuration with run flags that were set.
func applyRunFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet(flagSource) {
		cfg.Source.Kind = c.String(flagSource)
	}
	if c.IsSet(flagSession) {
		cfg.Source.Session = c.String(flagSession)
		if !c.IsSet(flagSource) {
			cfg.Source.Kind = config.SourceReplay
		}
	}
	if c.IsSet(flagLoop) {
		cfg.Source.Loop = c.Bool(flagLoop)
	}
	if c.IsSet(flagRecord) {
		cfg.Store.Record = c.Bool(flagRecord)
	}
	if c.IsSet(flagAddr) {
		cfg.Server.Addr = c.String(flagAddr)
		cfg.Server.Enabled = true
	}
	if c.Bool(flagNoTray) {
		cfg.Tray.Enabled = false
	}
	return cfg.Validate()
}

// RunAction runs the application until interrupted or quit from the tray.
func RunAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyRunFlags(c, &cfg); err != nil {
		return err
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return multierr.Combine(err, a.Close())
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tray.Enabled {
		runTray(ctx, a, cfg, logger)
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return a.Close()
}

// runTray blocks in the tray event loop until quit or ctx is done.
func runTray(ctx context.Context, a *app.App, cfg config.Config, logger *zap.SugaredLogger) {
	t := tray.New(a.IsEnabled())
	t.OnToggle(func(enabled bool) error {
		if err := a.SetEnabled(enabled); err != nil {
			logger.Warnw("failed to toggle delivery", "enabled", enabled, "error", err)
			return err
		}
		return nil
	})
	t.OnMonitor(func() {
		logger.Infow("monitor", "url", monitorURL(cfg.Server.Addr))
	})

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.Quit()
				return
			case <-ticker.C:
				t.SetStats(a.Monitor().Stats())
			}
		}
	}()
	t.Run()
}

func monitorURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func openStore(c *cli.Context) (*store.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Store.Path)
}

// ListSessionsAction prints the recorded sessions, newest first.
func ListSessionsAction(c *cli.Context) error {
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	sessions, err := s.Sessions().List()
	if err != nil {
		return errors.Wrap(err, "could not list sessions")
	}
	printSessions(c.App.Writer, sessions)
	return nil
}

func printSessions(w io.Writer, sessions []*store.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPOSES\tFRAMES\tSTARTED\tDURATION")
	for _, sess := range sessions {
		duration := "recording"
		if !sess.Active() {
			duration = sess.EndedAt.Sub(sess.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			sess.ID, sess.Name, sess.PoseCount, sess.FrameCount,
			sess.StartedAt.Format(time.RFC3339), duration)
	}
	tw.Flush()
}

// DeleteSessionAction deletes the session named by the first argument.
func DeleteSessionAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("session id is required")
	}
	s, err := openStore(c)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Sessions().Delete(id); err != nil {
		return errors.Wrapf(err, "could not delete session %s", id)
	}
	fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
	return nil
}

// VersionAction prints the library version and driver API version.
func VersionAction(c *cli.Context) error {
	fmt.Fprintf(c.App.Writer, "%s (driver API %d)\n", plugin.LibraryVersion(), plugin.APIVersion())
	return nil
}

// findWebDir searches for the monitor's static files in "web", "../web", "../../web" and
// ~/.quforia/web. It returns the first existing directory or "".
func findWebDir() string {
	for _, p := range []string{"web", "../web", "../../web"} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}

	dir := filepath.Join(config.DataDir(), "web")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}
