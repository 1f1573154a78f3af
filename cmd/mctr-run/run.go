package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/executor"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/internal/config"
	"github.com/smnsjas/go-mctr/relay"
	"github.com/smnsjas/go-mctr/simulator"
	"github.com/smnsjas/go-mctr/syncexec"
)

var (
	runConfigPath string
	runCfgFile    string
	runControl    []string
	runTestcases  []string
	runPause      bool
	runRelay      string
)

// errVerdicts is returned when a testcase ends with fail or error.
var errVerdicts = errors.New("testcases failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full session and print the verdicts",
	Long: `Run a full session: start it, connect the host controllers, configure
them, create the MTC, execute the selected items, then shut down.

The controller is the in-process simulator. Its control parts and
verdicts come from the simulator section of the run file.

Examples:
  mctr-run run --config run.yaml
  mctr-run run --control MyModule --testcase MyModule.tc_smoke
  mctr-run run --config run.yaml --relay :8090 --log-level info`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if runConfigPath != "" {
			var err error
			if cfg, err = config.Load(runConfigPath); err != nil {
				return err
			}
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runSession(cmd.Context(), cfg, cmd.OutOrStdout(), logger)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to the YAML run file")
	runCmd.Flags().StringVar(&runCfgFile, "cfg", "", "Runtime configuration file handed to the controller")
	runCmd.Flags().StringSliceVar(&runControl, "control", nil, "Module whose control part to execute (repeatable)")
	runCmd.Flags().StringSliceVarP(&runTestcases, "testcase", "t", nil, "Testcase to execute as Module.testcase (repeatable)")
	runCmd.Flags().BoolVar(&runPause, "pause", false, "Pause after each testcase and resume automatically")
	runCmd.Flags().StringVar(&runRelay, "relay", "", "Address to serve the websocket event relay on")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("cfg") {
		cfg.Session.ConfigFile = runCfgFile
	}
	if flags.Changed("control") {
		cfg.Run.Control = runControl
	}
	if flags.Changed("testcase") {
		cfg.Run.Testcases = runTestcases
	}
	if flags.Changed("pause") {
		cfg.Run.Pause = runPause
	}
	if flags.Changed("relay") {
		cfg.Relay.Listen = runRelay
	}
}

// runSession drives one session through the synchronous wrapper and
// prints events and the verdict summary to out.
func runSession(ctx context.Context, cfg *config.Config, out io.Writer, logger *zap.Logger) (err error) {
	sim := newSimulator(cfg.Simulator, logger)
	exec := executor.New(sim,
		executor.WithLogger(logger),
		executor.WithLauncher(simulator.NewLauncher(sim)),
		executor.WithMaxPTCs(cfg.Session.MaxPTCs),
		executor.WithUnixSockets(cfg.Session.UnixSockets),
		executor.WithStartTimeout(cfg.Session.StartTimeout),
	)

	p := newPrinter(out)
	observers := mctr.Observers{p}
	if cfg.Relay.Listen != "" {
		b, stop, err := startRelay(cfg.Relay, logger)
		if err != nil {
			return err
		}
		defer stop()
		observers = append(observers, b)
	}

	s := syncexec.New(exec,
		syncexec.WithTimeout(cfg.Session.SyncTimeout),
		syncexec.WithObserver(observers),
		syncexec.WithLogger(logger),
	)
	if err := s.Init(); err != nil {
		return err
	}
	defer func() {
		// Shutdown runs on a fresh context so an interrupt still closes
		// the session.
		if serr := s.ShutdownSession(context.Background()); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown: %w", serr))
		}
	}()

	if err := prepare(ctx, s, cfg); err != nil {
		return err
	}
	if err := execute(ctx, s, cfg); err != nil {
		return err
	}
	if err := s.ExitMTC(ctx); err != nil {
		return err
	}

	if failed := p.Summary(out); failed > 0 {
		return fmt.Errorf("%w: %d", errVerdicts, failed)
	}
	return nil
}

func newSimulator(cfg config.SimulatorConfig, logger *zap.Logger) *simulator.Controller {
	opts := []simulator.Option{
		simulator.WithLogger(logger),
		simulator.WithStepDelay(cfg.StepDelay),
	}
	if cfg.Hostname != "" {
		opts = append(opts, simulator.WithHostname(cfg.Hostname))
	}
	for module, tcs := range cfg.ControlParts {
		opts = append(opts, simulator.WithControlPart(module, tcs...))
	}
	for tc, name := range cfg.Verdicts {
		// Validated by config.Validate.
		v, _ := mctr.ParseVerdict(name)
		opts = append(opts, simulator.WithVerdict(tc, v))
	}
	return simulator.New(opts...)
}

// prepare walks the session from Inactive to Ready.
func prepare(ctx context.Context, s *syncexec.Sync, cfg *config.Config) error {
	hcs, err := hostControllers(cfg.Hosts)
	if err != nil {
		return err
	}
	for _, hc := range hcs {
		if err := s.AddHostController(hc); err != nil {
			return err
		}
	}
	if cfg.Session.KillTimer > 0 {
		if err := s.Executor().SetKillTimer(cfg.Session.KillTimer); err != nil {
			return err
		}
	}
	if cfg.Session.ConfigFile != "" {
		if err := s.SetConfigFileName(cfg.Session.ConfigFile); err != nil {
			return err
		}
	}

	if err := s.StartSession(ctx); err != nil {
		return err
	}
	if err := s.StartHostControllers(ctx); err != nil {
		return err
	}
	if err := s.Configure(ctx); err != nil {
		return err
	}
	if err := s.CreateMTC(ctx); err != nil {
		return err
	}
	return s.Executor().PauseExecution(cfg.Run.Pause)
}

// hostControllers builds the configured HCs. Without any, the running
// binary stands in for a local HC executable.
func hostControllers(hosts []config.HostConfig) ([]*hostctl.HostController, error) {
	if len(hosts) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		hosts = []config.HostConfig{{WorkingDir: filepath.Dir(self), Executable: filepath.Base(self)}}
	}

	hcs := make([]*hostctl.HostController, 0, len(hosts))
	for _, h := range hosts {
		host := h.Host
		if host == "" {
			host = "localhost"
		}
		hc, err := hostctl.New(host, h.WorkingDir, h.Executable)
		if err != nil {
			return nil, err
		}
		hcs = append(hcs, hc)
	}
	return hcs, nil
}

// execute runs the [EXECUTE] items, the control parts and the testcases in
// that order. A paused execution is resumed until it ends.
func execute(ctx context.Context, s *syncexec.Sync, cfg *config.Config) error {
	var steps []func() error

	if cfg.Run.ExecuteCfg {
		n, err := s.ExecuteCfgLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			i := i
			steps = append(steps, func() error { return s.ExecuteCfg(ctx, i) })
		}
	}
	for _, module := range cfg.Run.Control {
		module := module
		steps = append(steps, func() error { return s.ExecuteControl(ctx, module) })
	}
	for _, tc := range cfg.Run.Testcases {
		module, testcase, _ := config.SplitTestcase(tc)
		steps = append(steps, func() error { return s.ExecuteTestcase(ctx, module, testcase) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
		for s.Executor().State() == mctr.StatePaused {
			if err := s.ContinueExecution(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// startRelay serves the websocket relay on /events until stop is called.
func startRelay(cfg config.RelayConfig, logger *zap.Logger) (*relay.Broadcaster, func(), error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, nil, fmt.Errorf("relay listen: %w", err)
	}

	b := relay.NewBroadcaster(relay.WithLogger(logger), relay.WithMaxClients(cfg.MaxClients))
	mux := http.NewServeMux()
	mux.Handle("/events", b)
	srv := &http.Server{Handler: mux}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("relay server stopped", zap.Error(err))
		}
	}()
	logger.Info("relay listening", zap.String("addr", ln.Addr().String()))

	stop := func() {
		b.Close()
		_ = srv.Close()
	}
	return b, stop, nil
}
