package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authflow/internal/adapter/browser"
	"authflow/internal/adapter/remedy"
	"authflow/internal/adapter/report"
	"authflow/internal/adapter/vision"
	"authflow/internal/domain"
	"authflow/internal/infra/config"
	"authflow/internal/infra/logger"
	"authflow/internal/infra/tracer"
	"authflow/internal/usecase/flow"
	"authflow/internal/usecase/schedule"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runOnce(args)
	case "watch":
		err = runWatch(args)
	case "report":
		err = runReport(args)
	case "encrypt":
		err = runEncrypt(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'authflow --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Print(`authflow - automated OAuth sign-in flow monitoring

Usage:
  authflow [run]    [-config path] [-provider name]   run all (or one) provider checks once
  authflow watch    [-config path]                    run checks on the configured schedule
  authflow report   [-config path] [-id x] [-n 20]    show stored attempt results
  authflow encrypt                                    encrypt a secret for the config file

Environment:
  AUTHFLOW_CONFIG_KEY         passphrase for enc: secrets in the config file
  AUTHFLOW_PROPOSER_API_KEY   overrides proposer.api_key
`)
}

// bootstrap loads config and builds the logger and tracer shared by all
// commands.
func bootstrap(configPath string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	shutdownTracer, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, nil, nil, err
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
		closeLog()
	}
	return cfg, log, cleanup, nil
}

func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	only := fs.String("provider", "", "run only the named provider")
	fs.Parse(args)

	cfg, log, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := runBatch(ctx, cfg, log, *only)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d provider(s) did not pass", failed)
	}
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, log, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := schedule.New(func(ctx context.Context) error {
		failed, err := runBatch(ctx, cfg, log, "")
		if err != nil {
			return err
		}
		if failed > 0 {
			log.Warn("scheduled batch had failures", "failed", failed)
		}
		return nil
	}, config.Duration(cfg.Schedule.Timeout, 30*time.Minute), log)

	if err := sched.Add(cfg.Schedule.Cron); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	log.Info("watching", "schedule", cfg.Schedule.Cron, "providers", len(cfg.Providers))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// runBatch checks each configured provider in sequence with a fresh browser
// session, and returns how many did not pass.
func runBatch(ctx context.Context, cfg *config.Config, log *slog.Logger, only string) (int, error) {
	store, err := report.NewSQLiteStore(cfg.Report.DBPath)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	proposer := vision.NewProposer(vision.Config{
		Model:             cfg.Proposer.Model,
		APIKey:            cfg.Proposer.APIKey,
		BaseURL:           cfg.Proposer.BaseURL,
		MaxTokens:         cfg.Proposer.MaxTokens,
		RequestsPerMinute: cfg.Proposer.RequestsPerMinute,
		RateBurst:         cfg.Proposer.RateBurst,
		Breaker: vision.BreakerConfig{
			MaxFailures: cfg.Proposer.Breaker.MaxFailures,
			Timeout:     config.Duration(cfg.Proposer.Breaker.Timeout, 0),
			Interval:    config.Duration(cfg.Proposer.Breaker.Interval, 0),
		},
		Memory: vision.MemoryConfig{
			MaxTurns:  cfg.Proposer.Memory.MaxTurns,
			MaxTokens: cfg.Proposer.Memory.MaxTokens,
		},
	}, log)

	var remediator domain.Remediator
	if cfg.Remedy.Enabled {
		remediator = remedy.New(remedy.Config{
			Model:        cfg.Remedy.Model,
			APIKey:       cfg.Remedy.APIKey,
			BaseURL:      cfg.Remedy.BaseURL,
			WorkspaceDir: cfg.Remedy.WorkspaceDir,
			MaxTokens:    cfg.Remedy.MaxTokens,
		}, log)
	}

	matched := false
	failed := 0
	for _, pc := range cfg.Providers {
		if only != "" && pc.Name != only {
			continue
		}
		matched = true

		if err := ctx.Err(); err != nil {
			return failed, err
		}

		proposer.ResetMemory()
		result, err := checkProvider(ctx, cfg, pc, proposer, remediator, store, log)
		if err != nil {
			log.Error("provider check could not start", "provider", pc.Name, "error", err)
			failed++
			continue
		}
		if result.Status != domain.AttemptPassed {
			failed++
		}
	}

	if only != "" && !matched {
		return failed, fmt.Errorf("provider %q not found in config", only)
	}
	return failed, nil
}

// checkProvider runs one provider's flow in a fresh browser session.
func checkProvider(
	ctx context.Context,
	cfg *config.Config,
	pc config.ProviderConfig,
	proposer domain.ActionProposer,
	remediator domain.Remediator,
	store domain.ResultStore,
	log *slog.Logger,
) (*domain.AttemptResult, error) {
	executor, err := browser.New(browser.Config{
		RemoteURL:      cfg.Browser.RemoteURL,
		Headless:       cfg.Browser.Headless,
		Timeout:        config.Duration(cfg.Browser.Timeout, 30*time.Second),
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	}, log)
	if err != nil {
		return nil, err
	}

	verifier := flow.NewVerifier(flow.VerifierConfig{
		HomeDomain:        pc.HomeDomain,
		ProviderDomain:    pc.ProviderDomain,
		MinAuthActions:    cfg.Flow.MinAuthActions,
		BlockerMarkers:    pc.BlockerMarkers,
		AuthedPaths:       pc.AuthedPaths,
		SigninPaths:       pc.SigninPaths,
		VerificationPaths: pc.VerificationPaths,
	})

	controller := flow.NewController(flow.ControllerDeps{
		Executor:   executor,
		Proposer:   proposer,
		Remediator: remediator,
		Store:      store,
		Verifier:   verifier,
		Logger:     log,
		Tracker: flow.TrackerConfig{
			MaxActionsPerPhase: cfg.Flow.MaxActionsPerPhase,
			MaxRetries:         cfg.Flow.MaxRetries,
		},
		MaxRestarts:       cfg.Flow.MaxRestarts,
		AutoFix:           cfg.Remedy.AutoFix,
		CaptureRetryDelay: config.Duration(cfg.Flow.CaptureRetryDelay, 2*time.Second),
	})

	return controller.Run(ctx, flow.ProviderSpec{
		Name:     pc.Name,
		StartURL: pc.StartURL,
		Phases:   toPhaseSpecs(pc.Phases),
		Credentials: domain.Credentials{
			Username: pc.Credentials.Username,
			Password: pc.Credentials.Password,
		},
	}), nil
}

func toPhaseSpecs(phases []config.PhaseConfig) []domain.PhaseSpec {
	specs := make([]domain.PhaseSpec, 0, len(phases))
	for _, p := range phases {
		specs = append(specs, domain.PhaseSpec{
			Name:        domain.Phase(p.Name),
			MinActions:  p.MinActions,
			SettleDelay: config.Duration(p.SettleDelay, 0),
		})
	}
	return specs
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	id := fs.String("id", "", "show one attempt by id")
	limit := fs.Int("n", 20, "number of recent attempts to list")
	fs.Parse(args)

	cfg, _, cleanup, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := report.NewSQLiteStore(cfg.Report.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if *id != "" {
		result, err := store.Get(ctx, *id)
		if err != nil {
			return err
		}
		printResult(result)
		for _, e := range result.History {
			mark := "ok"
			if !e.Success {
				mark = "fail"
			}
			fmt.Printf("    %-14s %-4s actions=%d %s\n", e.Phase, mark, e.ActionsPerformed, e.Reason)
		}
		return nil
	}

	results, err := store.List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no attempts recorded")
		return nil
	}
	for i := range results {
		printResult(&results[i])
	}
	return nil
}

func printResult(r *domain.AttemptResult) {
	fmt.Printf("%s  %-10s %-8s %-14s %s  %s\n",
		r.ID, r.Provider, r.Status, r.FinalPhase,
		r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Reason)
}

// runEncrypt reads a secret and passphrase from stdin-free flags and prints
// the enc: value for the config file.
func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	value := fs.String("value", "", "secret value to encrypt")
	fs.Parse(args)

	passphrase := os.Getenv("AUTHFLOW_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("set AUTHFLOW_CONFIG_KEY to the encryption passphrase")
	}
	if *value == "" {
		return fmt.Errorf("pass the secret with -value")
	}

	encrypted, err := config.EncryptValue(*value, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}
