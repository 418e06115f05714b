package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wshanks/wsbackup/pkg/buildinfo"
	"github.com/wshanks/wsbackup/pkg/config"
	"github.com/wshanks/wsbackup/pkg/engine"
	"github.com/wshanks/wsbackup/pkg/plog"
	"github.com/wshanks/wsbackup/pkg/schedule"
)

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string {
	return fmt.Sprint(*l)
}

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// init is called before main. We use it to set up a custom, more
// descriptive help message for the command-line flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
		fmt.Fprintf(flag.CommandLine.Output(), "Rotating directory-tree backups via rsync with grandfather-father-son retention.\n\n")
		flag.PrintDefaults()
	}
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	var rsyncOpts stringList
	configPath := flag.String("config", "", "Path to the yaml configuration file defining the backup procedure.")
	flag.StringVar(configPath, "c", *configPath, "Shorthand for -config.")
	flag.Var(&rsyncOpts, "rsync-opt", "Extra option passed to rsync, repeatable. Use -rsync-opt=\"--option\" syntax so the option is not consumed by this command.")
	logLevel := flag.String("log-level", "info", "Set the logging level: 'debug', 'info', 'notice', 'warn', 'error'.")
	scheduleSpec := flag.String("schedule", "", "Run continuously on a cron schedule instead of once, e.g. \"30 3 * * *\".")
	showVersion := flag.Bool("version", false, "Print the application version and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
		return nil
	}
	if *configPath == "" {
		return fmt.Errorf("the -config flag is required")
	}

	plog.SetLevel(plog.LevelFromString(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if len(rsyncOpts) > 0 {
		cfg.RsyncOpts = config.MergeOpts(cfg.RsyncOpts, rsyncOpts)
	}

	plog.AttachFile(cfg.Logfile.Path, cfg.Logfile.MaxBytes, cfg.Logfile.BackupCount)
	defer plog.DetachFile()

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	cfg.LogSummary()

	if *scheduleSpec != "" {
		return schedule.Run(ctx, *scheduleSpec, func(runCtx context.Context) error {
			return engine.New(cfg).Execute(runCtx)
		})
	}
	return engine.New(cfg).Execute(ctx)
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
