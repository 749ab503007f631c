package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/config"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/edw"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/job"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

const cancelTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("edwreader", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "INI configuration file; environment variables override it")
	format := flags.StringP("format", "f", formatCSV, "output format: csv or json")
	cancelOnInterrupt := flags.Bool("cancel-on-interrupt", true, "send KILL to the peer on SIGINT/SIGTERM before closing the stream")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	// 1. Load configuration
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromINI(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logrus.Errorf("Failed to load config: %v", err)
		return 2
	}
	logger := logrus.NewEntry(logging.New(cfg.Log, os.Stderr))

	// 2. Read the command
	command, err := readCommand(flags.Args(), os.Stdin)
	if err != nil {
		logger.Errorf("Failed to read command: %v", err)
		return 2
	}

	printer, err := newRowPrinter(*format, logger)
	if err != nil {
		logger.Error(err)
		return 2
	}

	// 3. Build the client
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := edw.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("Failed to initialize client: %v", err)
		return 1
	}
	defer client.Close()

	// 4. Interrupts cancel the job on the peer, then close the stream
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			logger.Warnf("Received %s, stopping job", sig)
			if *cancelOnInterrupt {
				cctx, ccancel := context.WithTimeout(context.Background(), cancelTimeout)
				if err := client.Cancel(cctx); err != nil {
					logger.Errorf("Failed to cancel job: %v", err)
				}
				ccancel()
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	// 5. Run
	j, err := client.Run(ctx, command, printer)
	if err != nil {
		logger.Errorf("Job failed: %v", err)
	}
	if ferr := printer.Flush(os.Stdout); ferr != nil {
		logger.Errorf("Failed to write rows: %v", ferr)
		return 1
	}
	return exitCode(j, err)
}

// readCommand joins positional arguments or, without any, reads stdin
func readCommand(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	command := strings.TrimSpace(string(b))
	if command == "" {
		return "", errEmptyCommand
	}
	return command, nil
}

func exitCode(j *job.Job, err error) int {
	if j == nil {
		return 1
	}
	switch j.State() {
	case job.StateCompleted:
		if err != nil {
			return 1
		}
		return 0
	case job.StateCancelled:
		return 130
	default:
		return 1
	}
}
