// edgeflow runs a single-node dataflow agent.
//
// Usage:
//
//	edgeflow init [--config PATH] [--force]
//	edgeflow start [--config PATH]
//	edgeflow inspect [--config PATH]
//	edgeflow schema [OUTPUT]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/agent"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/config"
	"github.com/marmos91/edgeflow/pkg/flowfile"
)

const usage = `edgeflow - edge dataflow agent

Usage:
  edgeflow <command> [flags]

Commands:
  init      Write a sample configuration file
  start     Run the agent
  inspect   Replay the flow file repository and print a summary
  schema    Write the JSON schema of the configuration file

Run "edgeflow <command> --help" for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "start":
		return runStart(args[1:])
	case "inspect":
		return runInspect(args[1:])
	case "schema":
		return runSchema(args[1:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// parseFlags parses a command's flags. It returns done=true when help was
// printed.
func parseFlags(fs *pflag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return false, nil
}

func runInit(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "Path of the file to write (default: "+config.GetDefaultConfigPath()+")")
	force := fs.BoolP("force", "f", false, "Overwrite an existing file")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	target := *path
	if target == "" {
		written, err := config.InitConfig(*force)
		if err != nil {
			return err
		}
		target = written
	} else if err := config.InitConfigToPath(target, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", target)
	return nil
}

func runStart(args []string) error {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "Configuration file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := fs.String("log-level", "", "Override logging.level (DEBUG, INFO, WARN, ERROR)")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, err := logger.Open(cfg.Logging.Output, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	stats := a.Recovery()
	log.Info("Recovered %d records (%d dropped: %d missing content, %d unplaced)",
		stats.Restored, stats.MissingContent+stats.Unplaced, stats.MissingContent, stats.Unplaced)
	log.Info("Agent started. Press Ctrl+C to stop.")

	return a.Serve(ctx)
}

// connectionSummary aggregates the live records persisted for a connection.
type connectionSummary struct {
	records int
	bytes   int64
}

func runInspect(args []string) error {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "Configuration file (default: "+config.GetDefaultConfigPath()+")")
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, "WARN", cfg.Logging.Format)
	ctx := context.Background()

	repo, err := config.CreateRepository(ctx, &cfg.FlowFiles, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	byConn := make(map[string]*connectionSummary)
	claims := make(map[claim.ID]int)
	err = repo.Replay(ctx, func(rec *flowfile.Record) error {
		s, ok := byConn[rec.Connection]
		if !ok {
			s = &connectionSummary{}
			byConn[rec.Connection] = s
		}
		s.records++
		s.bytes += rec.Size
		if rec.Content != nil {
			claims[rec.Content.Claim]++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	stats := repo.Stats()
	fmt.Printf("Repository (%s)\n", cfg.FlowFiles.Type)
	fmt.Printf("  records:          %d\n", stats.Records)
	fmt.Printf("  last sequence:    %d\n", stats.LastSeq)
	fmt.Printf("  checkpoint:       %d\n", stats.CheckpointSeq)
	fmt.Printf("  segments:         %d\n", stats.Segments)
	fmt.Printf("  since compaction: %d\n", stats.EntriesSinceCompaction)
	fmt.Printf("  corruptions:      %d\n", stats.Corruptions)
	fmt.Printf("  claims in use:    %d\n", len(claims))

	ids := make([]string, 0, len(byConn))
	for id := range byConn {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("Connections")
	for _, id := range ids {
		s := byConn[id]
		fmt.Printf("  %-32s %8d records %12d bytes\n", id, s.records, s.bytes)
	}
	return nil
}
