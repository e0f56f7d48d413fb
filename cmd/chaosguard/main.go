// Command chaosguard validates region-scoped edits to the chaos board.
//
// Exit status is 0 when a mutation is accepted, 2 when it is rejected and
// 3 when it should fall back to a smaller edit. Any other failure exits 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/njchilds90/chaosguard"
	"github.com/njchilds90/chaosguard/auditlog"
	"github.com/njchilds90/chaosguard/policyfile"
)

const (
	Version = "0.1.0"
	appName = "chaosguard"
)

// Exit codes for validation outcomes.
const (
	exitAccept   = 0
	exitFailure  = 1
	exitReject   = 2
	exitFallback = 3
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitFailure)
		}
	}()

	err := rootCmd().Execute()
	if err == nil {
		return
	}
	var de *decisionError
	if errors.As(err, &de) {
		os.Exit(de.code())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFailure)
}

// decisionError carries a non-accept decision out of Execute so main can
// map it to an exit status.
type decisionError struct {
	decision chaosguard.Decision
}

func (e *decisionError) Error() string { return "mutation " + string(e.decision) }

func (e *decisionError) code() int {
	switch e.decision {
	case chaosguard.Reject:
		return exitReject
	case chaosguard.Fallback:
		return exitFallback
	default:
		return exitAccept
	}
}

// decisionErr returns nil for Accept and a *decisionError otherwise.
func decisionErr(d chaosguard.Decision) error {
	if d == chaosguard.Accept {
		return nil
	}
	return &decisionError{decision: d}
}

type globalOptions struct {
	policyPath string
	logLevel   string
	auditDB    string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Region-scoped mutation validator for the chaos board",
		Long: `chaosguard checks a proposed edit to the chaos board before it is
committed. The edit must stay between the CHAOS_START and CHAOS_END markers,
parse cleanly, and satisfy the policy: allowed tags only, https links with
the required rel bundle, .chaos-region scoped selectors, no banned content,
and a bounded diff size.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.policyPath, "policy", "p", "", "Policy file (default ./"+policyfile.DefaultFile+" if present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.auditDB, "audit-db", "", "SQLite file to append audit records to")

	cmd.AddCommand(validateCmd(opts))
	cmd.AddCommand(diffCmd(opts))
	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(policyCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func setupLogging(logLevel string) {
	level := slog.LevelWarn
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (o *globalOptions) loadPolicy() (*chaosguard.Policy, error) {
	p, err := policyfile.NewLoader(slog.Default()).Load(o.policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

// openAudit returns nil when no audit database was requested.
func (o *globalOptions) openAudit() (*auditlog.Store, func(), error) {
	if o.auditDB == "" {
		return nil, func() {}, nil
	}
	db, err := auditlog.Open(o.auditDB)
	if err != nil {
		return nil, nil, err
	}
	store := auditlog.NewStore(db).WithLogger(slog.Default())
	if err := store.Init(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		db.Close()
	}, nil
}

func (o *globalOptions) record(ctx context.Context, rec chaosguard.AuditRecord) error {
	store, closeStore, err := o.openAudit()
	if err != nil {
		return err
	}
	defer closeStore()
	if store == nil {
		return nil
	}
	if err := store.Append(ctx, rec); err != nil {
		return err
	}
	slog.Debug("Recorded audit entry", slog.String("id", rec.ID), slog.String("db", o.auditDB))
	return nil
}
