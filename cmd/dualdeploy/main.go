package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/charmbracelet/lipgloss"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `Usage: dualdeploy [-config path] <command> [flags]

Commands:
  deploy -plan <file> [-tags a,b]  Run a deployment plan (YAML or HCL)
  status [-json]                   List stored deployment records
  reset <name>...                  Remove stored records so they redeploy
  serve                            Serve the status API
  version                          Print version and exit
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dualdeploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return ExitConfigError
	}
	command, cmdArgs := rest[0], rest[1:]

	if command == "version" {
		fmt.Fprintf(stdout, "dualdeploy %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	logger := SetupLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "deploy":
		err = runDeploy(ctx, cfg, cmdArgs, stdout, stderr)
	case "status":
		err = runStatus(ctx, cfg, cmdArgs, stdout, stderr)
	case "reset":
		err = runReset(ctx, cfg, cmdArgs, stderr)
	case "serve":
		err = runServe(ctx, cfg, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fs.Usage()
		return ExitConfigError
	}

	if err != nil {
		logger.Error("command failed", "command", command, "error", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// Commands
// =============================================================================

func runDeploy(ctx context.Context, cfg *Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planPath := fs.String("plan", "", "Deployment plan file (.yaml, .yml, .json or .hcl)")
	tags := fs.String("tags", "", "Comma-separated step names or tags to run")
	if err := fs.Parse(args); err != nil {
		return &CommandError{Op: "deploy", Err: err, ExitCode: ExitConfigError}
	}
	if *planPath == "" {
		return &CommandError{Op: "deploy", Err: fmt.Errorf("-plan is required"), ExitCode: ExitConfigError}
	}

	app, err := NewApp(ctx, cfg, SetupLogger(cfg, stderr))
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Deploy(ctx, *planPath, splitList(*tags))
	if report != nil {
		printRecords(stdout, report.Records())
	}
	return err
}

func runStatus(ctx context.Context, cfg *Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "Print records as JSON")
	if err := fs.Parse(args); err != nil {
		return &CommandError{Op: "status", Err: err, ExitCode: ExitConfigError}
	}

	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return &CommandError{Op: "open store", Err: err, ExitCode: ExitStoreError}
	}
	defer st.Close()

	records, err := st.List(ctx)
	if err != nil {
		return &CommandError{Op: "status", Err: err, ExitCode: ExitStoreError}
	}

	if *asJSON {
		byName := make(map[string]*domain.DeploymentRecord, len(records))
		for _, rec := range records {
			byName[rec.Name] = rec
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(byName)
	}
	printRecords(stdout, records)
	return nil
}

func runReset(ctx context.Context, cfg *Config, names []string, stderr io.Writer) error {
	if len(names) == 0 {
		return &CommandError{Op: "reset", Err: fmt.Errorf("at least one name is required"), ExitCode: ExitConfigError}
	}

	app, err := NewApp(ctx, cfg, SetupLogger(cfg, stderr))
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Reset(ctx, names)
}

func runServe(ctx context.Context, cfg *Config, stderr io.Writer) error {
	app, err := NewApp(ctx, cfg, SetupLogger(cfg, stderr))
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Serve(ctx)
}

// =============================================================================
// Output
// =============================================================================

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	statusStyles = map[domain.RecordStatus]lipgloss.Style{
		domain.StatusPending:        lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		domain.StatusExecConfirmed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")),
		domain.StatusFullyConfirmed: lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379")),
		domain.StatusFailed:         lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}
)

func printRecords(w io.Writer, records []*domain.DeploymentRecord) {
	rows := [][]string{{"NAME", "STATUS", "ADDRESS", "EXEC TX", "ANCHOR TX", "HEIGHT"}}
	for _, rec := range records {
		anchor := "-"
		if rec.AnchorTxRef != nil {
			anchor = *rec.AnchorTxRef
		}
		rows = append(rows, []string{
			rec.Name,
			string(rec.Status),
			orDash(rec.Address),
			orDash(rec.ExecutionTxRef),
			anchor,
			strconv.FormatUint(rec.CreatedAtHeight, 10),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i] + 2)
			switch {
			case r == 0:
				style = style.Inherit(headerStyle)
			case i == 1:
				style = style.Inherit(statusStyles[domain.RecordStatus(cell)])
			}
			cells[i] = style.Render(cell)
		}
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
