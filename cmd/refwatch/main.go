package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/refwatch/internal/config"
	"github.com/standardbeagle/refwatch/internal/debug"
	"github.com/standardbeagle/refwatch/internal/diag"
	"github.com/standardbeagle/refwatch/internal/session"
	"github.com/standardbeagle/refwatch/internal/types"
	"github.com/standardbeagle/refwatch/internal/version"
)

// loadConfigWithOverrides loads configuration and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	root := c.String("root")
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path %q: %w", root, err)
	}

	cfg, err := config.Load(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", absRoot, err)
	}
	cfg.Project.Root = absRoot

	if excludeFlags := c.StringSlice("exclude"); len(excludeFlags) > 0 {
		cfg.Exclude = append(cfg.Exclude, excludeFlags...)
	}
	if debounce := c.Int("debounce"); debounce > 0 {
		cfg.Watch.DebounceMs = debounce
	}
	if workers := c.Int("workers"); workers > 0 {
		cfg.Watch.Workers = workers
	}

	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:                   "refwatch",
		Usage:                  "Keeps asset references intact while files move",
		Version:                version.Version,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Project root directory (overrides config)",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Exclude paths matching glob patterns (e.g., --exclude '**/_backup/**')",
			},
			&cli.IntFlag{
				Name:  "debounce",
				Usage: "Debounce window for filesystem events in milliseconds",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Worker count for scanning and patching (0 = CPU count)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Write debug logging to a temp file",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				if path, err := debug.InitDebugLogFile(); err == nil {
					fmt.Fprintf(os.Stderr, "debug log: %s\n", path)
				}
			}
			return nil
		},
		After: func(c *cli.Context) error {
			return debug.CloseDebugLog()
		},
		Commands: []*cli.Command{
			{
				Name:   "watch",
				Usage:  "Scan the project, then watch and patch references live",
				Action: runWatch,
			},
			{
				Name:   "scan",
				Usage:  "Build the reference index once and print a summary",
				Action: runScan,
			},
			{
				Name:  "diagnose",
				Usage: "Report broken references and orphaned assets",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "Emit the report as JSON"},
				},
				Action: runDiagnose,
			},
			{
				Name:   "analyze",
				Usage:  "Print a file-extension census of the project tree",
				Action: runAnalyze,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWatch(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.StartWatching(ctx); err != nil {
		return err
	}

	go func() {
		for report := range sess.Reports() {
			printReport(&report)
		}
	}()

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down...")
	sess.StopWatching()
	return nil
}

func runScan(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	result, err := sess.Scan(context.Background())
	if err != nil {
		return err
	}

	containers, assets := sess.Index().Stats()
	fmt.Printf("Scanned %d container(s) in %v: %d occurrence(s), %d distinct asset(s) across %d indexed container(s)\n",
		result.ContainersScanned, result.Duration.Round(time.Millisecond), result.OccurrencesFound, assets, containers)
	for _, err := range result.Errors {
		fmt.Fprintf(os.Stderr, "  warning: %v\n", err)
	}
	return nil
}

func runDiagnose(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := sess.Scan(ctx); err != nil {
		return err
	}

	report, err := sess.RunDiagnostics(ctx)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		out := diagnosticsJSON(report)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Broken references: %d\n", len(report.Broken))
	for _, b := range report.Broken {
		switch {
		case b.ResolvedPath != "":
			fmt.Printf("  %s -> %s (%s, resolves to %s)\n",
				b.Container, b.Occurrence.Target, b.Reason, b.ResolvedPath)
		case b.Suggestion != "":
			fmt.Printf("  %s -> %s (%s, did you mean %s?)\n",
				b.Container, b.Occurrence.Target, b.Reason, b.Suggestion)
		default:
			fmt.Printf("  %s -> %s (%s)\n", b.Container, b.Occurrence.Target, b.Reason)
		}
	}

	fmt.Printf("Orphaned assets: %d\n", len(report.Orphaned))
	for _, o := range report.Orphaned {
		fmt.Printf("  %s\n", o)
	}
	return nil
}

func runAnalyze(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	counts, total, err := sess.Census(context.Background())
	if err != nil {
		return err
	}

	exts := make([]string, 0, len(counts))
	for ext := range counts {
		exts = append(exts, ext)
	}
	sort.Slice(exts, func(i, j int) bool { return counts[exts[i]] > counts[exts[j]] })

	fmt.Printf("%d file(s) total\n", total)
	for _, ext := range exts {
		fmt.Printf("  %-12s %d\n", ext, counts[ext])
	}
	return nil
}

func printReport(report *types.PatchReport) {
	fmt.Printf("rename %s -> %s (%v)\n",
		report.Rename.OldPath, report.Rename.NewPath, report.Duration.Round(time.Millisecond))
	for _, e := range report.Entries {
		if e.Detail != "" {
			fmt.Printf("  [%s] %s: %s\n", e.Outcome, e.Path, e.Detail)
		} else {
			fmt.Printf("  [%s] %s\n", e.Outcome, e.Path)
		}
	}
}

type brokenJSON struct {
	Container string `json:"container"`
	Target    string `json:"target"`
	Reason    string `json:"reason"`
	Resolved  string `json:"resolved,omitempty"`
	Suggested string `json:"suggested,omitempty"`
}

type reportJSON struct {
	Broken   []brokenJSON `json:"broken"`
	Orphaned []string     `json:"orphaned"`
}

func diagnosticsJSON(report *diag.Report) reportJSON {
	out := reportJSON{
		Broken:   make([]brokenJSON, 0, len(report.Broken)),
		Orphaned: make([]string, 0, len(report.Orphaned)),
	}
	for _, b := range report.Broken {
		out.Broken = append(out.Broken, brokenJSON{
			Container: string(b.Container),
			Target:    string(b.Occurrence.Target),
			Reason:    b.Reason.String(),
			Resolved:  string(b.ResolvedPath),
			Suggested: string(b.Suggestion),
		})
	}
	for _, o := range report.Orphaned {
		out.Orphaned = append(out.Orphaned, string(o))
	}
	return out
}
