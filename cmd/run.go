package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/remedyd/remedy/internal/detect"
	"github.com/remedyd/remedy/internal/engine"
	"github.com/remedyd/remedy/internal/genfix"
	"github.com/remedyd/remedy/internal/healthcheck"
	"github.com/remedyd/remedy/internal/llm"
	"github.com/remedyd/remedy/internal/models"
	"github.com/remedyd/remedy/internal/output"
	"github.com/remedyd/remedy/internal/patch"
	"github.com/remedyd/remedy/internal/safety"
)

var runWorkdir string

var runCmd = &cobra.Command{
	Use:   "run <verdict-file>",
	Short: "Run one remediation cycle over a verdict file",
	Long: `Run one remediation cycle: extract issues from the verdict, draft
patches, gate them through the safety controller, apply the approved
ones, and verify the result with the configured health check.

The verdict file is YAML or JSON produced by the verification pipeline.
Interrupting the run (Ctrl-C) reverts any fixes already applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(args[0])
	},
}

func init() {
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "Working tree to remediate (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(verdictPath string) error {
	verdict, err := loadVerdict(verdictPath)
	if err != nil {
		return err
	}
	if len(verdict.Items) == 0 {
		ui.Info("Verdict has no findings, nothing to do.")
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}

	workdir := runWorkdir
	if workdir == "" {
		workdir = viper.GetString("workdir")
	}

	logger := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
			defer logger.Sync()
		}
	}

	ctrl := safety.New(safetyConfig(), nil, engine.NewStoreHistory(s), nil)
	drafter := llm.NewDrafter(viper.GetString("anthropic.api_key"), viper.GetString("anthropic.model"))
	generator := genfix.New(drafter, genfix.Options{
		MaxRetries:               uint64(viper.GetInt("generate.max_retries")),
		RetryOnValidationFailure: viper.GetBool("generate.retry_on_validation_failure"),
	})

	eng := engine.New(engine.Config{
		ReviewTimeout: viperDuration("review.timeout", 0),
		Policy: genfix.Policy{
			AllowSuppress: viper.GetBool("suppress.allow"),
			SuppressRules: viper.GetStringSlice("suppress.rules"),
		},
	}, engine.Deps{
		Detector:       detect.New(detect.Options{GroupWindow: viper.GetInt("detect.group_window")}),
		Safety:         ctrl,
		Generator:      generator,
		Applicator:     patch.NewApplicator(workdir, nil),
		Store:          s,
		ContextBuilder: &engine.FileContextBuilder{Workdir: workdir},
		Health:         healthCommand(workdir),
		Sink: engine.MultiSink{
			engine.LogSink{Log: logger},
			engine.SinkFunc(printEvent),
		},
		Log: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.Info("Starting remediation for verdict %s (%d findings)", verdict.ID, len(verdict.Items))
	run, err := eng.Run(ctx, verdict)
	if err != nil {
		return err
	}

	return printRunSummary(run)
}

// healthCommand builds the configured health check, nil when unset.
func healthCommand(workdir string) engine.HealthChecker {
	command := strings.Fields(viper.GetString("health.command"))
	if len(command) == 0 {
		return nil
	}
	return &healthcheck.Command{
		Name:    command[0],
		Args:    command[1:],
		Workdir: workdir,
		Timeout: viperDuration("health.timeout", 0),
	}
}

// printEvent surfaces engine lifecycle events on the terminal.
func printEvent(e engine.Event) {
	switch e.Type {
	case engine.EventFixApplied:
		ui.Success("Applied fix %s", e.FixID)
	case engine.EventFixReverted:
		ui.Warning("Reverted fix %s (%s)", e.FixID, e.Detail)
	case engine.EventFixBlocked:
		ui.Warning("Blocked fix %s (%s)", e.FixID, e.Detail)
	case engine.EventRolledBack:
		ui.Error("Rolled back run %s: %s", e.RunID, e.Detail)
	default:
		ui.VerboseLog("%s %s %s", e.Type, e.FixID, e.Detail)
	}
}

func printRunSummary(run *models.RemediationRun) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	fixes, err := s.ListFixes(context.Background(), run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	ui.Info("Run %s: %s", run.ID, output.StatusColor(string(run.Status)))
	if run.Reason != "" {
		ui.Info("Reason: %s", run.Reason)
	}
	ui.Info("Health: %s -> %s", output.HealthColor(run.HealthBefore), output.HealthColor(run.HealthAfter))

	if len(fixes) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Fix", "Strategy", "Status", "Approval", "Files", "Reason"})
	for _, f := range fixes {
		table.Append([]string{
			f.ID,
			string(f.Strategy),
			output.StatusColor(string(f.Status)),
			string(f.Approval),
			strings.Join(f.Patch.Files, ","),
			f.Reason,
		})
	}
	table.Render()
	return nil
}

// loadVerdict reads a verdict from a YAML or JSON file. A verdict without
// an id gets one derived from the file name.
func loadVerdict(path string) (*models.Verdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verdict: %w", err)
	}

	var verdict models.Verdict
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &verdict); err != nil {
			return nil, fmt.Errorf("parse verdict %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &verdict); err != nil {
			return nil, fmt.Errorf("parse verdict %s: %w", path, err)
		}
	}

	if verdict.ID == "" {
		verdict.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &verdict, nil
}
