package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "remedy"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage remedy configuration.

Running bare 'remedy config' is the same as 'remedy config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# remedy configuration
# See: remedy config show (for effective values and sources)

# SQLite database path (default: ~/.config/remedy/remedy.db)
# db_path: {{ .DBPath }}

# Working tree remediation runs against (default: current directory)
# workdir: {{ .Workdir }}

anthropic:
  # API key for patch drafting (or set REMEDY_ANTHROPIC_API_KEY)
  api_key: ""
  model: "{{ .Model }}"

safety:
  # Applied fixes allowed per sliding window
  rate_limit_window: "{{ .RateWindow }}"
  rate_limit_max: {{ .RateMax }}

  # Blast-radius caps
  max_files_per_fix: {{ .MaxFilesPerFix }}
  max_lines_per_fix: {{ .MaxLinesPerFix }}
  max_files_per_run: {{ .MaxFilesPerRun }}

  # Cooldown entered after any rollback
  cooldown: "{{ .Cooldown }}"

  # Glob patterns fixes may never touch
  exclude_paths: []

health:
  # Command whose exit status is the health signal, e.g. "go test ./..."
  command: "{{ .HealthCommand }}"
  timeout: "{{ .HealthTimeout }}"

review:
  # How long a run waits for an approval decision
  timeout: "{{ .ReviewTimeout }}"
`

type configTemplateData struct {
	DBPath         string
	Workdir        string
	Model          string
	RateWindow     string
	RateMax        int
	MaxFilesPerFix int
	MaxLinesPerFix int
	MaxFilesPerRun int
	Cooldown       string
	HealthCommand  string
	HealthTimeout  string
	ReviewTimeout  string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	data := configTemplateData{
		DBPath:         viper.GetString("db_path"),
		Workdir:        viper.GetString("workdir"),
		Model:          viper.GetString("anthropic.model"),
		RateWindow:     viper.GetString("safety.rate_limit_window"),
		RateMax:        viper.GetInt("safety.rate_limit_max"),
		MaxFilesPerFix: viper.GetInt("safety.max_files_per_fix"),
		MaxLinesPerFix: viper.GetInt("safety.max_lines_per_fix"),
		MaxFilesPerRun: viper.GetInt("safety.max_files_per_run"),
		Cooldown:       viper.GetString("safety.cooldown"),
		HealthCommand:  viper.GetString("health.command"),
		HealthTimeout:  viper.GetString("health.timeout"),
		ReviewTimeout:  viper.GetString("review.timeout"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "REMEDY_DB_PATH"},
	{Key: "workdir", EnvVar: "REMEDY_WORKDIR"},
	{Key: "anthropic.model", EnvVar: "REMEDY_ANTHROPIC_MODEL"},
	{Key: "detect.group_window", EnvVar: "REMEDY_DETECT_GROUP_WINDOW"},
	{Key: "safety.rate_limit_window", EnvVar: "REMEDY_SAFETY_RATE_LIMIT_WINDOW"},
	{Key: "safety.rate_limit_max", EnvVar: "REMEDY_SAFETY_RATE_LIMIT_MAX"},
	{Key: "safety.max_files_per_fix", EnvVar: "REMEDY_SAFETY_MAX_FILES_PER_FIX"},
	{Key: "safety.max_lines_per_fix", EnvVar: "REMEDY_SAFETY_MAX_LINES_PER_FIX"},
	{Key: "safety.max_files_per_run", EnvVar: "REMEDY_SAFETY_MAX_FILES_PER_RUN"},
	{Key: "safety.cooldown", EnvVar: "REMEDY_SAFETY_COOLDOWN"},
	{Key: "health.command", EnvVar: "REMEDY_HEALTH_COMMAND"},
	{Key: "health.timeout", EnvVar: "REMEDY_HEALTH_TIMEOUT"},
	{Key: "review.timeout", EnvVar: "REMEDY_REVIEW_TIMEOUT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}
