// Command famgraph-cli is an operator CLI for a running famgraph server.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/famgraph/client"
)

// Build-time variables set via ldflags.
var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

const defaultURL = "http://localhost:3030"

var (
	apiClient *client.Client
	flagURL   string
	flagToken string
	flagFmt   string
)

func versionString() string {
	if commit != "" && buildDate != "" {
		return fmt.Sprintf("famgraph-cli version %s (commit: %s, built: %s)", version, commit, buildDate)
	}
	return fmt.Sprintf("famgraph-cli version %s-dev", version)
}

// profileConfig holds connection settings for a single profile.
type profileConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

// profilesFile is the config file structure at ~/.famgraph/config.yaml.
type profilesFile struct {
	Profiles      map[string]profileConfig `yaml:"profiles"`
	ActiveProfile string                   `yaml:"active_profile"`
}

func (f *profilesFile) active() (profileConfig, bool) {
	if f == nil || f.Profiles == nil {
		return profileConfig{}, false
	}
	name := f.ActiveProfile
	if name == "" {
		name = "default"
	}
	p, ok := f.Profiles[name]
	return p, ok
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".famgraph", "config.yaml"), nil
}

func loadProfiles() (string, *profilesFile, error) {
	path, err := configPath()
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return path, nil, err
	}
	var cfg profilesFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return path, nil, err
	}
	return path, &cfg, nil
}

// resolveSettings applies flag, then env, then config file precedence.
func resolveSettings(url, token string, cfg *profilesFile) (string, string) {
	if url == defaultURL {
		if v := os.Getenv("FAMGRAPH_URL"); v != "" {
			url = v
		}
	}
	if token == "" {
		token = os.Getenv("FAMGRAPH_TOKEN")
	}

	if p, ok := cfg.active(); ok {
		if url == defaultURL && p.URL != "" {
			url = p.URL
		}
		if token == "" && p.Token != "" {
			token = p.Token
		}
	}
	return url, token
}

func resolveConfig() {
	// A missing or malformed config file leaves flags and env in charge.
	_, cfg, _ := loadProfiles()
	flagURL, flagToken = resolveSettings(flagURL, flagToken, cfg)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "famgraph-cli",
		Short:   "Inspect and operate a famgraph sync service",
		Version: versionString(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			resolveConfig()
			var opts []client.Option
			if flagToken != "" {
				opts = append(opts, client.WithToken(flagToken))
			}
			apiClient = client.New(flagURL, opts...)
		},
		SilenceUsage: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")

	root.PersistentFlags().StringVar(&flagURL, "url", defaultURL, "famgraph server URL (env: FAMGRAPH_URL)")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token for a proxy in front of famgraph (env: FAMGRAPH_TOKEN)")
	root.PersistentFlags().StringVar(&flagFmt, "format", "json", "Output format: json|table|quiet")

	initCmd := newInitCmd()
	initCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {} // skip client setup

	root.AddCommand(initCmd)
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newSubgraphCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResyncCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newJobCmd())
	root.AddCommand(newNodeCmd())
	root.AddCommand(newDeadLettersCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
