package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/persistorai/famgraph/client"
)

func newInitCmd() *cobra.Command {
	var (
		initURL   string
		initToken string
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up famgraph CLI configuration",
		Long:  "Interactive setup that creates ~/.famgraph/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			nonInteractive := initURL != ""
			return runInit(initURL, initToken, profile, nonInteractive)
		},
	}

	cmd.Flags().StringVar(&initURL, "server", "", "Server URL (non-interactive mode)")
	cmd.Flags().StringVar(&initToken, "server-token", "", "Bearer token (non-interactive mode)")
	cmd.Flags().StringVar(&profile, "profile", "default", "Profile name to write")
	return cmd
}

func runInit(url, token, profile string, nonInteractive bool) error {
	if !nonInteractive {
		fmt.Println("\n  famgraph setup")
		fmt.Println("  ──────────────")
		fmt.Println()

		reader := bufio.NewReader(os.Stdin)

		fmt.Printf("  Server URL [%s]: ", defaultURL)
		line, _ := reader.ReadString('\n')
		url = strings.TrimSpace(line)

		fmt.Print("  Bearer token (blank for none): ")
		tokenLine, _ := reader.ReadString('\n')
		token = strings.TrimSpace(tokenLine)
	}

	if url == "" {
		url = defaultURL
	}

	ver, err := testConnection(url, token)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	cfgPath, err := writeConfig(profile, profileConfig{URL: url, Token: token})
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Connected to famgraph %s\nConfig saved to %s\n", ver, cfgPath)
	if !nonInteractive {
		fmt.Println("\n  Next steps:")
		fmt.Println("    famgraph-cli doctor               # Full diagnostic check")
		fmt.Println("    famgraph-cli status <familyId>    # Sync health of a family")
		fmt.Println()
	}

	return nil
}

func testConnection(url, token string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithToken(token))
	}

	health, err := client.New(url, opts...).Health(ctx)
	if err != nil {
		return "", err
	}
	if health.Version == "" {
		return "unknown", nil
	}
	return health.Version, nil
}

// writeConfig stores p under name, keeping other profiles, and makes it active.
func writeConfig(name string, p profileConfig) (string, error) {
	cfgPath, existing, err := loadProfiles()
	if cfgPath == "" {
		return "", err
	}

	cfg := profilesFile{Profiles: map[string]profileConfig{}}
	if existing != nil && existing.Profiles != nil {
		cfg.Profiles = existing.Profiles
	}
	cfg.Profiles[name] = p
	cfg.ActiveProfile = name

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return "", err
	}

	return cfgPath, nil
}
