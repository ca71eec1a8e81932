package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/appgen/internal/config"
	"github.com/harun/appgen/internal/credentials"
	"github.com/harun/appgen/internal/logger"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration",
	Long: `Write the default configuration to the config path and create the
credentials file for the configured provider. Put your API key in that file
or set APPGEN_UPSTREAM_API_KEY.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg.DataDir = filepath.Join(home, ".appgen")
	cfg.ApplyDataDir()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	log, err := logger.New(logger.Config{Level: "error", Console: true, Output: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer log.Close()

	creds, err := credentials.New(cfg.Credentials.Dir, log.Zerolog())
	if err != nil {
		return err
	}
	defer creds.Close()
	_, hasKey := creds.Get(cmd.Context(), cfg.Upstream.Provider, "api_key")

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	if !hasKey {
		fmt.Fprintf(out, "Add your %s API key to %s/%s.json\n", cfg.Upstream.Provider, cfg.Credentials.Dir, cfg.Upstream.Provider)
	}
	fmt.Fprintln(out, "Start the gateway with: appgen serve")
	return nil
}
