package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/appgen/internal/daemon"
	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/generator"
)

var (
	generateCredential string
	generateOutputDir  string
	generateNoPost     bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <description>",
	Short: "Generate one app and exit",
	Long: `Generate one app from a description without starting the gateway.
Files are written under the output directory as they are finalized.
Interrupting the command aborts the session and keeps what was written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&generateCredential, "credential", "", "API key for this session, overriding stored credentials")
	generateCmd.Flags().StringVar(&generateOutputDir, "out", "", "output root (default is the configured output_dir)")
	generateCmd.Flags().BoolVar(&generateNoPost, "no-post", false, "skip post-processing")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if generateOutputDir != "" {
		cfg.Generation.OutputDir = generateOutputDir
	}
	if generateNoPost {
		cfg.Generation.PostProcess = false
	}
	cfg.Janitor.Enabled = false

	log, err := newLogger(cfg, cmd)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	progress := dispatch.SinkFunc("cli", func(_ context.Context, n dispatch.Notification) error {
		switch n.Type {
		case dispatch.KindFileFinalized:
			fmt.Fprintf(out, "  wrote %s (%d bytes)\n", n.RelativePath, len(n.FullContent))
		case dispatch.KindFileDiscarded:
			fmt.Fprintf(out, "  discarded %s\n", n.RelativePath)
		}
		return nil
	})

	res, err := d.Generator().Generate(ctx, generator.Request{
		Description: strings.Join(args, " "),
		Credential:  generateCredential,
		Sinks:       []dispatch.Sink{progress},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nSession %s %s after %d turns (%d attempts)\n", res.SessionID, res.State, res.Turns, res.Attempts)
	fmt.Fprintf(out, "Files:  %d\n", len(res.Files))
	if res.OutputDir != "" {
		fmt.Fprintf(out, "Output: %s\n", res.OutputDir)
	}
	fmt.Fprintf(out, "Slug:   %s\n", res.Slug)

	if res.State != conversation.StateCompleted {
		if res.Err != nil {
			return fmt.Errorf("session %s aborted: %w", res.SessionID, res.Err)
		}
		return fmt.Errorf("session %s aborted", res.SessionID)
	}
	return nil
}
