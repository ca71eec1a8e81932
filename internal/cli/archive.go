package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/appgen/pkg/archive"
	"github.com/harun/appgen/pkg/store"
)

var archiveOutput string

var archiveCmd = &cobra.Command{
	Use:   "archive <app-id|slug>",
	Short: "Package a stored app as a zip file",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchive,
}

func init() {
	archiveCmd.Flags().StringVarP(&archiveOutput, "output", "o", "", `zip file to write, "-" for stdout (default is <slug>.zip)`)
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		return fmt.Errorf("no app store at %s", cfg.Storage.DBPath)
	}
	db, err := store.Open(store.Config{DBPath: cfg.Storage.DBPath, Logger: log.Zerolog()})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	app, err := db.GetApp(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		app, err = db.GetAppBySlug(ctx, args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to find app %s: %w", args[0], err)
	}
	files, err := db.FileMap(ctx, app.ID)
	if err != nil {
		return err
	}

	var w io.Writer
	target := archiveOutput
	switch target {
	case "-":
		w = cmd.OutOrStdout()
	default:
		if target == "" {
			target = archive.Filename(app.Slug)
		}
		f, err := os.Create(target)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		defer f.Close()
		w = f
	}

	skipped, err := archive.Write(w, files)
	if err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	for _, p := range skipped {
		fmt.Fprintf(cmd.ErrOrStderr(), "skipped unsafe path %s\n", p)
	}
	if target != "-" {
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d files to %s\n", len(files)-len(skipped), target)
	}
	return nil
}
