package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bidsflow/bidsflow/internal/admission"
	"github.com/bidsflow/bidsflow/internal/config"
	"github.com/bidsflow/bidsflow/internal/hpc"
	"github.com/bidsflow/bidsflow/internal/logging"
	"github.com/bidsflow/bidsflow/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of admission slots and submitted jobs",
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("watch requires a terminal")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lockDir := config.ExpandPath(cfg.Paths.LockDir)
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ctrl := admission.NewController(lockDir, cfg.Admission.Limit, logging.NopLogger())
	store := hpc.NewStore(filepath.Join(config.StateDir(), hpc.StoreFileName))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(lockDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", lockDir, err)
	}

	_, err = tea.NewProgram(tui.NewModel(ctrl, store, watcher), tea.WithAltScreen()).Run()
	return err
}
