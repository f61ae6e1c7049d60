package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/config"
	"github.com/larrydiffey/sftpipe/pkg/core"
	"github.com/larrydiffey/sftpipe/pkg/creds"
	"github.com/larrydiffey/sftpipe/pkg/engine"
	"github.com/larrydiffey/sftpipe/pkg/history"
	"github.com/larrydiffey/sftpipe/pkg/hosts"
	"github.com/larrydiffey/sftpipe/pkg/task"
	"github.com/larrydiffey/sftpipe/pkg/transport"
)

var (
	configFile string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:   "sftpipe",
		Short: "sftpipe - pooled, delta-aware SFTP transfers",
		Long: `sftpipe moves files to and from remote hosts over SFTP, reusing
authenticated sessions for speed, splitting large files into parallel
chunks, and syncing directory trees by transferring only what changed.`,
		Version: "0.3.0",
	}

	uploadCmd = &cobra.Command{
		Use:   "upload [host-id] [local-path] [remote-path]",
		Short: "Upload a file to a host",
		Args:  cobra.ExactArgs(3),
		RunE:  runUpload,
	}

	downloadCmd = &cobra.Command{
		Use:   "download [host-id] [remote-path] [local-path]",
		Short: "Download a file from a host",
		Args:  cobra.ExactArgs(3),
		RunE:  runDownload,
	}

	syncCmd = &cobra.Command{
		Use:   "sync [host-id] [local-dir] [remote-dir]",
		Short: "Synchronize a local directory to a host",
		Long: `Sync compares the local and remote directory trees and uploads only
new or changed files. With --delete, files removed locally are also
removed remotely.`,
		Args: cobra.ExactArgs(3),
		RunE: runSync,
	}

	hostsCmd = &cobra.Command{
		Use:   "hosts",
		Short: "List configured hosts",
		RunE:  runHosts,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show finished transfers",
		RunE:  runHistory,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.sftpipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	syncCmd.Flags().Bool("delete", false, "delete remote files missing locally")
	syncCmd.Flags().StringSlice("exclude", []string{}, "exclude patterns (regular expressions)")
	syncCmd.Flags().Bool("dry-run", false, "show the plan without transferring")

	historyCmd.Flags().Bool("clear", false, "clear the transfer history")

	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(core.ExitCodeForError(err))
	}
}

// setup builds a fully wired engine from the config file
func setup() (*engine.Engine, *config.Config, error) {
	path := configFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Verbose = true
	}

	logger := zap.NewNop()
	if cfg.Verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, nil, err
		}
	}

	hostsPath := cfg.Hosts
	if hostsPath == "" {
		if hostsPath, err = hosts.DefaultPath(); err != nil {
			return nil, nil, err
		}
	}
	registry, err := hosts.Load(hostsPath)
	if err != nil {
		return nil, nil, err
	}

	hist, err := history.New(cfg.History)
	if err != nil {
		return nil, nil, err
	}

	eng := engine.New(cfg, registry, creds.NewKeyringStore(),
		transport.NewFactory(logger.Named("transport")), hist, logger)
	if err := eng.Initialize(); err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	eng, _, err := setup()
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	info, err := os.Stat(args[1])
	if err != nil {
		return fmt.Errorf("stat %s: %w", args[1], err)
	}
	t, err := eng.Upload(args[0], args[1], args[2], info.Size())
	if err != nil {
		return err
	}
	return watch(eng, []*task.Task{t})
}

func runDownload(cmd *cobra.Command, args []string) error {
	eng, _, err := setup()
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	t, err := eng.Download(args[0], args[1], args[2], 0)
	if err != nil {
		return err
	}
	return watch(eng, []*task.Task{t})
}

func runSync(cmd *cobra.Command, args []string) error {
	eng, _, err := setup()
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	deleteRemote, _ := cmd.Flags().GetBool("delete")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	plan, err := eng.SyncUp(context.Background(), args[0], args[1], args[2], engine.SyncOptions{
		DeleteRemote:    deleteRemote,
		ExcludePatterns: exclude,
		DryRun:          dryRun,
	})
	if err != nil {
		return err
	}

	uploads, deletes, unchanged := plan.Diff.Counts()
	fmt.Printf("Plan: %d upload(s), %d delete(s), %d unchanged\n", uploads, deletes, unchanged)
	if dryRun {
		for _, e := range plan.Diff.ToUpload {
			fmt.Printf("  upload %s (%s)\n", e.Path, e.Reason)
		}
		for _, e := range plan.Diff.ToDelete {
			fmt.Printf("  delete %s\n", e.Path)
		}
		return nil
	}
	return watch(eng, plan.Tasks)
}

// watch renders a progress bar until every task reaches a terminal state
func watch(eng *engine.Engine, tasks []*task.Task) error {
	if len(tasks) == 0 {
		fmt.Println("Nothing to transfer")
		return nil
	}

	var total int64
	for _, t := range tasks {
		total += t.Size()
	}
	bar := progressbar.DefaultBytes(total, "transferring")

	updates := eng.Subscribe()
	defer eng.Unsubscribe(updates)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-updates:
		case <-ticker.C:
		}

		var done int64
		allTerminal := true
		for _, t := range tasks {
			done += t.Transferred()
			// A failed task with a retry still pending is not final: the
			// backoff timer will requeue it.
			if !t.Status().Terminal() || eng.Queue().HasPendingRetry(t.ID()) {
				allTerminal = false
			}
		}
		_ = bar.Set64(done)

		if allTerminal {
			_ = bar.Finish()
			fmt.Println()
			return report(tasks)
		}
	}
}

// report prints the outcome and returns an error if any task failed
func report(tasks []*task.Task) error {
	var failed []string
	for _, t := range tasks {
		v := t.Snapshot()
		switch v.Status {
		case core.StatusCompleted:
			fmt.Printf("  done   %s\n", path.Base(v.RemotePath))
		case core.StatusCancelled:
			fmt.Printf("  cancel %s\n", path.Base(v.RemotePath))
		default:
			fmt.Printf("  failed %s: %s\n", path.Base(v.RemotePath), v.LastError)
			failed = append(failed, v.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d transfer(s) failed: %w", len(failed), core.ErrRetryExhausted)
	}
	return nil
}

func runHosts(cmd *cobra.Command, args []string) error {
	hostsPath, err := hosts.DefaultPath()
	if err != nil {
		return err
	}
	registry, err := hosts.Load(hostsPath)
	if err != nil {
		return err
	}
	all := registry.All()
	if len(all) == 0 {
		fmt.Println("No hosts configured. Add them to", hostsPath)
		return nil
	}
	for _, h := range all {
		fmt.Printf("%-20s %s@%s:%d\n", h.ID, h.User, h.Address, h.Port)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.New("")
	if err != nil {
		return err
	}
	if clear, _ := cmd.Flags().GetBool("clear"); clear {
		return store.Clear()
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No finished transfers")
		return nil
	}
	for _, r := range records {
		when := r.CreatedAt.Format("2006-01-02 15:04")
		fmt.Printf("%s  %-9s %-9s %s -> %s (%d bytes)\n",
			when, r.Status, r.Direction, r.LocalPath, r.RemotePath, r.Transferred)
		if r.Error != "" {
			fmt.Printf("%19s error: %s\n", "", r.Error)
		}
	}
	return nil
}
