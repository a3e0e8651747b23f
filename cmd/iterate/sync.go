package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/HendryAvila/iterate/internal/memory"
)

func newSyncCmd(c *cli) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "sync [project_path]",
		Short: "Commit and push the knowledge base now",
		Long: "Stage every change in the knowledge base, commit it and push. The knowledge " +
			"base is looked up in the project first and then in the home directory.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := memory.GitAvailable(); err != nil {
				return err
			}
			project := "."
			if len(args) == 1 {
				project = args[0]
			}
			project, err := filepath.Abs(project)
			if err != nil {
				return err
			}
			home, _ := os.UserHomeDir()
			dir, err := memory.FindKnowledgeDir(project, home)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			syncer := memory.NewSyncer(memory.ExecGit{}, c.settings.SyncDebounce(), c.logger.Named("sync"))
			defer syncer.Close()
			if message == "" {
				message = "sync knowledge " + time.Now().Format("2006-01-02 15:04")
			}
			if err := syncer.SyncAll(ctx, dir, message); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}
