package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ifcscheduler/crawler"
)

func newFoldersCommand(ctx *commandContext) *cobra.Command {
	var hubID, projectID string

	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List the project folders that can seed a conversion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hubID == "" || projectID == "" {
				return errors.New("--hub and --project are required")
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				folders, err := crawler.TopFolders(cmd.Context(), a.dm, a.serviceCreds, hubID, projectID)
				if err != nil {
					return err
				}
				if len(folders) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No eligible folders")
					return nil
				}
				rows := make([][]string, 0, len(folders))
				for _, f := range folders {
					rows = append(rows, []string{f.Name, f.ID})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Name", "ID"}, rows, nil))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&hubID, "hub", "", "Hub (account) id")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	return cmd
}
