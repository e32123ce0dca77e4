package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ifcscheduler/conversion"
	"ifcscheduler/models"
)

type convertOptions struct {
	projectID string
	folders   []string
	settings  string
	userID    string
	hubID     string
	region    string
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var opts convertOptions

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Crawl folders and queue their Revit files for IFC conversion",
		Long: "Crawls the given folders and queues one conversion job per file.\n" +
			"With --user the batch runs on behalf of that user and is subject to\n" +
			"their permissions; otherwise the service credential is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.projectID == "" {
				return errors.New("--project is required")
			}
			if len(opts.folders) == 0 {
				return errors.New("at least one --folder is required")
			}
			if opts.settings == "" {
				return errors.New("--settings is required")
			}
			return ctx.withApp(cmd.Context(), func(a *app) error {
				jobs, err := runConvert(cmd, a, opts)
				if err != nil {
					return err
				}
				writeQueued(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.projectID, "project", "", "Project id")
	cmd.Flags().StringSliceVar(&opts.folders, "folder", nil, "Folder urn to crawl (repeatable)")
	cmd.Flags().StringVar(&opts.settings, "settings", "", "IFC export settings set name")
	cmd.Flags().StringVar(&opts.userID, "user", "", "Run the batch on behalf of this stored user")
	cmd.Flags().StringVar(&opts.hubID, "hub", "", "Hub id (service mode)")
	cmd.Flags().StringVar(&opts.region, "region", "US", "Hub region (service mode)")
	return cmd
}

func runConvert(cmd *cobra.Command, a *app, opts convertOptions) ([]*models.ConversionJob, error) {
	batch := models.Batch{FolderURNs: opts.folders, SettingsName: opts.settings}

	if opts.userID != "" {
		user, err := a.db.GetUser(cmd.Context(), opts.userID)
		if err != nil {
			return nil, err
		}
		return a.batches.ProcessBatch(cmd.Context(), user, opts.projectID, batch)
	}

	if opts.hubID == "" {
		return nil, errors.New("--hub is required without --user")
	}
	files, err := a.crawler.Crawl(cmd.Context(), opts.projectID, batch.FolderURNs, a.serviceCreds)
	if err != nil {
		return nil, err
	}
	return a.dispatch.Dispatch(cmd.Context(), conversion.DispatchRequest{
		Account:      models.Account{HubID: opts.hubID, Region: opts.region, ProjectIDs: []string{opts.projectID}},
		ProjectID:    opts.projectID,
		Discovered:   files,
		SettingsName: batch.SettingsName,
		CreatedBy:    "cli",
	})
}

func writeQueued(w io.Writer, jobs []*models.ConversionJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No convertible files found")
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{j.ID, j.FileName, string(j.Status)})
	}
	fmt.Fprint(w, renderTable([]string{"ID", "File", "Status"}, rows, nil))
}
