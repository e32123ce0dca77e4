package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ifcscheduler/models"
	"ifcscheduler/services"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect conversion jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var filter services.JobFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.Status(status)
			return ctx.withApp(cmd.Context(), func(a *app) error {
				jobs, err := a.db.ListJobs(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderJobs(jobs))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.ProjectID, "project", "", "Project id")
	cmd.Flags().StringVar(&filter.ScheduleID, "schedule", "", "Schedule id")
	cmd.Flags().StringVar(&status, "status", "", "Job status (Created, Processing, Success, ...)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum jobs to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Jobs to skip")
	return cmd
}

func renderJobs(jobs []models.ConversionJob) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			j.ID,
			j.FileName,
			string(j.Status),
			j.SettingsName,
			j.JobCreated.Local().Format("2006-01-02 15:04"),
			formatDuration(j),
			j.CreatedBy,
		})
	}
	return renderTable(
		[]string{"ID", "File", "Status", "Settings", "Created", "Took", "By"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func formatDuration(j models.ConversionJob) string {
	if j.JobFinished == nil {
		return "-"
	}
	return j.JobFinished.Sub(j.JobCreated).Round(time.Second).String()
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its log and queue state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				job, err := a.db.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				queue, err := a.pool.TaskStatus(cmd.Context(), job.ID)
				if err != nil {
					a.logger.Warn("jobs.show.queue_unavailable", "error", err)
				}
				writeJob(cmd.OutOrStdout(), job, queue)
				return nil
			})
		},
	}
}

func writeJob(w io.Writer, job *models.ConversionJob, queue map[string]string) {
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"File", job.FileName},
		{"File URN", job.FileURN},
		{"Project", job.ProjectID},
		{"Folder", job.FolderURL},
		{"Settings", job.SettingsName},
		{"Composite design", strconv.FormatBool(job.IsCompositeDesign)},
		{"Input", job.InputStorageLocation},
		{"Output", job.OutputStorageLocation},
		{"Created", job.JobCreated.Format(time.RFC3339)},
		{"Took", formatDuration(*job)},
	}
	if len(queue) > 0 {
		rows = append(rows, []string{"Queue", fmt.Sprintf("%s %s (retry %s)", queue["task"], queue["status"], queue["retry"])})
		if msg := queue["error"]; msg != "" {
			rows = append(rows, []string{"Queue error", msg})
		}
	}
	fmt.Fprint(w, renderTable([]string{"Field", "Value"}, rows, nil))
	fmt.Fprintln(w)
	fmt.Fprintln(w, job.Notes)
}
