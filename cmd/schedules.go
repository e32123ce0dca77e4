package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"ifcscheduler/models"
	"ifcscheduler/scheduler"
)

func newSchedulesCommand(ctx *commandContext) *cobra.Command {
	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring conversion schedules",
	}
	schedulesCmd.AddCommand(newSchedulesAddCommand(ctx))
	schedulesCmd.AddCommand(newSchedulesListCommand(ctx))
	return schedulesCmd
}

func newSchedulesAddCommand(ctx *commandContext) *cobra.Command {
	var s models.Schedule

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.Name = args[0]
			if s.HubID == "" || s.ProjectID == "" || s.Cron == "" || s.SettingsName == "" {
				return errors.New("--hub, --project, --cron and --settings are required")
			}
			if len(s.FolderURNs) == 0 {
				return errors.New("at least one --folder is required")
			}
			if _, err := cron.ParseStandard(scheduler.Spec(s)); err != nil {
				return fmt.Errorf("invalid cron expression %q: %w", s.Cron, err)
			}
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			if s.CreatedBy == "" {
				s.CreatedBy = "cli"
			}
			s.EditedBy = s.CreatedBy

			return ctx.withApp(cmd.Context(), func(a *app) error {
				if err := a.db.SaveSchedule(cmd.Context(), &s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved schedule %s (%s)\n", s.Name, s.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&s.ID, "id", "", "Schedule id to replace (new when empty)")
	cmd.Flags().StringVar(&s.HubID, "hub", "", "Hub id")
	cmd.Flags().StringVar(&s.Region, "region", "US", "Hub region")
	cmd.Flags().StringVar(&s.ProjectID, "project", "", "Project id")
	cmd.Flags().StringVar(&s.Cron, "cron", "", "Cron expression")
	cmd.Flags().StringVar(&s.TimeZoneID, "timezone", "", "IANA time zone the expression is evaluated in")
	cmd.Flags().StringVar(&s.SettingsName, "settings", "", "IFC export settings set name")
	cmd.Flags().StringSliceVar(&s.FolderURNs, "folder", nil, "Folder urn to crawl (repeatable)")
	cmd.Flags().StringVar(&s.CreatedBy, "by", "", "Author recorded on the schedule")
	return cmd
}

func newSchedulesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules with their next firing time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				schedules, err := a.db.ListSchedules(cmd.Context())
				if err != nil {
					return err
				}
				if len(schedules) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No schedules")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderSchedules(schedules, time.Now()))
				return nil
			})
		},
	}
}

func renderSchedules(schedules []models.Schedule, now time.Time) string {
	rows := make([][]string, 0, len(schedules))
	for _, s := range schedules {
		next := "invalid"
		if sched, err := cron.ParseStandard(scheduler.Spec(s)); err == nil {
			next = sched.Next(now).Format("2006-01-02 15:04 MST")
		}
		last := "never"
		if s.LastStart != nil {
			last = fmt.Sprintf("%s (%d files)", s.LastStart.Local().Format("2006-01-02 15:04"), s.LastFileCount)
		}
		rows = append(rows, []string{s.Name, s.ProjectID, scheduler.Spec(s), s.SettingsName, next, last})
	}
	return renderTable(
		[]string{"Name", "Project", "Cron", "Settings", "Next", "Last run"},
		rows,
		nil,
	)
}
