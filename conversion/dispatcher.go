package conversion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ifcscheduler/logging"
	"ifcscheduler/models"
)

// DispatchRequest describes one dispatch over a project.
type DispatchRequest struct {
	Account      models.Account
	ProjectID    string
	Discovered   []models.DiscoveredFile
	Explicit     []models.DiscoveredFile
	SettingsName string
	CreatedBy    string
	ScheduleID   string
}

// Dispatcher turns file lists into conversion jobs. A file already converted
// successfully with the same settings gets an Unchanged job and no submission.
type Dispatcher struct {
	jobs        JobStore
	queue       TaskQueue
	concurrency int
	logger      *slog.Logger
	newID       func() string
	now         func() time.Time
}

func NewDispatcher(jobs JobStore, queue TaskQueue, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		jobs:        jobs,
		queue:       queue,
		concurrency: concurrency,
		logger:      logging.OrDefault(logger),
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// Dispatch creates one job per distinct item in Discovered and Explicit;
// explicit entries replace discovered ones for the same item. Files are
// independent and handled concurrently. The returned jobs are in merge order.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) ([]*models.ConversionJob, error) {
	set := models.NewFileSet()
	for _, f := range req.Discovered {
		set.Add(f)
	}
	for _, f := range req.Explicit {
		set.Put(f)
	}
	files := set.Files()

	jobs := make([]*models.ConversionJob, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, f := range files {
		g.Go(func() error {
			job, err := d.dispatchFile(gctx, req, f)
			if err != nil {
				return fmt.Errorf("dispatch %s: %w", f.Name, err)
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.logger.Info("conversion.dispatch.completed", "project_id", req.ProjectID, "files", len(files), "created_by", req.CreatedBy)
	return jobs, nil
}

func (d *Dispatcher) dispatchFile(ctx context.Context, req DispatchRequest, f models.DiscoveredFile) (*models.ConversionJob, error) {
	prior, err := d.jobs.FindSuccessfulJob(ctx, f.ID, req.SettingsName)
	if err != nil {
		return nil, err
	}

	job := &models.ConversionJob{
		ID:                d.newID(),
		HubID:             req.Account.HubID,
		ProjectID:         req.ProjectID,
		FolderID:          f.FolderID,
		SettingsName:      req.SettingsName,
		ScheduleID:        req.ScheduleID,
		FileURN:           f.ID,
		FileName:          f.Name,
		ItemID:            f.ItemID,
		Status:            models.StatusCreated,
		JobCreated:        d.now().UTC(),
		Region:            req.Account.Region,
		CreatedBy:         req.CreatedBy,
		IsCompositeDesign: f.IsCompositeDesign,
	}
	job.AddLog("Created Job")

	if prior != nil {
		job.AddLogf("File has already been created on %s", prior.JobCreated.UTC().Format(time.RFC3339))
		job.AddLog(prior.ID)
		job.Finish(models.StatusUnchanged)
	}

	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if prior != nil {
		d.logger.Info("conversion.dispatch.unchanged", "job_id", job.ID, "prior_job_id", prior.ID, "file", f.Name)
		return job, nil
	}

	if err := d.queue.Enqueue(ctx, models.Task{Kind: models.TaskBegin, JobID: job.ID}); err != nil {
		// No task exists for the job, so it cannot stay Created.
		job.AddLogf("Could not queue conversion: %v", err)
		job.Finish(models.StatusFailed)
		if uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
			d.logger.Error("conversion.job.persist_failed", "job_id", job.ID, "error", uerr)
		}
		d.logger.Error("conversion.dispatch.enqueue_failed", "job_id", job.ID, "file", f.Name, "error", err)
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	d.logger.Debug("conversion.dispatch.queued", "job_id", job.ID, "file", f.Name)
	return job, nil
}
