// Package conversion drives conversion jobs from dispatch through submission,
// polling and finalization.
package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"ifcscheduler/auth"
	"ifcscheduler/config"
	"ifcscheduler/errs"
	"ifcscheduler/logging"
	"ifcscheduler/models"
	"ifcscheduler/mover"
	"ifcscheduler/services"
)

type JobStore interface {
	CreateJob(ctx context.Context, job *models.ConversionJob) error
	GetJob(ctx context.Context, id string) (*models.ConversionJob, error)
	UpdateJob(ctx context.Context, job *models.ConversionJob) error
	FindSuccessfulJob(ctx context.Context, fileURN, settingsName string) (*models.ConversionJob, error)
}

// Repository is the subset of the document repository the orchestrator writes to.
type Repository interface {
	ParentFolder(ctx context.Context, token, projectID, itemID string) (models.DiscoveredFolder, error)
	ItemTipStorage(ctx context.Context, token, projectID, itemID string) (string, error)
	CreateStorage(ctx context.Context, token, projectID, folderID, name string) (string, error)
	FindItemByName(ctx context.Context, token, projectID, folderID, name string) (string, error)
	CreateItem(ctx context.Context, token, projectID, folderID, objectID, name string) (string, error)
	CreateVersion(ctx context.Context, token, projectID, itemID, objectID, name string) (string, error)
}

type Translator interface {
	StartJob(ctx context.Context, token string, req services.TranslationRequest) (bool, error)
	JobPayload(req services.TranslationRequest) string
	GetManifest(ctx context.Context, token, encodedURN, region string) (*services.Manifest, error)
	DerivativeDownload(ctx context.Context, token, encodedURN, derivativeURN, region string) (*services.SignedDownload, error)
}

// ObjectSources turns storage object ids into transfer sources.
type ObjectSources interface {
	Object(objectID string) *services.StoredObject
}

type Mover interface {
	Move(ctx context.Context, src mover.Source, bucket, objectName, token string, opts ...mover.Option) (string, error)
}

// TaskQueue hands work to the background execution layer.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.Task) error
	ScheduleIn(ctx context.Context, task models.Task, delay time.Duration) error
}

type Notifier interface {
	JobCompleted(ctx context.Context, job *models.ConversionJob) error
}

type Options struct {
	BucketKey            string
	IncludeShallowCopies bool
	// DeepCopyMaxAttempts bounds shallow-copy remediation per Begin; <=0 is unlimited.
	DeepCopyMaxAttempts int
	PollInterval        time.Duration
	// PollMaxAttempts ends polling with TimeOut once reached; 0 is unlimited.
	PollMaxAttempts int
	OutputSuffix    string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BucketKey:            cfg.BucketKey,
		IncludeShallowCopies: cfg.IncludeShallowCopies,
		DeepCopyMaxAttempts:  cfg.DeepCopyMaxAttempts,
		PollInterval:         cfg.PollInterval,
		PollMaxAttempts:      cfg.PollMaxAttempts,
		OutputSuffix:         cfg.OutputSuffix,
	}
}

// Deps are the collaborators of an Orchestrator. Notifier may be nil.
type Deps struct {
	Jobs        JobStore
	Repository  Repository
	Translator  Translator
	Objects     ObjectSources
	Mover       Mover
	Queue       TaskQueue
	Notifier    Notifier
	Credentials auth.CredentialSource
	Logger      *slog.Logger
}

// Orchestrator owns the job state machine. Every call acts on one job, and
// the execution layer guarantees a job is never handled by two calls at once.
type Orchestrator struct {
	jobs       JobStore
	repo       Repository
	translator Translator
	objects    ObjectSources
	mover      Mover
	queue      TaskQueue
	notifier   Notifier
	creds      auth.CredentialSource
	opts       Options
	logger     *slog.Logger
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &Orchestrator{
		jobs:       d.Jobs,
		repo:       d.Repository,
		translator: d.Translator,
		objects:    d.Objects,
		mover:      d.Mover,
		queue:      d.Queue,
		notifier:   d.Notifier,
		creds:      d.Credentials,
		opts:       opts,
		logger:     logging.OrDefault(d.Logger),
	}
}

// Begin submits a Created job to the conversion service. Jobs in any other
// status are left alone, so redelivered tasks are harmless.
func (o *Orchestrator) Begin(ctx context.Context, jobID string) error {
	return o.begin(ctx, jobID, false)
}

// BeginTask runs a begin task. A retried task that finds its job already
// Processing failed after submission, before the first poll was stored, so
// the poll chain is started again instead of skipping the job.
func (o *Orchestrator) BeginTask(ctx context.Context, task models.Task) error {
	return o.begin(ctx, task.JobID, task.RetryCount > 0)
}

func (o *Orchestrator) begin(ctx context.Context, jobID string, retried bool) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == models.StatusProcessing && retried {
		o.logger.Info("conversion.begin.resume_poll", "job_id", job.ID)
		return o.schedulePoll(ctx, job)
	}
	if job.Status != models.StatusCreated {
		o.logger.Info("conversion.begin.skipped", "job_id", job.ID, "status", job.Status)
		return nil
	}

	deepCopies := 0
	for {
		token, err := o.creds.Token(ctx)
		if err != nil {
			return o.submitFailed(ctx, job, err)
		}
		if err := o.resolveFolder(ctx, job, token); err != nil {
			return o.submitFailed(ctx, job, err)
		}
		if job.IsCompositeDesign && job.InputStorageLocation == "" {
			if err := o.stage(ctx, job, token); err != nil {
				return o.submitFailed(ctx, job, err)
			}
		}

		req := o.translationRequest(job)
		job.AddLog("Input JSON:")
		job.AddLog(o.translator.JobPayload(req))
		if err := o.persist(ctx, job); err != nil {
			return err
		}

		alreadyCreated, err := o.translator.StartJob(ctx, token, req)
		switch {
		case err == nil && alreadyCreated:
			job.AddLog("This file has not changed since the last conversion to IFC.")
			job.Finish(models.StatusUnchanged)
			o.logger.Info("conversion.submit.unchanged", "job_id", job.ID)
			return o.persist(ctx, job)

		case err == nil:
			job.Status = models.StatusProcessing
			if err := o.persist(ctx, job); err != nil {
				return err
			}
			o.logger.Info("conversion.submit.accepted", "job_id", job.ID, "urn", req.URN)
			return o.schedulePoll(ctx, job)

		case errors.Is(err, errs.ErrShallowCopy):
			job.AddLog("This URN is from a shallow copy, not acceptable for any other modification.")
			if !o.opts.IncludeShallowCopies || (o.opts.DeepCopyMaxAttempts > 0 && deepCopies >= o.opts.DeepCopyMaxAttempts) {
				job.Finish(models.StatusShallowCopy)
				o.logger.Info("conversion.submit.shallow_copy", "job_id", job.ID, "deep_copies", deepCopies)
				return o.persist(ctx, job)
			}
			job.AddLog("Creating Deep Copy of file in OSS")
			if err := o.stage(ctx, job, token); err != nil {
				return o.submitFailed(ctx, job, err)
			}
			deepCopies++

		default:
			return o.submitFailed(ctx, job, err)
		}
	}
}

// Poll checks the manifest of a Processing job once and either schedules the
// next check or moves the job on.
func (o *Orchestrator) Poll(ctx context.Context, task models.Task) error {
	job, err := o.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job.Status != models.StatusProcessing {
		o.logger.Info("conversion.poll.skipped", "job_id", job.ID, "status", job.Status)
		return nil
	}

	token, err := o.creds.Token(ctx)
	if err != nil {
		return err
	}
	manifest, err := o.translator.GetManifest(ctx, token, job.EncodedStorageURN(), job.Region)
	if err != nil {
		job.AddLogf("IFC Derivative not available: %v", err)
		if perr := o.persist(ctx, job); perr != nil {
			o.logger.Error("conversion.poll.persist_failed", "job_id", job.ID, "error", perr)
		}
		return err
	}

	o.logger.Debug("conversion.poll.manifest", "job_id", job.ID, "status", manifest.Status, "progress", manifest.Progress, "attempt", task.Attempt)

	switch manifest.Status {
	case services.ManifestPending, services.ManifestInProgress, services.ManifestProcessing:
		job.AddLogf("Processing Model Derivative: %s", manifest.Progress)
		if o.opts.PollMaxAttempts > 0 && task.Attempt >= o.opts.PollMaxAttempts {
			job.AddLogf("Gave up waiting for the derivative after %d checks", task.Attempt)
			job.Finish(models.StatusTimeOut)
			return o.persist(ctx, job)
		}
		if err := o.persist(ctx, job); err != nil {
			return err
		}
		next := models.Task{Kind: models.TaskPoll, JobID: job.ID, Attempt: task.Attempt + 1}
		return o.queue.ScheduleIn(ctx, next, o.opts.PollInterval)

	case services.ManifestSuccess:
		return o.Finalize(ctx, job, manifest)

	case services.ManifestFailed:
		job.AddLog("Conversion Failed")
		job.Finish(models.StatusFailed)
		o.logger.Warn("conversion.poll.failed", "job_id", job.ID, "error", errs.ErrExhausted)
		return o.persist(ctx, job)

	case services.ManifestTimeout:
		job.AddLog("Conversion Timed Out")
		job.Finish(models.StatusTimeOut)
		o.logger.Warn("conversion.poll.timeout", "job_id", job.ID, "error", errs.ErrExhausted)
		return o.persist(ctx, job)

	default:
		raw, _ := json.Marshal(manifest)
		job.AddLog(string(raw))
		o.logger.Warn("conversion.poll.unknown_status", "job_id", job.ID, "status", manifest.Status)
		return o.persist(ctx, job)
	}
}

// Finalize copies the finished derivative into the job's destination folder
// as a new item or a new version of the item with the same name.
func (o *Orchestrator) Finalize(ctx context.Context, job *models.ConversionJob, manifest *services.Manifest) error {
	job.AddLog("Received Conversion Job")

	job.DerivativeURN = manifest.DerivativeURN(services.OutputTypeIFC)
	if job.DerivativeURN == "" {
		if err := manifest.UnsupportedInput(services.OutputTypeIFC); err != nil {
			return o.finalizeFailed(ctx, job, err)
		}
		job.AddLog("IFC derivative Not Generated")
		job.Finish(models.StatusFailed)
		return o.persist(ctx, job)
	}
	job.AddLogf("Added Derivative URN from Manifest: %s", job.DerivativeURN)
	if err := o.persist(ctx, job); err != nil {
		return err
	}

	if err := o.finalize(ctx, job); err != nil {
		return o.finalizeFailed(ctx, job, err)
	}

	job.AddLog("Conversion Succeeded")
	job.Finish(models.StatusSuccess)
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	o.logger.Info("conversion.finalize.completed", "job_id", job.ID, "output", job.OutputStorageLocation)

	if o.notifier != nil {
		if err := o.notifier.JobCompleted(ctx, job); err != nil {
			o.logger.Warn("conversion.notify.failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, job *models.ConversionJob) error {
	token, err := o.creds.Token(ctx)
	if err != nil {
		return err
	}
	if err := o.resolveFolder(ctx, job, token); err != nil {
		return err
	}

	name := OutputName(job.FileName, o.opts.OutputSuffix)

	job.AddLog("Creating Storage Location ...")
	objectID, err := o.repo.CreateStorage(ctx, token, job.ProjectID, job.FolderID, name)
	if err != nil {
		return err
	}
	job.AddLogf("Created Storage Location: %s", objectID)
	bucket, key, err := services.ParseObjectID(objectID)
	if err != nil {
		return err
	}

	job.AddLog("Creating Object in Storage Location ...")
	download, err := o.translator.DerivativeDownload(ctx, token, job.EncodedStorageURN(), job.DerivativeURN, job.Region)
	if err != nil {
		return err
	}
	stored, err := o.mover.Move(ctx, download, bucket, key, token, mover.ArchiveAs(path.Join(job.ProjectID, job.ID, name)))
	if err != nil {
		return err
	}
	job.OutputStorageLocation = stored
	job.AddLogf("Created Object in Storage Location: %s", stored)
	if err := o.persist(ctx, job); err != nil {
		return err
	}

	existing, err := o.repo.FindItemByName(ctx, token, job.ProjectID, job.FolderID, name)
	if err != nil {
		return err
	}
	if existing == "" {
		job.AddLog("Creating First Version of File ...")
		if _, err := o.repo.CreateItem(ctx, token, job.ProjectID, job.FolderID, objectID, name); err != nil {
			return err
		}
		job.AddLog("Created First Version of File")
		return nil
	}

	job.AddLog("Found an existing file with same name. Creating Next Version of File ...")
	if _, err := o.repo.CreateVersion(ctx, token, job.ProjectID, existing, objectID, name); err != nil {
		return err
	}
	job.AddLog("Created Next Version of File")
	return nil
}

// Abandon fails a job whose background task ran out of retries.
func (o *Orchestrator) Abandon(ctx context.Context, task models.Task, cause error) error {
	job, err := o.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}
	job.AddLogf("Giving up after %d attempts: %v", task.RetryCount+1, cause)
	job.Finish(models.StatusFailed)
	o.logger.Warn("conversion.job.abandoned", "job_id", job.ID, "task", task.Kind, "error", cause)
	return o.persist(ctx, job)
}

func (o *Orchestrator) translationRequest(job *models.ConversionJob) services.TranslationRequest {
	return services.TranslationRequest{
		URN:          job.EncodedStorageURN(),
		Compressed:   job.IsCompositeDesign,
		RootFilename: job.FileName,
		SettingsName: job.SettingsName,
		Region:       job.Region,
	}
}

// resolveFolder fills in the destination folder from the source item's
// parent the first time it is needed.
func (o *Orchestrator) resolveFolder(ctx context.Context, job *models.ConversionJob, token string) error {
	if job.FolderID != "" && job.FolderURL != "" {
		return nil
	}

	parent, err := o.repo.ParentFolder(ctx, token, job.ProjectID, job.ItemID)
	if err != nil {
		return fmt.Errorf("resolve folder: %w", err)
	}
	if job.FolderID == "" {
		job.FolderID = parent.ID
		job.AddLogf("Added Folder ID: %s", job.FolderID)
	}
	if job.FolderURL == "" {
		job.FolderURL = parent.WebView
		job.AddLogf("Added Folder Url: %s", job.FolderURL)
	}
	return o.persist(ctx, job)
}

// stage copies the source item's current binary into the working bucket and
// records it as the job's input.
func (o *Orchestrator) stage(ctx context.Context, job *models.ConversionJob, token string) error {
	job.AddLog("Moving file to OSS")

	storage, err := o.repo.ItemTipStorage(ctx, token, job.ProjectID, job.ItemID)
	if err != nil {
		return fmt.Errorf("stage input: %w", err)
	}
	objectID, err := o.mover.Move(ctx, o.objects.Object(storage), o.opts.BucketKey, job.StagingObjectName(), token)
	if err != nil {
		job.AddLogf("FAILED to move file to OSS: %v", err)
		return fmt.Errorf("stage input: %w", err)
	}

	job.InputStorageLocation = objectID
	job.AddLogf("Moved file to OSS: %s", objectID)
	return o.persist(ctx, job)
}

// schedulePoll queues the first poll of a Processing job. A failure is noted
// on the job and returned so the begin task is retried.
func (o *Orchestrator) schedulePoll(ctx context.Context, job *models.ConversionJob) error {
	if err := o.queue.Enqueue(ctx, models.Task{Kind: models.TaskPoll, JobID: job.ID, Attempt: 1}); err != nil {
		job.AddLogf("Could not schedule status check: %v", err)
		o.logger.Error("conversion.poll.schedule_failed", "job_id", job.ID, "error", err)
		if perr := o.persist(ctx, job); perr != nil {
			o.logger.Error("conversion.job.persist_failed", "job_id", job.ID, "error", perr)
		}
		return fmt.Errorf("schedule poll for job %s: %w", job.ID, err)
	}
	return nil
}

// submitFailed records a submission error. Transient errors leave the job in
// Created so the execution layer can retry it.
func (o *Orchestrator) submitFailed(ctx context.Context, job *models.ConversionJob, cause error) error {
	job.AddLogf("Conversion Failed: %v", cause)
	if !transient(cause) {
		job.Finish(models.StatusFailed)
	}
	o.logger.Error("conversion.submit.failed", "job_id", job.ID, "status", job.Status, "error", cause)
	if err := o.persist(ctx, job); err != nil {
		o.logger.Error("conversion.job.persist_failed", "job_id", job.ID, "error", err)
	}
	return cause
}

// finalizeFailed records a finalize error. Unsupported inputs fail the job
// quietly; anything else is returned with the job left as it was.
func (o *Orchestrator) finalizeFailed(ctx context.Context, job *models.ConversionJob, cause error) error {
	if errors.Is(cause, errs.ErrUnsupportedInput) {
		job.AddLogf("Conversion Error (Revit Version Not Supported): %v", cause)
		job.Finish(models.StatusFailed)
		o.logger.Warn("conversion.finalize.unsupported", "job_id", job.ID, "error", cause)
		return o.persist(ctx, job)
	}

	job.AddLogf("Conversion Error: %v", cause)
	o.logger.Error("conversion.finalize.failed", "job_id", job.ID, "error", cause)
	if err := o.persist(ctx, job); err != nil {
		o.logger.Error("conversion.job.persist_failed", "job_id", job.ID, "error", err)
	}
	return cause
}

// persist saves job even when ctx has been cancelled, so failure notes are
// not lost on shutdown.
func (o *Orchestrator) persist(ctx context.Context, job *models.ConversionJob) error {
	if err := o.jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// transient reports submission errors that leave a job Created rather than
// Failed. Any other error fails the job at once; a transient one fails it
// only when the execution layer gives up (see Abandon).
func transient(err error) bool {
	return errors.Is(err, errs.ErrAuthFailure) ||
		errors.Is(err, errs.ErrRemoteUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// OutputName is the converted file name: the source name without its final
// extension, then suffix, then ".ifc".
func OutputName(fileName, suffix string) string {
	base := fileName
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base + suffix + ".ifc"
}
