// Package scheduler fires recurring conversion schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ifcscheduler/auth"
	"ifcscheduler/conversion"
	"ifcscheduler/logging"
	"ifcscheduler/models"
)

type Store interface {
	ListSchedules(ctx context.Context) ([]models.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, start time.Time, fileCount int) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req conversion.DispatchRequest) ([]*models.ConversionJob, error)
}

// Runner registers every stored schedule with a cron engine. Each firing
// crawls the schedule's folders with the service credential and dispatches
// the result.
type Runner struct {
	store      Store
	crawler    conversion.Crawler
	dispatcher Dispatcher
	creds      auth.CredentialSource
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

func NewRunner(store Store, crawler conversion.Crawler, dispatcher Dispatcher, creds auth.CredentialSource, logger *slog.Logger) *Runner {
	logger = logging.OrDefault(logger)
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))

	return &Runner{
		store:      store,
		crawler:    crawler,
		dispatcher: dispatcher,
		creds:      creds,
		logger:     logger,
		now:        time.Now,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Spec renders the cron expression of s, pinned to its time zone when set.
func Spec(s models.Schedule) string {
	expr := strings.TrimSpace(s.Cron)
	if tz := strings.TrimSpace(s.TimeZoneID); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		return "CRON_TZ=" + tz + " " + expr
	}
	return expr
}

// Load replaces the registered schedules with those in the store. Schedules
// with an invalid expression are skipped and reported together.
func (r *Runner) Load(ctx context.Context) error {
	schedules, err := r.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.entries {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}

	var invalid []string
	for _, s := range schedules {
		entry, err := r.cron.AddFunc(Spec(s), func() {
			if err := r.RunSchedule(r.baseContext(), s); err != nil {
				r.logger.Error("scheduler.run.failed", "schedule_id", s.ID, "name", s.Name, "error", err)
			}
		})
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%q): %v", s.ID, s.Cron, err))
			continue
		}
		r.entries[s.ID] = entry
	}

	r.logger.Info("scheduler.load.completed", "schedules", len(r.entries), "invalid", len(invalid))
	if len(invalid) > 0 {
		return fmt.Errorf("invalid schedules: %s", strings.Join(invalid, "; "))
	}
	return nil
}

// Start runs the cron engine until ctx is done. The returned channel closes
// once the engine has stopped and every running firing has returned.
func (r *Runner) Start(ctx context.Context) <-chan struct{} {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	stopped := make(chan struct{})
	r.cron.Start()
	go func() {
		defer close(stopped)
		<-ctx.Done()
		<-r.cron.Stop().Done()
		r.logger.Info("scheduler.stopped")
	}()
	return stopped
}

// Next reports the next firing time of a registered schedule.
func (r *Runner) Next(scheduleID string) (time.Time, bool) {
	r.mu.Lock()
	entry, ok := r.entries[scheduleID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(entry).Schedule.Next(r.now()), true
}

// RunSchedule performs one firing of s and records it on the schedule.
func (r *Runner) RunSchedule(ctx context.Context, s models.Schedule) error {
	start := r.now().UTC()
	r.logger.Info("scheduler.run.started", "schedule_id", s.ID, "name", s.Name, "project_id", s.ProjectID)

	var discovered []models.DiscoveredFile
	if len(s.FolderURNs) > 0 {
		var err error
		discovered, err = r.crawler.Crawl(ctx, s.ProjectID, s.FolderURNs, r.creds)
		if err != nil {
			return fmt.Errorf("crawl schedule %s: %w", s.ID, err)
		}
	}

	jobs, err := r.dispatcher.Dispatch(ctx, conversion.DispatchRequest{
		Account:      models.Account{HubID: s.HubID, Region: s.Region},
		ProjectID:    s.ProjectID,
		Discovered:   discovered,
		Explicit:     s.Files,
		SettingsName: s.SettingsName,
		CreatedBy:    s.Name,
		ScheduleID:   s.ID,
	})
	if err != nil {
		return fmt.Errorf("dispatch schedule %s: %w", s.ID, err)
	}

	if err := r.store.UpdateScheduleRun(ctx, s.ID, start, len(jobs)); err != nil {
		return fmt.Errorf("record schedule run %s: %w", s.ID, err)
	}
	r.logger.Info("scheduler.run.completed", "schedule_id", s.ID, "jobs", len(jobs))
	return nil
}

func (r *Runner) baseContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}
