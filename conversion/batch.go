package conversion

import (
	"context"
	"fmt"
	"log/slog"

	"ifcscheduler/auth"
	"ifcscheduler/errs"
	"ifcscheduler/logging"
	"ifcscheduler/models"
)

// Crawler discovers convertible files below seed folders.
type Crawler interface {
	Crawl(ctx context.Context, projectID string, seeds []string, creds auth.CredentialSource) ([]models.DiscoveredFile, error)
}

// DelegatedSource hands out credentials acting on behalf of a user.
type DelegatedSource interface {
	Delegated(user *models.User) *auth.DelegatedCredentials
}

// Processor runs ad-hoc batches on behalf of users, choosing the trust mode
// from the user's role on the project.
type Processor struct {
	crawler    Crawler
	dispatcher *Dispatcher
	service    auth.CredentialSource
	delegated  func(user *models.User) auth.CredentialSource
	logger     *slog.Logger
}

func NewProcessor(crawler Crawler, dispatcher *Dispatcher, service auth.CredentialSource, delegated DelegatedSource, logger *slog.Logger) *Processor {
	p := &Processor{
		crawler:    crawler,
		dispatcher: dispatcher,
		service:    service,
		logger:     logging.OrDefault(logger),
	}
	if delegated != nil {
		p.delegated = func(u *models.User) auth.CredentialSource { return delegated.Delegated(u) }
	}
	return p
}

// ProcessBatch crawls the batch's folders and dispatches the result together
// with the explicitly listed files. Account admins crawl with the service
// credential, project admins with their own.
func (p *Processor) ProcessBatch(ctx context.Context, user *models.User, projectID string, batch models.Batch) ([]*models.ConversionJob, error) {
	creds, err := p.credentialsFor(user, projectID)
	if err != nil {
		return nil, err
	}

	account, ok := user.AccountForProject(projectID)
	if !ok {
		return nil, fmt.Errorf("project %s is not in any account of user %s: %w", projectID, user.ID, errs.ErrNotFound)
	}

	var discovered []models.DiscoveredFile
	if len(batch.FolderURNs) > 0 {
		discovered, err = p.crawler.Crawl(ctx, projectID, batch.FolderURNs, creds)
		if err != nil {
			return nil, fmt.Errorf("crawl project %s: %w", projectID, err)
		}
	}

	p.logger.Info("conversion.batch.started", "project_id", projectID, "user_id", user.ID, "discovered", len(discovered), "explicit", len(batch.Files))
	return p.dispatcher.Dispatch(ctx, DispatchRequest{
		Account:      account,
		ProjectID:    projectID,
		Discovered:   discovered,
		Explicit:     batch.Files,
		SettingsName: batch.SettingsName,
		CreatedBy:    user.Email,
	})
}

func (p *Processor) credentialsFor(user *models.User, projectID string) (auth.CredentialSource, error) {
	switch {
	case user.HasPermission(models.RoleApplicationAdmin, projectID),
		user.HasPermission(models.RoleAccountAdmin, projectID):
		return p.service, nil
	case user.HasPermission(models.RoleProjectAdmin, projectID) && p.delegated != nil:
		return p.delegated(user), nil
	}
	return nil, fmt.Errorf("user %s on project %s: %w", userID(user), projectID, errs.ErrNotAuthorized)
}

func userID(u *models.User) string {
	if u == nil {
		return "<anonymous>"
	}
	return u.ID
}
