package conversion

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"ifcscheduler/auth"
	"ifcscheduler/errs"
	"ifcscheduler/models"
)

type tokenRecordingCrawler struct {
	tokens []string
	files  []models.DiscoveredFile
}

func (c *tokenRecordingCrawler) Crawl(ctx context.Context, _ string, _ []string, creds auth.CredentialSource) ([]models.DiscoveredFile, error) {
	token, err := creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	c.tokens = append(c.tokens, token)
	return c.files, nil
}

type delegatedFactory struct{}

func (delegatedFactory) Delegated(user *models.User) *auth.DelegatedCredentials {
	return auth.NewDelegatedCredentials(&oauth2.Config{}, nil, user)
}

func batchUser(role models.AccountRole) *models.User {
	return &models.User{
		ID:              "u1",
		Email:           "pm@example.com",
		Token:           "user-token",
		TokenExpiration: time.Now().Add(time.Hour),
		Accounts:        []models.Account{{HubID: "b.hub", Region: "US", ProjectIDs: []string{"b.p1"}}},
		Permissions:     []models.Permission{{Role: role, HubID: "b.hub", ProjectIDs: []string{"b.p1"}}},
	}
}

func TestProcessBatch_TrustModeFollowsRole(t *testing.T) {
	tests := []struct {
		role      models.AccountRole
		wantToken string
	}{
		{role: models.RoleAccountAdmin, wantToken: "svc-token"},
		{role: models.RoleApplicationAdmin, wantToken: "svc-token"},
		{role: models.RoleProjectAdmin, wantToken: "user-token"},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			store := newMemStore()
			queue := &fakeQueue{}
			cr := &tokenRecordingCrawler{files: []models.DiscoveredFile{rvt("I1", "x.rvt")}}
			p := NewProcessor(cr, newTestDispatcher(store, queue), staticCreds("svc-token"), delegatedFactory{}, nil)

			jobs, err := p.ProcessBatch(context.Background(), batchUser(tt.role), "b.p1", models.Batch{
				FolderURNs:   []string{"A"},
				Files:        []models.DiscoveredFile{rvt("I2", "y.rvt")},
				SettingsName: "default",
			})
			if err != nil {
				t.Fatalf("ProcessBatch failed: %v", err)
			}
			if len(cr.tokens) != 1 || cr.tokens[0] != tt.wantToken {
				t.Fatalf("expected crawl with %q, got %v", tt.wantToken, cr.tokens)
			}
			if len(jobs) != 2 || len(queue.tasks) != 2 {
				t.Fatalf("expected two queued jobs, got %d", len(jobs))
			}
			job := store.job(t, jobs[0].ID)
			if job.CreatedBy != "pm@example.com" || job.HubID != "b.hub" || job.Region != "US" {
				t.Fatalf("account not applied: %+v", job)
			}
		})
	}
}

func TestProcessBatch_RejectsUnauthorizedBeforeAnyWork(t *testing.T) {
	store := newMemStore()
	cr := &tokenRecordingCrawler{}
	p := NewProcessor(cr, newTestDispatcher(store, &fakeQueue{}), staticCreds("svc-token"), delegatedFactory{}, nil)

	user := batchUser(models.RoleProjectAdmin)
	user.Permissions[0].ProjectIDs = []string{"b.other"}
	user.Permissions[0].HubID = ""

	for _, u := range []*models.User{user, nil} {
		_, err := p.ProcessBatch(context.Background(), u, "b.p1", models.Batch{FolderURNs: []string{"A"}})
		if !errors.Is(err, errs.ErrNotAuthorized) {
			t.Fatalf("expected not authorized, got %v", err)
		}
	}
	if len(cr.tokens) != 0 || len(store.order) != 0 {
		t.Fatal("unauthorized batch must not crawl or create jobs")
	}
}

func TestProcessBatch_ExplicitFilesOnlySkipCrawl(t *testing.T) {
	store := newMemStore()
	cr := &tokenRecordingCrawler{}
	p := NewProcessor(cr, newTestDispatcher(store, &fakeQueue{}), staticCreds("svc-token"), nil, nil)

	jobs, err := p.ProcessBatch(context.Background(), batchUser(models.RoleAccountAdmin), "b.p1", models.Batch{
		Files: []models.DiscoveredFile{rvt("I1", "x.rvt")},
	})
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if len(cr.tokens) != 0 || len(jobs) != 1 {
		t.Fatalf("expected no crawl and one job, got %d crawls and %d jobs", len(cr.tokens), len(jobs))
	}
}
