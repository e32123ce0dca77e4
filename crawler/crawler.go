// Package crawler discovers convertible files below a set of repository folders.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"ifcscheduler/auth"
	"ifcscheduler/logging"
	"ifcscheduler/models"
	"ifcscheduler/services"
)

// ConvertibleFileType is the only file kind collected by Crawl.
const ConvertibleFileType = "rvt"

var (
	reservedFolderPatterns = []string{
		"checklist_", "submittals-attachments", "Photos", "ProjectTb",
		"dailylog_", "issue_", "issues_", "COST Root Folder",
	}
	allowedFolderTypes = []string{"normal", "plan"}
)

type Lister interface {
	FolderContents(ctx context.Context, token, projectID, folderID string) (*services.FolderContents, error)
}

type TopFolderLister interface {
	TopFolders(ctx context.Context, token, hubID, projectID string) ([]services.TopFolder, error)
}

type Crawler struct {
	repo   Lister
	logger *slog.Logger
}

func New(repo Lister, logger *slog.Logger) *Crawler {
	return &Crawler{repo: repo, logger: logging.OrDefault(logger)}
}

// Crawl walks every folder reachable from seeds breadth first and returns the
// convertible files found, unique by item id. Each folder is listed at most
// once, and each listing resolves its own credential.
func (c *Crawler) Crawl(ctx context.Context, projectID string, seeds []string, creds auth.CredentialSource) ([]models.DiscoveredFile, error) {
	queue := slices.Clone(seeds)
	visited := make(map[string]struct{}, len(seeds))
	files := models.NewFileSet()

	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]
		if _, ok := visited[folderID]; ok {
			continue
		}
		visited[folderID] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token, err := creds.Token(ctx)
		if err != nil {
			return nil, err
		}
		contents, err := c.repo.FolderContents(ctx, token, projectID, folderID)
		if err != nil {
			return nil, fmt.Errorf("list folder %s: %w", folderID, err)
		}

		for _, sub := range contents.Folders {
			if _, ok := visited[sub.ID]; !ok {
				queue = append(queue, sub.ID)
			}
		}
		for _, f := range contents.Files {
			if f.FileType == ConvertibleFileType {
				files.Add(f)
			}
		}
	}

	c.logger.Info("crawler.crawl.completed", "project_id", projectID, "seeds", len(seeds), "folders", len(visited), "files", files.Len())
	return files.Files(), nil
}

// TopFolders lists the project root folders a user may pick as crawl seeds.
func TopFolders(ctx context.Context, repo TopFolderLister, creds auth.CredentialSource, hubID, projectID string) ([]models.DiscoveredFolder, error) {
	token, err := creds.Token(ctx)
	if err != nil {
		return nil, err
	}
	all, err := repo.TopFolders(ctx, token, hubID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list top folders: %w", err)
	}

	var out []models.DiscoveredFolder
	for _, f := range all {
		if f.Hidden || !IsValidTopFolder(f.Name) || !slices.Contains(allowedFolderTypes, f.FolderType) {
			continue
		}
		out = append(out, models.DiscoveredFolder{ID: f.ID, Name: f.Name, WebView: f.WebView})
	}
	return out, nil
}

// IsValidTopFolder rejects system folders and folders named by a bare GUID.
func IsValidTopFolder(name string) bool {
	for _, p := range reservedFolderPatterns {
		if strings.Contains(name, p) {
			return false
		}
	}
	_, err := uuid.Parse(name)
	return err != nil
}
