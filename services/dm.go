package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ifcscheduler/models"
)

const (
	itemExtensionType    = "items:autodesk.bim360:File"
	versionExtensionType = "versions:autodesk.bim360:File"
)

// TopFolder is a project root folder as returned by the hub listing.
type TopFolder struct {
	ID         string
	Name       string
	Hidden     bool
	FolderType string
	WebView    string
}

// FolderContents is one folder listing with all pages merged.
type FolderContents struct {
	Folders []models.DiscoveredFolder
	Files   []models.DiscoveredFile
}

type folderResource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Hidden      bool   `json:"hidden"`
		Extension   struct {
			Type string `json:"type"`
			Data struct {
				FolderType string `json:"folderType"`
			} `json:"data"`
		} `json:"extension"`
	} `json:"attributes"`
	Links struct {
		WebView link `json:"webView"`
	} `json:"links"`
}

type versionResource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		FileType    string `json:"fileType"`
		Extension   struct {
			Data struct {
				IsCompositeDesign *bool `json:"isCompositeDesign"`
			} `json:"data"`
		} `json:"extension"`
	} `json:"attributes"`
	Relationships struct {
		Item struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"item"`
		Storage struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"storage"`
	} `json:"relationships"`
	Links struct {
		WebView link `json:"webView"`
	} `json:"links"`
}

type contentsPage struct {
	Data     []folderResource  `json:"data"`
	Included []versionResource `json:"included"`
	Links    struct {
		Next *link `json:"next"`
	} `json:"links"`
}

type resourceID struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// DataManagementClient talks to the document repository (APS Data Management).
type DataManagementClient struct {
	api apsClient
}

func NewDataManagementClient(baseURL string, client *http.Client) *DataManagementClient {
	return &DataManagementClient{api: newAPSClient(baseURL, client)}
}

// TopFolders lists the root folders of a project without any filtering.
func (c *DataManagementClient) TopFolders(ctx context.Context, token, hubID, projectID string) ([]TopFolder, error) {
	var page struct {
		Data []folderResource `json:"data"`
	}
	_, err := c.api.do(ctx, request{
		op:     "list top folders",
		method: http.MethodGet,
		url:    fmt.Sprintf("/project/v1/hubs/%s/projects/%s/topFolders", url.PathEscape(hubID), url.PathEscape(projectID)),
		token:  token,
	}, &page)
	if err != nil {
		return nil, err
	}

	folders := make([]TopFolder, 0, len(page.Data))
	for _, f := range page.Data {
		name := f.Attributes.Name
		if name == "" {
			name = f.Attributes.DisplayName
		}
		folders = append(folders, TopFolder{
			ID:         f.ID,
			Name:       name,
			Hidden:     f.Attributes.Hidden,
			FolderType: f.Attributes.Extension.Data.FolderType,
			WebView:    f.Links.WebView.Href,
		})
	}
	return folders, nil
}

// FolderContents lists a folder, following next links until none remain.
// Every file kind is returned; callers filter.
func (c *DataManagementClient) FolderContents(ctx context.Context, token, projectID, folderID string) (*FolderContents, error) {
	out := &FolderContents{}
	next := fmt.Sprintf("/data/v1/projects/%s/folders/%s/contents", url.PathEscape(projectID), url.PathEscape(folderID))

	for next != "" {
		var page contentsPage
		if _, err := c.api.do(ctx, request{
			op:     "list folder contents",
			method: http.MethodGet,
			url:    next,
			token:  token,
		}, &page); err != nil {
			return nil, err
		}

		for _, entry := range page.Data {
			if entry.Type != "folders" {
				continue
			}
			out.Folders = append(out.Folders, models.DiscoveredFolder{
				ID:      entry.ID,
				Name:    entry.Attributes.Name,
				WebView: entry.Links.WebView.Href,
			})
		}
		for _, v := range page.Included {
			if v.Type != "versions" {
				continue
			}
			out.Files = append(out.Files, discoveredFile(v, folderID))
		}

		next = ""
		if page.Links.Next != nil {
			next = page.Links.Next.Href
		}
	}
	return out, nil
}

func discoveredFile(v versionResource, folderID string) models.DiscoveredFile {
	name := v.Attributes.Name
	if name == "" {
		name = v.Attributes.DisplayName
	}
	composite := v.Attributes.Extension.Data.IsCompositeDesign
	return models.DiscoveredFile{
		ID:                v.ID,
		Name:              name,
		ItemID:            v.Relationships.Item.Data.ID,
		FileType:          v.Attributes.FileType,
		FolderID:          folderID,
		IsCompositeDesign: composite != nil && *composite,
		WebView:           v.Links.WebView.Href,
	}
}

// ItemTipStorage returns the storage object id of an item's current version.
func (c *DataManagementClient) ItemTipStorage(ctx context.Context, token, projectID, itemID string) (string, error) {
	var tip struct {
		Data versionResource `json:"data"`
	}
	_, err := c.api.do(ctx, request{
		op:     "get item tip",
		method: http.MethodGet,
		url:    fmt.Sprintf("/data/v1/projects/%s/items/%s/tip", url.PathEscape(projectID), url.PathEscape(itemID)),
		token:  token,
	}, &tip)
	if err != nil {
		return "", err
	}

	storage := tip.Data.Relationships.Storage.Data.ID
	if storage == "" {
		return "", fmt.Errorf("item %s tip has no storage location", itemID)
	}
	return storage, nil
}

// ParentFolder resolves the folder containing an item. The returned WebView
// is URL-decoded.
func (c *DataManagementClient) ParentFolder(ctx context.Context, token, projectID, itemID string) (models.DiscoveredFolder, error) {
	var parent struct {
		Data folderResource `json:"data"`
	}
	_, err := c.api.do(ctx, request{
		op:     "get item parent",
		method: http.MethodGet,
		url:    fmt.Sprintf("/data/v1/projects/%s/items/%s/parent", url.PathEscape(projectID), url.PathEscape(itemID)),
		token:  token,
	}, &parent)
	if err != nil {
		return models.DiscoveredFolder{}, err
	}

	webView := parent.Data.Links.WebView.Href
	if decoded, err := url.QueryUnescape(webView); err == nil {
		webView = decoded
	}
	return models.DiscoveredFolder{ID: parent.Data.ID, Name: parent.Data.Attributes.Name, WebView: webView}, nil
}

// CreateStorage allocates a storage object for name inside folderID and
// returns its object id.
func (c *DataManagementClient) CreateStorage(ctx context.Context, token, projectID, folderID, name string) (string, error) {
	body := map[string]any{
		"jsonapi": map[string]string{"version": "1.0"},
		"data": map[string]any{
			"type":       "objects",
			"attributes": map[string]string{"name": name},
			"relationships": map[string]any{
				"target": map[string]any{"data": map[string]string{"type": "folders", "id": folderID}},
			},
		},
	}

	var created resourceID
	_, err := c.api.do(ctx, request{
		op:          "create storage",
		method:      http.MethodPost,
		url:         fmt.Sprintf("/data/v1/projects/%s/storage", url.PathEscape(projectID)),
		token:       token,
		body:        body,
		contentType: jsonAPIContentType,
	}, &created)
	if err != nil {
		return "", err
	}
	if created.Data.ID == "" {
		return "", fmt.Errorf("create storage: empty object id")
	}
	return created.Data.ID, nil
}

// FindItemByName returns the id of the item in folderID whose current
// version is named name, or "" when none exists.
func (c *DataManagementClient) FindItemByName(ctx context.Context, token, projectID, folderID, name string) (string, error) {
	contents, err := c.FolderContents(ctx, token, projectID, folderID)
	if err != nil {
		return "", err
	}
	for _, f := range contents.Files {
		if f.Name == name {
			return f.ItemID, nil
		}
	}
	return "", nil
}

// CreateItem creates a new item whose first version points at objectID.
func (c *DataManagementClient) CreateItem(ctx context.Context, token, projectID, folderID, objectID, name string) (string, error) {
	body := map[string]any{
		"jsonapi": map[string]string{"version": "1.0"},
		"data": map[string]any{
			"type": "items",
			"attributes": map[string]any{
				"displayName": name,
				"extension":   map[string]string{"type": itemExtensionType, "version": "1.0"},
			},
			"relationships": map[string]any{
				"tip":    map[string]any{"data": map[string]string{"type": "versions", "id": "1"}},
				"parent": map[string]any{"data": map[string]string{"type": "folders", "id": folderID}},
			},
		},
		"included": []any{
			map[string]any{
				"type": "versions",
				"id":   "1",
				"attributes": map[string]any{
					"name":      name,
					"extension": map[string]string{"type": versionExtensionType, "version": "1.0"},
				},
				"relationships": map[string]any{
					"storage": map[string]any{"data": map[string]string{"type": "objects", "id": objectID}},
				},
			},
		},
	}

	var created resourceID
	_, err := c.api.do(ctx, request{
		op:          "create item",
		method:      http.MethodPost,
		url:         fmt.Sprintf("/data/v1/projects/%s/items", url.PathEscape(projectID)),
		token:       token,
		body:        body,
		contentType: jsonAPIContentType,
	}, &created)
	if err != nil {
		return "", err
	}
	return created.Data.ID, nil
}

// CreateVersion adds a version pointing at objectID to an existing item.
// Any query suffix on itemID is dropped.
func (c *DataManagementClient) CreateVersion(ctx context.Context, token, projectID, itemID, objectID, name string) (string, error) {
	if i := strings.Index(itemID, "?"); i >= 0 {
		itemID = itemID[:i]
	}

	body := map[string]any{
		"jsonapi": map[string]string{"version": "1.0"},
		"data": map[string]any{
			"type": "versions",
			"attributes": map[string]any{
				"name":      name,
				"extension": map[string]string{"type": versionExtensionType, "version": "1.0"},
			},
			"relationships": map[string]any{
				"item":    map[string]any{"data": map[string]string{"type": "items", "id": itemID}},
				"storage": map[string]any{"data": map[string]string{"type": "objects", "id": objectID}},
			},
		},
	}

	var created resourceID
	_, err := c.api.do(ctx, request{
		op:          "create version",
		method:      http.MethodPost,
		url:         fmt.Sprintf("/data/v1/projects/%s/versions", url.PathEscape(projectID)),
		token:       token,
		body:        body,
		contentType: jsonAPIContentType,
	}, &created)
	if err != nil {
		return "", err
	}
	return created.Data.ID, nil
}
