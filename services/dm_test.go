package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ifcscheduler/errs"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestDataManagementClient_FolderContentsFollowsNextLink(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Path != "/data/v1/projects/b.p1/folders/f1/contents" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("page[number]") {
		case "":
			fmt.Fprintf(w, `{
				"data": [
					{"type": "folders", "id": "f2", "attributes": {"name": "Sub"}, "links": {"webView": {"href": "https://acc/f2"}}},
					{"type": "items", "id": "i1", "attributes": {"displayName": "x.rvt"}}
				],
				"included": [
					{"type": "versions", "id": "v1", "attributes": {"name": "x.rvt", "fileType": "rvt",
						"extension": {"data": {"isCompositeDesign": true}}},
					 "relationships": {"item": {"data": {"id": "i1"}}}}
				],
				"links": {"next": {"href": "%s/data/v1/projects/b.p1/folders/f1/contents?page%%5Bnumber%%5D=1"}}
			}`, srv.URL)
		case "1":
			fmt.Fprint(w, `{
				"data": [{"type": "items", "id": "i2"}],
				"included": [
					{"type": "versions", "id": "v2", "attributes": {"name": "y.ifc", "fileType": "ifc",
						"extension": {"data": {}}},
					 "relationships": {"item": {"data": {"id": "i2"}}}}
				],
				"links": {}
			}`)
		default:
			t.Errorf("unexpected page %s", r.URL.RawQuery)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewDataManagementClient(srv.URL, srv.Client())
	contents, err := c.FolderContents(context.Background(), "tok", "b.p1", "f1")
	if err != nil {
		t.Fatalf("FolderContents failed: %v", err)
	}

	if len(contents.Folders) != 1 || contents.Folders[0].ID != "f2" || contents.Folders[0].Name != "Sub" {
		t.Fatalf("unexpected folders %+v", contents.Folders)
	}
	if len(contents.Files) != 2 {
		t.Fatalf("expected files from both pages, got %+v", contents.Files)
	}
	x := contents.Files[0]
	if x.ItemID != "i1" || x.FileType != "rvt" || !x.IsCompositeDesign || x.FolderID != "f1" {
		t.Fatalf("unexpected first file %+v", x)
	}
	if contents.Files[1].IsCompositeDesign {
		t.Fatal("missing composite flag should default to false")
	}
}

func TestDataManagementClient_CreateItemPayload(t *testing.T) {
	t.Parallel()

	c := NewDataManagementClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Method != http.MethodPost || r.URL.Path != "/data/v1/projects/b.p1/items" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != jsonAPIContentType {
			t.Fatalf("unexpected content type %q", ct)
		}

		var body struct {
			Data struct {
				Attributes struct {
					DisplayName string `json:"displayName"`
				} `json:"attributes"`
				Relationships struct {
					Parent struct {
						Data struct{ ID string } `json:"data"`
					} `json:"parent"`
				} `json:"relationships"`
			} `json:"data"`
			Included []struct {
				Relationships struct {
					Storage struct {
						Data struct{ ID string } `json:"data"`
					} `json:"storage"`
				} `json:"relationships"`
			} `json:"included"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Data.Attributes.DisplayName != "x.ifc" || body.Data.Relationships.Parent.Data.ID != "f1" {
			t.Fatalf("unexpected item %+v", body.Data)
		}
		if len(body.Included) != 1 || body.Included[0].Relationships.Storage.Data.ID != "urn:obj" {
			t.Fatalf("unexpected included %+v", body.Included)
		}
		return jsonResponse(http.StatusCreated, `{"data": {"type": "items", "id": "new-item"}}`), nil
	})

	id, err := c.CreateItem(context.Background(), "tok", "b.p1", "f1", "urn:obj", "x.ifc")
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if id != "new-item" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestDataManagementClient_CreateVersionStripsItemQuery(t *testing.T) {
	t.Parallel()

	c := NewDataManagementClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		var body struct {
			Data struct {
				Relationships struct {
					Item struct {
						Data struct{ ID string } `json:"data"`
					} `json:"item"`
				} `json:"relationships"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if got := body.Data.Relationships.Item.Data.ID; got != "urn:item" {
			t.Fatalf("item id not stripped: %q", got)
		}
		return jsonResponse(http.StatusCreated, `{"data": {"id": "v2"}}`), nil
	})

	if _, err := c.CreateVersion(context.Background(), "tok", "b.p1", "urn:item?version=3", "urn:obj", "x.ifc"); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}
}

func TestDataManagementClient_ParentFolderDecodesWebView(t *testing.T) {
	t.Parallel()

	c := NewDataManagementClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": {"type": "folders", "id": "f9", "attributes": {"name": "Out"},
			"links": {"webView": {"href": "https://acc.example.com/docs/files/projects/p1?folderUrn=urn%3Aadsk%3Af9"}}}}`), nil
	})

	folder, err := c.ParentFolder(context.Background(), "tok", "b.p1", "i1")
	if err != nil {
		t.Fatalf("ParentFolder failed: %v", err)
	}
	if folder.ID != "f9" || folder.WebView != "https://acc.example.com/docs/files/projects/p1?folderUrn=urn:adsk:f9" {
		t.Fatalf("unexpected folder %+v", folder)
	}
}

func TestDataManagementClient_NotFoundIsSentinel(t *testing.T) {
	t.Parallel()

	c := NewDataManagementClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"errors": [{"detail": "missing"}]}`), nil
	})

	_, err := c.ItemTipStorage(context.Background(), "tok", "b.p1", "i1")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected APIError, got %T", err)
	}
}

func TestDataManagementClient_FindItemByName(t *testing.T) {
	t.Parallel()

	c := NewDataManagementClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": [], "included": [
			{"type": "versions", "id": "v1", "attributes": {"name": "a.ifc", "fileType": "ifc"}, "relationships": {"item": {"data": {"id": "item-a"}}}},
			{"type": "versions", "id": "v2", "attributes": {"name": "b.ifc", "fileType": "ifc"}, "relationships": {"item": {"data": {"id": "item-b"}}}}
		]}`), nil
	})

	id, err := c.FindItemByName(context.Background(), "tok", "b.p1", "f1", "b.ifc")
	if err != nil || id != "item-b" {
		t.Fatalf("expected item-b, got %q (%v)", id, err)
	}
	id, err = c.FindItemByName(context.Background(), "tok", "b.p1", "f1", "c.ifc")
	if err != nil || id != "" {
		t.Fatalf("expected no item, got %q (%v)", id, err)
	}
}
