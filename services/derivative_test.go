package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ifcscheduler/errs"
)

func TestModelDerivativeClient_StartJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantCreated bool
		wantErr     error
	}{
		{name: "accepted", status: http.StatusOK, body: `{"result": "success"}`},
		{name: "already created", status: http.StatusCreated, body: `{"result": "created"}`, wantCreated: true},
		{
			name:    "shallow copy",
			status:  http.StatusNotAcceptable,
			body:    `{"diagnostic": "This URN is from a shallow copy, not acceptable for any other modification."}`,
			wantErr: errs.ErrShallowCopy,
		},
		{name: "unavailable", status: http.StatusServiceUnavailable, body: `{}`, wantErr: errs.ErrRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewModelDerivativeClient("http://aps.invalid", &http.Client{})
			c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
				if r.URL.Path != "/modelderivative/v2/designdata/job" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				return jsonResponse(tt.status, tt.body), nil
			})

			created, err := c.StartJob(context.Background(), "tok", TranslationRequest{URN: "dXJu", SettingsName: "default"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("StartJob failed: %v", err)
			}
			if created != tt.wantCreated {
				t.Fatalf("expected alreadyCreated=%v, got %v", tt.wantCreated, created)
			}
		})
	}
}

func TestModelDerivativeClient_StartJobPayload(t *testing.T) {
	t.Parallel()

	c := NewModelDerivativeClient("http://aps.invalid", &http.Client{})
	c.api.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/modelderivative/v2/regions/eu/designdata/job" {
			t.Errorf("EU jobs must use the EMEA endpoint, got %s", r.URL.Path)
		}
		var body struct {
			Input struct {
				URN           string `json:"urn"`
				CompressedURN bool   `json:"compressedUrn"`
				RootFilename  string `json:"rootFilename"`
			} `json:"input"`
			Output struct {
				Destination struct {
					Region string `json:"region"`
				} `json:"destination"`
				Formats []struct {
					Type     string `json:"type"`
					Advanced struct {
						ExportSettingName string `json:"exportSettingName"`
					} `json:"advanced"`
				} `json:"formats"`
			} `json:"output"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !body.Input.CompressedURN || body.Input.RootFilename != "x.rvt" || body.Input.URN != "dXJu" {
			t.Errorf("unexpected input %+v", body.Input)
		}
		if body.Output.Destination.Region != "emea" {
			t.Errorf("unexpected region %q", body.Output.Destination.Region)
		}
		if len(body.Output.Formats) != 1 || body.Output.Formats[0].Type != "ifc" || body.Output.Formats[0].Advanced.ExportSettingName != "IFC4" {
			t.Errorf("unexpected formats %+v", body.Output.Formats)
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	})

	req := TranslationRequest{URN: "dXJu", Compressed: true, RootFilename: "x.rvt", SettingsName: "IFC4", Region: "EU"}
	if _, err := c.StartJob(context.Background(), "tok", req); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if !strings.Contains(c.JobPayload(req), `"exportSettingName": "IFC4"`) {
		t.Fatalf("unexpected payload %s", c.JobPayload(req))
	}
}

func TestManifest_DerivativeURNAndUnsupportedInput(t *testing.T) {
	t.Parallel()

	raw := `{
		"status": "success",
		"progress": "complete",
		"derivatives": [
			{"outputType": "svf", "children": [{"urn": "urn:svf"}]},
			{"outputType": "ifc", "status": "failed", "children": [],
			 "messages": [{"type": "error", "code": "Revit-UnsupportedVersionOlder", "message": ["<message>Revit 2014 ", "is too old</message>"]}]}
		]
	}`
	var m Manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if urn := m.DerivativeURN(OutputTypeIFC); urn != "" {
		t.Fatalf("expected no ifc urn, got %q", urn)
	}
	err := m.UnsupportedInput(OutputTypeIFC)
	if !errors.Is(err, errs.ErrUnsupportedInput) {
		t.Fatalf("expected unsupported input, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Revit Version Not Supported: ") || !strings.Contains(err.Error(), "is too old") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	m.Derivatives[1].Children = []DerivativeChild{{URN: "urn:ifc-1"}, {URN: "urn:ifc-2"}}
	if urn := m.DerivativeURN(OutputTypeIFC); urn != "urn:ifc-1" {
		t.Fatalf("expected first child, got %q", urn)
	}
}

func TestModelDerivativeClient_DerivativeDownloadUsesSignedCookies(t *testing.T) {
	t.Parallel()

	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("CloudFront-Signature"); err != nil || c.Value != "sig" {
			t.Errorf("missing signature cookie: %v", err)
		}
		if r.URL.Query().Get("Key-Pair-Id") != "kp" || r.URL.Query().Get("Policy") != "pol" {
			t.Errorf("missing signed query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte("ISO-10303-21;"))
	}))
	defer cdn.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/signedcookies") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		http.SetCookie(w, &http.Cookie{Name: "CloudFront-Policy", Value: "pol"})
		http.SetCookie(w, &http.Cookie{Name: "CloudFront-Key-Pair-Id", Value: "kp"})
		http.SetCookie(w, &http.Cookie{Name: "CloudFront-Signature", Value: "sig"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": cdn.URL + "/output/x.ifc"})
	}))
	defer api.Close()

	c := NewModelDerivativeClient(api.URL, api.Client())
	dl, err := c.DerivativeDownload(context.Background(), "tok", "dXJu", "urn:adsk.viewing:fs.file:dXJu/output/x.ifc", "US")
	if err != nil {
		t.Fatalf("DerivativeDownload failed: %v", err)
	}
	if dl.String() != cdn.URL+"/output/x.ifc" {
		t.Fatalf("unexpected display url %q", dl.String())
	}

	var buf bytes.Buffer
	if err := dl.Fetch(context.Background(), "tok", &buf); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if buf.String() != "ISO-10303-21;" {
		t.Fatalf("unexpected body %q", buf.String())
	}
}
