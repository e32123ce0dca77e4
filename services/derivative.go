package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ifcscheduler/errs"
)

const (
	OutputTypeIFC = "ifc"

	unsupportedVersionCode = "Revit-UnsupportedVersionOlder"
)

// Manifest statuses reported by the conversion service.
const (
	ManifestPending    = "pending"
	ManifestInProgress = "inprogress"
	ManifestProcessing = "processing"
	ManifestSuccess    = "success"
	ManifestFailed     = "failed"
	ManifestTimeout    = "timeout"
)

// TranslationRequest names the input and output of one translation job.
type TranslationRequest struct {
	URN          string
	Compressed   bool
	RootFilename string
	SettingsName string
	Region       string
}

func (r TranslationRequest) payload() map[string]any {
	input := map[string]any{"urn": r.URN}
	if r.Compressed {
		input["compressedUrn"] = true
		input["rootFilename"] = r.RootFilename
	}

	format := map[string]any{"type": OutputTypeIFC}
	if r.SettingsName != "" {
		format["advanced"] = map[string]string{"exportSettingName": r.SettingsName}
	}

	return map[string]any{
		"input": input,
		"output": map[string]any{
			"destination": map[string]string{"region": strings.ToLower(derivativeRegion(r.Region))},
			"formats":     []any{format},
		},
	}
}

type Manifest struct {
	URN         string       `json:"urn"`
	Status      string       `json:"status"`
	Progress    string       `json:"progress"`
	Region      string       `json:"region"`
	Derivatives []Derivative `json:"derivatives"`
}

type Derivative struct {
	OutputType string            `json:"outputType"`
	Status     string            `json:"status"`
	Progress   string            `json:"progress"`
	Children   []DerivativeChild `json:"children"`
	Messages   []ManifestMessage `json:"messages"`
}

type DerivativeChild struct {
	URN  string `json:"urn"`
	Role string `json:"role"`
	Mime string `json:"mime"`
	Type string `json:"type"`
}

type ManifestMessage struct {
	Type    string      `json:"type"`
	Code    string      `json:"code"`
	Message messageText `json:"message"`
}

// messageText accepts either a string or an array of strings.
type messageText string

func (m *messageText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = messageText(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	*m = messageText(strings.Join(parts, ""))
	return nil
}

// DerivativeURN returns the urn of the first child of the first derivative
// of outputType, or "" when the manifest holds none.
func (m *Manifest) DerivativeURN(outputType string) string {
	for _, d := range m.Derivatives {
		if d.OutputType == outputType && len(d.Children) > 0 {
			return d.Children[0].URN
		}
	}
	return ""
}

// UnsupportedInput reports an outputType derivative rejected because the
// source was authored in an unsupported version.
func (m *Manifest) UnsupportedInput(outputType string) error {
	for _, d := range m.Derivatives {
		if d.OutputType != outputType {
			continue
		}
		for _, msg := range d.Messages {
			if msg.Code == unsupportedVersionCode {
				return fmt.Errorf("%w: %s", errs.ErrUnsupportedInput, msg.Message)
			}
		}
	}
	return nil
}

// SignedDownload is a derivative download URL with its CloudFront cookies.
type SignedDownload struct {
	URL     string
	Cookies []*http.Cookie

	client *http.Client
}

func (s *SignedDownload) String() string {
	if i := strings.Index(s.URL, "?"); i >= 0 {
		return s.URL[:i]
	}
	return s.URL
}

// Fetch streams the derivative into w.
func (s *SignedDownload) Fetch(ctx context.Context, token string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range s.Cookies {
		req.AddCookie(c)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download derivative: %w: %v", errs.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError("download derivative", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download derivative: %w", err)
	}
	return nil
}

// ModelDerivativeClient drives the conversion service (APS Model Derivative).
type ModelDerivativeClient struct {
	api apsClient
}

func NewModelDerivativeClient(baseURL string, client *http.Client) *ModelDerivativeClient {
	return &ModelDerivativeClient{api: newAPSClient(baseURL, client)}
}

// derivativeRegion maps a job region hint to the service region name.
func derivativeRegion(region string) string {
	switch strings.ToUpper(region) {
	case "EU", "EMEA":
		return "EMEA"
	}
	return "US"
}

func designDataPath(region string) string {
	if derivativeRegion(region) == "EMEA" {
		return "/modelderivative/v2/regions/eu/designdata"
	}
	return "/modelderivative/v2/designdata"
}

// StartJob submits a translation. It reports alreadyCreated when the service
// answered that the requested derivative exists and no new work was started.
func (c *ModelDerivativeClient) StartJob(ctx context.Context, token string, req TranslationRequest) (alreadyCreated bool, err error) {
	resp, err := c.api.do(ctx, request{
		op:      "start translation",
		method:  http.MethodPost,
		url:     designDataPath(req.Region) + "/job",
		token:   token,
		body:    req.payload(),
		headers: map[string]string{"x-ads-force": "false"},
	}, nil)
	if err != nil {
		return false, err
	}
	return resp.status == http.StatusCreated, nil
}

// JobPayload renders the request body exactly as StartJob sends it.
func (c *ModelDerivativeClient) JobPayload(req TranslationRequest) string {
	b, _ := json.MarshalIndent(req.payload(), "", "  ")
	return string(b)
}

func (c *ModelDerivativeClient) GetManifest(ctx context.Context, token, encodedURN, region string) (*Manifest, error) {
	var m Manifest
	_, err := c.api.do(ctx, request{
		op:     "get manifest",
		method: http.MethodGet,
		url:    fmt.Sprintf("%s/%s/manifest", designDataPath(region), encodedURN),
		token:  token,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DerivativeDownload requests a signed, cookie-authenticated URL for one derivative.
func (c *ModelDerivativeClient) DerivativeDownload(ctx context.Context, token, encodedURN, derivativeURN, region string) (*SignedDownload, error) {
	var body struct {
		URL string `json:"url"`
	}
	resp, err := c.api.do(ctx, request{
		op:     "get derivative url",
		method: http.MethodGet,
		url:    fmt.Sprintf("%s/%s/manifest/%s/signedcookies", designDataPath(region), encodedURN, url.PathEscape(derivativeURN)),
		token:  token,
	}, &body)
	if err != nil {
		return nil, err
	}
	if body.URL == "" {
		return nil, fmt.Errorf("get derivative url: empty url")
	}

	return &SignedDownload{
		URL:     signedURL(body.URL, resp.cookies),
		Cookies: resp.cookies,
		client:  c.api.client,
	}, nil
}

// signedURL appends the CloudFront policy cookies as query parameters so the
// URL stays usable by clients that drop cookies.
func signedURL(raw string, cookies []*http.Cookie) string {
	values := url.Values{}
	for _, c := range cookies {
		switch c.Name {
		case "CloudFront-Key-Pair-Id":
			values.Set("Key-Pair-Id", c.Value)
		case "CloudFront-Signature":
			values.Set("Signature", c.Value)
		case "CloudFront-Policy":
			values.Set("Policy", c.Value)
		}
	}
	if len(values) == 0 {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + values.Encode()
}
