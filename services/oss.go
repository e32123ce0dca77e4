package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"ifcscheduler/errs"
	"ifcscheduler/logging"
)

const (
	objectURNPrefix = "urn:adsk.objects:os.object:"

	// DefaultChunkSize is the multipart upload part size.
	DefaultChunkSize int64 = 50 << 20
	maxPartsPerRequest     = 25
)

// ParseObjectID splits an OSS object id (urn:adsk.objects:os.object:bucket/key)
// into its bucket and object key.
func ParseObjectID(objectID string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(objectID, objectURNPrefix)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid storage location %q", objectID)
	}
	return bucket, key, nil
}

// ObjectID builds the OSS object id for bucket/key.
func ObjectID(bucket, key string) string {
	return objectURNPrefix + bucket + "/" + key
}

// OSSClient transfers objects through signed S3 URLs issued by APS OSS.
type OSSClient struct {
	api       apsClient
	ChunkSize int64
	logger    *slog.Logger
}

func NewOSSClient(baseURL string, client *http.Client, logger *slog.Logger) *OSSClient {
	return &OSSClient{api: newAPSClient(baseURL, client), ChunkSize: DefaultChunkSize, logger: logging.OrDefault(logger)}
}

// EnsureBucket checks that bucketKey exists and creates it as a transient
// bucket in region when it does not. A bucket owned by another client is
// reported as a warning, not an error.
func (c *OSSClient) EnsureBucket(ctx context.Context, token, bucketKey, region string) error {
	_, err := c.api.do(ctx, request{
		op:     "bucket details",
		method: http.MethodGet,
		url:    fmt.Sprintf("/oss/v2/buckets/%s/details", url.PathEscape(bucketKey)),
		token:  token,
	}, nil)
	if err == nil {
		c.logger.Info("oss.bucket.exists", "bucket", bucketKey)
		return nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode != http.StatusNotFound {
		c.logger.Warn("oss.bucket.foreign", "bucket", bucketKey, "status", apiErr.StatusCode,
			"message", "bucket owned by another client; choose a different bucket key")
		return nil
	}
	return c.CreateBucket(ctx, token, bucketKey, region)
}

func (c *OSSClient) CreateBucket(ctx context.Context, token, bucketKey, region string) error {
	if region == "" {
		region = "US"
	}
	_, err := c.api.do(ctx, request{
		op:      "create bucket",
		method:  http.MethodPost,
		url:     "/oss/v2/buckets",
		token:   token,
		body:    map[string]string{"bucketKey": bucketKey, "policyKey": "transient"},
		headers: map[string]string{"x-ads-region": strings.ToUpper(region)},
	}, nil)
	if err != nil {
		return err
	}
	c.logger.Info("oss.bucket.created", "bucket", bucketKey, "region", region)
	return nil
}

// Download streams bucket/key into w through a signed download URL.
func (c *OSSClient) Download(ctx context.Context, token, bucket, key string, w io.Writer) error {
	var signed struct {
		Status string `json:"status"`
		URL    string `json:"url"`
	}
	_, err := c.api.do(ctx, request{
		op:     "signed download",
		method: http.MethodGet,
		url:    fmt.Sprintf("/oss/v2/buckets/%s/objects/%s/signeds3download", url.PathEscape(bucket), url.PathEscape(key)),
		token:  token,
	}, &signed)
	if err != nil {
		return err
	}
	if signed.URL == "" {
		return fmt.Errorf("signed download: object %s/%s is %s", bucket, key, signed.Status)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed.URL, nil)
	if err != nil {
		return fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.api.client.Do(req)
	if err != nil {
		return fmt.Errorf("download object: %w: %v", errs.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError("download object", resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download object: %w", err)
	}
	return nil
}

type uploadURLs struct {
	UploadKey string   `json:"uploadKey"`
	URLs      []string `json:"urls"`
}

// Upload sends the file at path to bucket/key as a multipart signed upload
// and returns the resulting object id.
func (c *OSSClient) Upload(ctx context.Context, token, bucket, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}

	chunk := c.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	parts := int((info.Size() + chunk - 1) / chunk)
	if parts == 0 {
		parts = 1
	}

	endpoint := fmt.Sprintf("/oss/v2/buckets/%s/objects/%s/signeds3upload", url.PathEscape(bucket), url.PathEscape(key))
	var uploadKey string

	for first := 1; first <= parts; first += maxPartsPerRequest {
		n := min(maxPartsPerRequest, parts-first+1)
		q := url.Values{}
		q.Set("firstPart", strconv.Itoa(first))
		q.Set("parts", strconv.Itoa(n))
		if uploadKey != "" {
			q.Set("uploadKey", uploadKey)
		}

		var signed uploadURLs
		if _, err := c.api.do(ctx, request{
			op:     "signed upload",
			method: http.MethodGet,
			url:    endpoint + "?" + q.Encode(),
			token:  token,
		}, &signed); err != nil {
			return "", err
		}
		if len(signed.URLs) < n {
			return "", fmt.Errorf("signed upload: expected %d urls, got %d", n, len(signed.URLs))
		}
		uploadKey = signed.UploadKey

		for i := 0; i < n; i++ {
			offset := int64(first-1+i) * chunk
			size := min(chunk, info.Size()-offset)
			if err := c.putPart(ctx, signed.URLs[i], io.NewSectionReader(f, offset, size), size); err != nil {
				return "", err
			}
		}
	}

	var completed struct {
		ObjectID string `json:"objectId"`
	}
	if _, err := c.api.do(ctx, request{
		op:     "complete upload",
		method: http.MethodPost,
		url:    endpoint,
		token:  token,
		body:   map[string]string{"uploadKey": uploadKey},
	}, &completed); err != nil {
		return "", err
	}
	if completed.ObjectID == "" {
		completed.ObjectID = ObjectID(bucket, key)
	}

	c.logger.Debug("oss.upload.completed", "bucket", bucket, "key", key, "bytes", info.Size(), "parts", parts)
	return completed.ObjectID, nil
}

func (c *OSSClient) putPart(ctx context.Context, signedURL string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, body)
	if err != nil {
		return fmt.Errorf("create part request: %w", err)
	}
	req.ContentLength = size

	resp, err := c.api.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload part: %w: %v", errs.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError("upload part", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StoredObject is an OSS object used as a transfer source.
type StoredObject struct {
	oss      *OSSClient
	objectID string
}

// Object wraps an OSS object id as a transfer source.
func (c *OSSClient) Object(objectID string) *StoredObject {
	return &StoredObject{oss: c, objectID: objectID}
}

func (o *StoredObject) String() string {
	return o.objectID
}

func (o *StoredObject) Fetch(ctx context.Context, token string, w io.Writer) error {
	bucket, key, err := ParseObjectID(o.objectID)
	if err != nil {
		return err
	}
	return o.oss.Download(ctx, token, bucket, key, w)
}
