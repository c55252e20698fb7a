package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"casd/internal/models"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	httpTimeoutEnvKey  = "CASD_HTTP_TIMEOUT"
	apiTokenEnvKey     = "CASD_API_TOKEN"
	adminTokenEnvKey   = "CASD_ADMIN_TOKEN"
)

// Client is a simple HTTP client for the casd API.
type Client struct {
	baseURL    string
	http       *http.Client
	authToken  string
	adminToken string
}

// NewClient creates a new API client. Tokens are read from the environment.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: httpTimeoutFromEnv()},
		authToken:  strings.TrimSpace(os.Getenv(apiTokenEnvKey)),
		adminToken: strings.TrimSpace(os.Getenv(adminTokenEnvKey)),
	}
}

// Ping checks whether the API server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) GetInfo(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, nil, &resp)
	return resp, err
}

// UploadInput carries upload metadata alongside the content stream.
type UploadInput struct {
	OwnerID   string
	Filename  string
	MediaType string
}

// Upload streams content to the ingest endpoint as multipart form data.
func (c *Client) Upload(ctx context.Context, in UploadInput, content io.Reader) (IngestResponse, error) {
	var resp IngestResponse

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("content", in.Filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		if in.MediaType != "" {
			if err := form.WriteField("media_type", in.MediaType); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/blobs", pr)
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if in.OwnerID != "" {
		req.Header.Set("X-Owner-ID", in.OwnerID)
	}
	c.setAuthHeader(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return resp, decodeError(httpResp)
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}

func (c *Client) GetBlob(ctx context.Context, digest string) (BlobResponse, error) {
	var resp BlobResponse
	err := c.do(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(digest), nil, nil, &resp)
	return resp, err
}

// Download streams the blob content to w and returns the served media type.
func (c *Client) Download(ctx context.Context, digest string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blobs/"+url.PathEscape(digest)+"/content", nil)
	if err != nil {
		return "", err
	}
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	return resp.Header.Get("Content-Type"), nil
}

func (c *Client) Retain(ctx context.Context, digest string) (BlobResponse, error) {
	var resp BlobResponse
	err := c.do(ctx, http.MethodPost, "/v1/blobs/"+url.PathEscape(digest)+"/retain", nil, nil, &resp)
	return resp, err
}

func (c *Client) Release(ctx context.Context, digest string) (ReleaseResponse, error) {
	var resp ReleaseResponse
	err := c.do(ctx, http.MethodPost, "/v1/blobs/"+url.PathEscape(digest)+"/release", nil, nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, digest string, limit int) ([]models.IngestEvent, error) {
	var resp []models.IngestEvent
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/v1/blobs/"+url.PathEscape(digest)+"/history", query, nil, &resp)
	return resp, err
}

func (c *Client) Usage(ctx context.Context, ownerID string) (models.OwnerUsage, error) {
	var resp models.OwnerUsage
	err := c.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(ownerID)+"/usage", nil, nil, &resp)
	return resp, err
}

func (c *Client) Unreferenced(ctx context.Context, limit int) ([]models.BlobRecord, error) {
	var resp []models.BlobRecord
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/unreferenced", query, nil, &resp)
	return resp, err
}

func (c *Client) Duplicates(ctx context.Context) ([]models.DuplicateGroup, error) {
	var resp []models.DuplicateGroup
	err := c.do(ctx, http.MethodGet, "/v1/admin/duplicates", nil, nil, &resp)
	return resp, err
}

// Sweep triggers one cleanup pass. Non-dry-run sweeps require confirm.
func (c *Client) Sweep(ctx context.Context, req SweepRequest, confirm bool) (SweepResponse, error) {
	var resp SweepResponse
	err := c.doAdmin(ctx, http.MethodPost, "/v1/admin/sweep", req, confirm, &resp)
	return resp, err
}

func (c *Client) CleanupLog(ctx context.Context, cleanupType string, limit int) ([]models.CleanupLogEntry, error) {
	var resp []models.CleanupLogEntry
	query := url.Values{}
	if cleanupType != "" {
		query.Set("cleanup_type", cleanupType)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/cleanup-log", query, nil, &resp)
	return resp, err
}

func (c *Client) CleanupStats(ctx context.Context, sinceDays int) (models.CleanupStats, error) {
	var resp models.CleanupStats
	query := url.Values{}
	if sinceDays > 0 {
		query.Set("since_days", strconv.Itoa(sinceDays))
	}
	err := c.do(ctx, http.MethodGet, "/v1/admin/cleanup-log/stats", query, nil, &resp)
	return resp, err
}

func (c *Client) PurgeCleanupLog(ctx context.Context, req PurgeRequest, confirm bool) (PurgeResponse, error) {
	var resp PurgeResponse
	err := c.doAdmin(ctx, http.MethodPost, "/v1/admin/cleanup-log/purge", req, confirm, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doAdmin(ctx context.Context, method, path string, body any, confirm bool, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if confirm {
		req.Header.Set("X-Confirm", "true")
	}
	c.setAuthHeader(req)
	c.setAdminHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		return &APIError{
			Status:    resp.StatusCode,
			Code:      errResp.Code,
			ErrorCode: errResp.ErrorCode,
			Message:   errResp.Error,
		}
	}
	return fmt.Errorf("api error: %s", resp.Status)
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.authToken == "" || req == nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
}

func (c *Client) setAdminHeader(req *http.Request) {
	if c.adminToken == "" || req == nil {
		return
	}
	req.Header.Set("X-Admin-Token", c.adminToken)
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
