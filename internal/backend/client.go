// Package backend is an HTTP client for the document conversion API: uploads,
// cancellation, artifact download and converted file storage.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/metrics"
	"github.com/JakeFAU/conversion-progress/internal/policy/ratelimit"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("backend: not found")

const errorBodyLimit = 4096

// StatusError reports a non-2xx response. Detail carries the backend's
// "detail" message when the body is JSON, else the raw (truncated) body.
type StatusError struct {
	Operation  string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, e.Detail)
}

// Unwrap maps 404 responses onto ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Options configures a Client.
type Options struct {
	// BaseURL is the conversion router root, e.g. http://host:8000/api/v1/conversion.
	BaseURL string
	// Timeout bounds each request; uploads block until conversion finishes.
	Timeout time.Duration
	// Limiter throttles requests per host. Nil disables throttling.
	Limiter *ratelimit.Limiter
	// Transport overrides the base round tripper (wrapped with otelhttp).
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// Client talks to the conversion backend.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

// ConversionResult is the backend's answer to an upload.
type ConversionResult struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	InputFile       string   `json:"input_file"`
	OutputFile      string   `json:"output_file,omitempty"`
	ProcessingTime  *float64 `json:"processing_time,omitempty"`
	MarkdownContent string   `json:"markdown_content,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// UploadOptions carries the upload form flags.
type UploadOptions struct {
	APIEnhancement bool
	AIMode         bool
}

// CancelResult reports whether the backend found the conversion to cancel.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StoredFile describes one converted file in backend storage.
type StoredFile struct {
	Filename         string  `json:"filename"`
	Size             int64   `json:"size"`
	Modified         string  `json:"modified"`
	Preview          string  `json:"preview"`
	SizeFormatted    string  `json:"size_formatted"`
	OriginalFilename *string `json:"original_filename"`
	ConversionID     *string `json:"conversion_id"`
	IsVectorized     bool    `json:"is_vectorized"`
	VectorChunks     int     `json:"vector_chunks"`
}

// StoredFileContent is a converted file with its content.
type StoredFileContent struct {
	Filename      string `json:"filename"`
	Content       string `json:"content"`
	Size          int64  `json:"size"`
	Modified      string `json:"modified"`
	SizeFormatted string `json:"size_formatted"`
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("backend base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base url must be http or https, got %q", base.Scheme)
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: opts.Limiter,
		logger:  logger.Named("backend"),
	}, nil
}

// Upload streams a file to /upload and waits for the conversion result.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, opts UploadOptions) (ConversionResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, path.Base(filename), r, opts))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "upload", pr)
	if err != nil {
		_ = pr.Close()
		return ConversionResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out ConversionResult
	if err := c.doJSON(req, "upload", &out); err != nil {
		_ = pr.CloseWithError(err)
		return ConversionResult{}, err
	}
	c.logger.Info("conversion finished",
		zap.String("job_id", out.ID),
		zap.String("status", out.Status),
		zap.String("output_file", out.OutputFile))
	return out, nil
}

func writeUploadForm(mw *multipart.Writer, filename string, r io.Reader, opts UploadOptions) error {
	if err := mw.WriteField("use_api_enhancement", strconv.FormatBool(opts.APIEnhancement)); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	if err := mw.WriteField("use_ai_mode", strconv.FormatBool(opts.AIMode)); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}
	return nil
}

// Download fetches a converted artifact. The caller closes the reader.
func (c *Client) Download(ctx context.Context, filename string) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "download/"+url.PathEscape(filename), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req, "download")
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Cancel asks the backend to stop a running conversion.
func (c *Client) Cancel(ctx context.Context, conversionID string) (CancelResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "cancel/"+url.PathEscape(conversionID), nil)
	if err != nil {
		return CancelResult{}, err
	}
	var out CancelResult
	if err := c.doJSON(req, "cancel", &out); err != nil {
		return CancelResult{}, err
	}
	return out, nil
}

// SupportedFormats lists the file extensions the backend converts.
func (c *Client) SupportedFormats(ctx context.Context) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "supported-formats", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Formats []string `json:"formats"`
	}
	if err := c.doJSON(req, "supported_formats", &out); err != nil {
		return nil, err
	}
	return out.Formats, nil
}

// ListStorage lists converted files, newest first.
func (c *Client) ListStorage(ctx context.Context) ([]StoredFile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "storage/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Files []StoredFile `json:"files"`
		Total int          `json:"total"`
	}
	if err := c.doJSON(req, "storage_list", &out); err != nil {
		return nil, err
	}
	if out.Files == nil {
		out.Files = []StoredFile{}
	}
	return out.Files, nil
}

// GetStorageFile returns one converted file with its content.
func (c *Client) GetStorageFile(ctx context.Context, filename string) (StoredFileContent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "storage/file/"+url.PathEscape(filename), nil)
	if err != nil {
		return StoredFileContent{}, err
	}
	var out StoredFileContent
	if err := c.doJSON(req, "storage_get", &out); err != nil {
		return StoredFileContent{}, err
	}
	return out, nil
}

// DeleteStorageFile removes a converted file from backend storage.
func (c *Client) DeleteStorageFile(ctx context.Context, filename string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "storage/file/"+url.PathEscape(filename), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, "storage_delete", nil)
}

func (c *Client) newRequest(ctx context.Context, method, rel string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+"/"+rel, body)
	if err != nil {
		return nil, fmt.Errorf("create backend request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req after the limiter admits it and returns the response for 2xx
// statuses. Any other status is turned into a *StatusError.
func (c *Client) do(req *http.Request, operation string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context(), req.URL.String()); err != nil {
			return nil, fmt.Errorf("%s: %w", operation, err)
		}
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveBackendRequest(operation, 0, time.Since(start))
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	metrics.ObserveBackendRequest(operation, resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit)) // best-effort, bounded
		return nil, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, operation string, out any) error {
	resp, err := c.do(req, operation)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func errorDetail(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if raw, err := json.Marshal(payload.Detail); err == nil {
			return string(raw)
		}
	}
	return strings.TrimSpace(string(body))
}
