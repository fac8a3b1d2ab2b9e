package detectorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/facefinder/internal/detector"
	"github.com/example/facefinder/internal/logging"
)

// ImageField is the multipart field name the detection service reads.
const ImageField = "image"

// ErrUnexpectedStatus is matched by every StatusError.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// StatusError reports a non-2xx answer from the detection service.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detection service returned status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Endpoints locates the routes of the detection service relative to BaseURL.
type Endpoints struct {
	BaseURL    string
	DetectPath string
	StreamPath string
	StopPath   string
	HealthPath string
}

// DefaultEndpoints matches the routes served by the reference detection service.
func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		BaseURL:    baseURL,
		DetectPath: "/api/detect-faces",
		StreamPath: "/video_feed",
		StopPath:   "/api/stop_camera",
		HealthPath: "/health",
	}
}

// Client talks to the detection service over HTTP.
type Client struct {
	http      *resty.Client
	endpoints Endpoints
	logger    *zap.Logger
}

var _ detector.Client = (*Client)(nil)

// New builds a client. No request timeout is set; callers bound calls through ctx.
func New(endpoints Endpoints, logger *zap.Logger) *Client {
	endpoints.BaseURL = strings.TrimRight(endpoints.BaseURL, "/")
	httpClient := resty.New().
		SetBaseURL(endpoints.BaseURL).
		SetLogger(logger.Named("resty").Sugar())
	return &Client{http: httpClient, endpoints: endpoints, logger: logger.Named("detector_client")}
}

// DetectFaces uploads the image as a single multipart part and decodes the answer.
func (c *Client) DetectFaces(ctx context.Context, image *detector.Image) (*detector.Result, error) {
	if image.Empty() {
		return nil, logging.NewOperationError("detectorclient.detect_faces", "", detector.ErrEmptyImage)
	}
	filename := image.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField(ImageField, filename, contentType, bytes.NewReader(image.Data)).
		Post(c.endpoints.DetectPath)
	if err != nil {
		wrapped := logging.NewOperationError("detectorclient.detect_faces", "", err)
		c.logger.Warn("detect request failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if !resp.IsSuccess() {
		wrapped := logging.NewOperationError("detectorclient.detect_faces", "", &StatusError{Code: resp.StatusCode()})
		c.logger.Warn("detect request rejected", zap.Int("status", resp.StatusCode()))
		return nil, wrapped
	}

	var result detector.Result
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, logging.NewOperationError("detectorclient.decode_result", "", err)
	}
	if result.Faces == nil {
		result.Faces = []detector.Face{}
	}
	return &result, nil
}

// StopCamera asks the service to release the camera. Any 2xx is success.
func (c *Client) StopCamera(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post(c.endpoints.StopPath)
	if err != nil {
		return logging.NewOperationError("detectorclient.stop_camera", "", err)
	}
	if !resp.IsSuccess() {
		return logging.NewOperationError("detectorclient.stop_camera", "", &StatusError{Code: resp.StatusCode()})
	}
	return nil
}

// StreamURL returns the live stream address, cache-busted by token.
func (c *Client) StreamURL(token string) string {
	return c.endpoints.BaseURL + c.endpoints.StreamPath + "?" + url.Values{"t": []string{token}}.Encode()
}

// OpenStream starts pulling the live stream. The caller owns body.
func (c *Client) OpenStream(ctx context.Context, token string) (string, io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("t", token).
		Get(c.endpoints.StreamPath)
	if err != nil {
		return "", nil, logging.NewOperationError("detectorclient.open_stream", "", err)
	}
	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			body.Close()
		}
		return "", nil, logging.NewOperationError("detectorclient.open_stream", "", &StatusError{Code: resp.StatusCode()})
	}
	return resp.Header().Get("Content-Type"), body, nil
}

// Health probes the service health route.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get(c.endpoints.HealthPath)
	if err != nil {
		return logging.NewOperationError("detectorclient.health", "", err)
	}
	if !resp.IsSuccess() {
		return logging.NewOperationError("detectorclient.health", "", &StatusError{Code: resp.StatusCode()})
	}
	return nil
}
