package metaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is a thin Graph API client for the two-step content publish flow:
// create a media container, then publish it. Both calls take the caller's
// access token; the client holds no credentials of its own.
type Client struct {
	baseURL string
	version string
	http    *http.Client
}

func NewClient() *Client {
	baseURL := strings.TrimSpace(os.Getenv("META_GRAPH_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	version := strings.TrimSpace(os.Getenv("META_GRAPH_VERSION"))
	if version == "" {
		version = "v19.0"
	}
	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("META_HTTP_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		http:    &http.Client{Timeout: timeout},
	}
}

// MediaContainerParams are the step-1 container parameters. Exactly one of
// ImageUrl/VideoUrl is expected; the API validates the rest.
type MediaContainerParams struct {
	ImageUrl  string
	VideoUrl  string
	Caption   string
	MediaType string
}

type graphIdResponse struct {
	Id string `json:"id"`
}

type graphErrorEnvelope struct {
	Error *GraphError `json:"error"`
}

// CreateMediaContainer performs step 1 of the publish flow and returns the
// container's creation id. The call has no remote idempotency of its own, so
// callers must record the returned id durably before publishing.
func (c *Client) CreateMediaContainer(ctx context.Context, accessToken, igUserId string, params MediaContainerParams) (string, error) {
	form := url.Values{}
	if params.ImageUrl != "" {
		form.Set("image_url", params.ImageUrl)
	}
	if params.VideoUrl != "" {
		form.Set("video_url", params.VideoUrl)
	}
	if params.Caption != "" {
		form.Set("caption", params.Caption)
	}
	if params.MediaType != "" {
		form.Set("media_type", params.MediaType)
	}
	resp, err := c.doPost(ctx, accessToken, fmt.Sprintf("/%s/media", url.PathEscape(igUserId)), form)
	if err != nil {
		return "", err
	}
	if resp.Id == "" {
		return "", errors.New("graph api returned empty creation id")
	}
	return resp.Id, nil
}

// PublishMediaContainer performs step 2 and returns the published media id.
func (c *Client) PublishMediaContainer(ctx context.Context, accessToken, igUserId, creationId string) (string, error) {
	form := url.Values{}
	form.Set("creation_id", creationId)
	resp, err := c.doPost(ctx, accessToken, fmt.Sprintf("/%s/media_publish", url.PathEscape(igUserId)), form)
	if err != nil {
		return "", err
	}
	if resp.Id == "" {
		return "", errors.New("graph api returned empty media id")
	}
	return resp.Id, nil
}

func (c *Client) doPost(ctx context.Context, accessToken, path string, form url.Values) (graphIdResponse, error) {
	form.Set("access_token", accessToken)
	endpoint := c.baseURL + "/" + c.version + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return graphIdResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return graphIdResponse{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return graphIdResponse{}, parseGraphError(resp, body)
	}

	var parsed graphIdResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return graphIdResponse{}, fmt.Errorf("graph api: decoding response: %w", err)
	}
	return parsed, nil
}

func parseGraphError(resp *http.Response, body []byte) error {
	gerr := &GraphError{HTTPStatus: resp.StatusCode}

	var envelope graphErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		*gerr = *envelope.Error
		gerr.HTTPStatus = resp.StatusCode
	} else {
		gerr.Message = strings.TrimSpace(string(body))
		if gerr.Message == "" {
			gerr.Message = http.StatusText(resp.StatusCode)
		}
	}

	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			gerr.RetryAfterSeconds = n
		}
	}
	return gerr
}
