// Package remote implements the client side of the Story API network
// boundary: registration, login, story listing, and the multipart story
// upload. Every failure is converted into one of two kinds before it leaves
// the package: transient (unreachable, timeout, 5xx) or rejected (4xx with a
// message from the service payload). No raw transport error crosses this
// boundary.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// CacheStatusHeader marks responses that were served from the response
	// cache rather than the live network.
	CacheStatusHeader = "X-Storysync-Cache"
	// CacheStatusHit is the CacheStatusHeader value for cache-served responses.
	CacheStatusHit = "hit"

	defaultTimeout = 30 * time.Second
)

var (
	// ErrUnavailable indicates a transient failure: the service could not be
	// reached, timed out, or answered with a server error. The operation may
	// succeed if retried later.
	ErrUnavailable = errors.New("remote: service unavailable")

	errMissingBaseURL = errors.New("remote: base url is required")
)

// RejectedError indicates that the service understood the request and
// refused it. It is not retried automatically.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: rejected (%d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether the error is worth retrying on a later trigger.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether the service explicitly refused the request.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Story mirrors one listing item returned by the Story API.
type Story struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	CreatedAt   string   `json:"createdAt"`
	Latitude    *float64 `json:"lat"`
	Longitude   *float64 `json:"lon"`
}

// LoginResult carries the credential issued by a successful login.
type LoginResult struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Token  string `json:"token"`
}

// StoriesResult is a listing plus the information whether it was served from
// the response cache instead of the live network.
type StoriesResult struct {
	Stories   []Story
	FromCache bool
}

// StoryUpload describes one story to deliver, with the photo already resolved
// to raw bytes.
type StoryUpload struct {
	Description string
	Photo       []byte
	PhotoName   string
	Latitude    *float64
	Longitude   *float64
}

type envelope struct {
	Error       bool         `json:"error"`
	Message     string       `json:"message"`
	ListStory   []Story      `json:"listStory"`
	LoginResult *LoginResult `json:"loginResult"`
}

// ClientConfig configures the Story API client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the remote Story API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and returns a Client. When HTTPClient
// is provided its transport is used as-is, which is how the cache strategy
// engine is interposed on every outbound request.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient.Timeout = timeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Register creates a remote account.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	payload := map[string]string{"name": name, "email": email, "password": password}
	_, err := c.postJSON(ctx, "/register", payload)
	return err
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	payload := map[string]string{"email": email, "password": password}
	env, err := c.postJSON(ctx, "/login", payload)
	if err != nil {
		return LoginResult{}, err
	}
	if env.LoginResult == nil {
		return LoginResult{}, fmt.Errorf("%w: login response missing result", ErrUnavailable)
	}
	return *env.LoginResult, nil
}

// Stories fetches the full listing, including location fields.
func (c *Client) Stories(ctx context.Context, token string) (StoriesResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stories?location=1", nil)
	if err != nil {
		return StoriesResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StoriesResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	fromCache := resp.Header.Get(CacheStatusHeader) == CacheStatusHit
	env, err := decodeEnvelope(resp)
	if err != nil {
		return StoriesResult{}, err
	}
	return StoriesResult{Stories: env.ListStory, FromCache: fromCache}, nil
}

// UploadStory delivers one story as a multipart request: a description field,
// an optional photo part, and optional lat/lon fields. This is the exact
// request shape a live (non-queued) story submission uses, so queued writes
// replay indistinguishably from direct ones.
func (c *Client) UploadStory(ctx context.Context, token string, upload StoryUpload) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("description", upload.Description); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if upload.Latitude != nil && upload.Longitude != nil {
		if err := writer.WriteField("lat", strconv.FormatFloat(*upload.Latitude, 'f', -1, 64)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := writer.WriteField("lon", strconv.FormatFloat(*upload.Longitude, 'f', -1, 64)); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if len(upload.Photo) > 0 {
		name := upload.PhotoName
		if name == "" {
			name = "photo.jpg"
		}
		part, err := writer.CreateFormFile("photo", name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if _, err := part.Write(upload.Photo); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stories", &body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	_, err = decodeEnvelope(resp)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (envelope, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp)
}

// decodeEnvelope converts a Story API response into the envelope or one of
// the two error kinds. A 4xx with a decodable message is a rejection; every
// 5xx, and any undecodable failure body, is transient.
func decodeEnvelope(resp *http.Response) (envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return envelope{}, fmt.Errorf("%w: malformed response body: %v", ErrUnavailable, decodeErr)
		}
		if env.Error {
			return envelope{}, &RejectedError{StatusCode: resp.StatusCode, Message: env.Message}
		}
		return env, nil
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		message := env.Message
		if decodeErr != nil || message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return envelope{}, &RejectedError{StatusCode: resp.StatusCode, Message: message}
	}

	if decodeErr == nil && env.Message != "" {
		return envelope{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, env.Message)
	}
	return envelope{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
}
