package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/keywords"
)

// API endpoints and paths.
const (
	APIKeywords  = "/api/keywords"
	APISummaries = "/api/summaries"
	APINews      = "/api/news"
	APISpeech    = "/api/tts"
	APIHealth    = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

const (
	// DefaultRequestTimeout bounds JSON requests. Speech responses are bounded by
	// the caller's context only.
	DefaultRequestTimeout = 30 * time.Second

	speechReadBuffer = 4 << 10
	maxErrorBody     = 4 << 10
)

var (
	// ErrServiceStatus indicates a non-OK response from the news-digest service.
	ErrServiceStatus = errors.New("news-digest service error")
	// ErrUnexpectedContentType indicates a speech response that is not audio.
	ErrUnexpectedContentType = errors.New("unexpected content type")
)

// SpeechRequest is the JSON body of a speech request.
type SpeechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// ErrorResponse is the JSON error body returned by the service.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// KeywordIndex lists the available keywords and their categories.
type KeywordIndex struct {
	Keywords   []string            `json:"keywords"`
	Categories []keywords.Category `json:"categories"`
}

// Speech is a streaming narration response.
type Speech struct {
	Stream core.AudioStream
	Format audio.Format
	Spec   audio.Spec
}

// Client talks to the news-digest HTTP service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a client for the service at baseURL (for example
// "http://localhost:8080"). timeout applies to JSON requests.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
	}
}

// Index returns the keyword list together with its categories.
func (c *Client) Index(ctx context.Context) (KeywordIndex, error) {
	var index KeywordIndex

	err := c.getJSON(ctx, APIKeywords, nil, &index)
	if err != nil {
		return KeywordIndex{}, err
	}

	return index, nil
}

// Keywords returns all keywords known to the service.
func (c *Client) Keywords(ctx context.Context) ([]string, error) {
	index, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}

	return index.Keywords, nil
}

// Categories returns the keywords grouped into their configured categories.
func (c *Client) Categories(ctx context.Context) ([]keywords.Category, error) {
	index, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}

	return index.Categories, nil
}

// Summaries returns the summaries of date for any of the given keywords.
func (c *Client) Summaries(ctx context.Context, date string, keywordList []string) ([]feishu.Summary, error) {
	query := url.Values{"date": {date}, "keyword": keywordList}

	var summaries []feishu.Summary

	err := c.getJSON(ctx, APISummaries, query, &summaries)
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

// News returns the original articles behind the summary of keyword on date.
func (c *Client) News(ctx context.Context, date, keyword string) ([]feishu.NewsLink, error) {
	query := url.Values{"date": {date}, "keyword": {keyword}}

	var links []feishu.NewsLink

	err := c.getJSON(ctx, APINews, query, &links)
	if err != nil {
		return nil, err
	}

	return links, nil
}

// Speech requests a narration of text and returns the audio body as a stream.
// The stream must be closed by the caller.
func (c *Client) Speech(ctx context.Context, text, voice string) (*Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	requestBody, err := json.Marshal(SpeechRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+APISpeech, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, "audio/*")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to news-digest service at %s: %w", c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	format, spec, err := parseAudioContentType(resp.Header.Get(headerContentType))
	if err != nil {
		_ = resp.Body.Close()

		return nil, err
	}

	return &Speech{
		Stream: newBodyStream(resp.Body, speechReadBuffer),
		Format: format,
		Spec:   spec,
	}, nil
}

// HealthCheck verifies that the service is running.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+APIHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrServiceStatus, resp.Status)
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to news-digest service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}

	decodeErr := json.NewDecoder(resp.Body).Decode(target)
	if decodeErr != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, decodeErr)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw
// body so that diagnostic information is preserved.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Error != "" {
		if errorResp.Details != "" {
			return fmt.Errorf("%w (%s): %s: %s", ErrServiceStatus, resp.Status, errorResp.Error, errorResp.Details)
		}

		return fmt.Errorf("%w (%s): %s", ErrServiceStatus, resp.Status, errorResp.Error)
	}

	return fmt.Errorf("%w (%s): %s", ErrServiceStatus, resp.Status, strings.TrimSpace(string(body)))
}

// parseAudioContentType reads the format and, for raw PCM, the rate and channels
// parameters of an audio content type such as "audio/L16; rate=16000; channels=1".
func parseAudioContentType(contentType string) (audio.Format, audio.Spec, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", audio.Spec{}, fmt.Errorf("%w: %q: %w", ErrUnexpectedContentType, contentType, err)
	}

	if !strings.HasPrefix(mediaType, "audio/") {
		return "", audio.Spec{}, fmt.Errorf("%w: %q", ErrUnexpectedContentType, contentType)
	}

	format, err := audio.ParseFormat(mediaType)
	if err != nil {
		return "", audio.Spec{}, fmt.Errorf("%w: %w", ErrUnexpectedContentType, err)
	}

	spec := audio.DefaultSpec()

	if rate, convErr := strconv.Atoi(params["rate"]); convErr == nil {
		spec.SampleRate = rate
	}

	if channels, convErr := strconv.Atoi(params["channels"]); convErr == nil {
		spec.Channels = channels
	}

	validateErr := spec.Validate()
	if validateErr != nil {
		return "", audio.Spec{}, fmt.Errorf("%w: %w", ErrUnexpectedContentType, validateErr)
	}

	return format, spec, nil
}

// AudioContentType is the inverse of parseAudioContentType: it renders the content
// type the service sends for format at spec.
func AudioContentType(format audio.Format, spec audio.Spec) string {
	if format != audio.FormatPCM {
		return format.ContentType()
	}

	return mime.FormatMediaType(format.ContentType(), map[string]string{
		"rate":     strconv.Itoa(spec.SampleRate),
		"channels": strconv.Itoa(spec.Channels),
	})
}
