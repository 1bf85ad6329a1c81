// Package aliyun talks to Alibaba Cloud Intelligent Speech Interaction (NLS): it
// obtains access tokens with signed CreateToken calls and streams speech synthesis
// over the NLS websocket gateway.
package aliyun

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// Defaults for the Shanghai region.
const (
	DefaultTokenEndpoint = "https://nls-meta.cn-shanghai.aliyuncs.com/"
	DefaultRegion        = "cn-shanghai"
	tokenAPIVersion      = "2019-02-28"
	tokenRefreshMargin   = 60 * time.Second
	tokenRequestTimeout  = 10 * time.Second
	timestampLayout      = "2006-01-02T15:04:05Z"
	maxErrorBody         = 4 << 10
)

var (
	// ErrMissingCredentials indicates that the access key pair is not configured.
	ErrMissingCredentials = errors.New("aliyun access key id and secret are required")
	// ErrTokenRequest indicates that CreateToken failed or returned no token.
	ErrTokenRequest = errors.New("aliyun token request failed")
)

// TokenConfig locates the token service and holds the access key pair.
type TokenConfig struct {
	AccessKeyID     string
	AccessKeySecret string
	AppKey          string
	Endpoint        string
	Region          string
}

// Token is an NLS access token. ExpireTime is in Unix seconds.
type Token struct {
	ID         string `json:"Id"`
	ExpireTime int64  `json:"ExpireTime"`
}

type createTokenResponse struct {
	Token   *Token `json:"Token"`
	ErrMsg  string `json:"ErrMsg"`
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// TokenProvider fetches NLS tokens and reuses them until shortly before they
// expire.
type TokenProvider struct {
	cfg        TokenConfig
	httpClient *http.Client
	log        *logger.Logger
	now        func() time.Time

	mu     sync.Mutex
	cached Token
}

// NewTokenProvider validates cfg and fills in regional defaults.
func NewTokenProvider(cfg TokenConfig, httpClient *http.Client, log *logger.Logger) (*TokenProvider, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, ErrMissingCredentials
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultTokenEndpoint
	}

	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenRequestTimeout}
	}

	return &TokenProvider{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log,
		now:        time.Now,
		mu:         sync.Mutex{},
		cached:     Token{ID: "", ExpireTime: 0},
	}, nil
}

// Token returns a valid token id, requesting a new one when the cached token is
// missing or expires within a minute.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.ID != "" && time.Unix(p.cached.ExpireTime, 0).After(p.now().Add(tokenRefreshMargin)) {
		return p.cached.ID, nil
	}

	token, err := p.Fetch(ctx)
	if err != nil {
		return "", err
	}

	p.cached = token
	p.log.Info("Obtained NLS token valid until %s", time.Unix(token.ExpireTime, 0).Format(time.RFC3339))

	return token.ID, nil
}

// Fetch performs one signed CreateToken request without consulting the cache.
func (p *TokenProvider) Fetch(ctx context.Context) (Token, error) {
	params := map[string]string{
		"AccessKeyId":      p.cfg.AccessKeyID,
		"Action":           "CreateToken",
		"Format":           "JSON",
		"RegionId":         p.cfg.Region,
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   uuid.NewString(),
		"SignatureVersion": "1.0",
		"Timestamp":        p.now().UTC().Format(timestampLayout),
		"Version":          tokenAPIVersion,
	}

	query := CanonicalQuery(params)
	signature := Sign(http.MethodGet, query, p.cfg.AccessKeySecret)
	requestURL := p.cfg.Endpoint + "?" + query + "&Signature=" + percentEncode(signature)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}

	req.Header.Set("Accept", "application/json")

	if p.cfg.AppKey != "" {
		req.Header.Set("X-NLS-AppKey", p.cfg.AppKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody*16))
	if err != nil {
		return Token{}, fmt.Errorf("%w: reading response: %w", ErrTokenRequest, err)
	}

	var decoded createTokenResponse

	decodeErr := json.Unmarshal(body, &decoded)

	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(decoded.Message)
		if detail == "" {
			detail = truncate(string(body), maxErrorBody)
		}

		return Token{}, fmt.Errorf("%w: status %d: %s %s", ErrTokenRequest, resp.StatusCode, decoded.Code, detail)
	}

	if decodeErr != nil {
		return Token{}, fmt.Errorf("%w: invalid response: %w", ErrTokenRequest, decodeErr)
	}

	if decoded.Token == nil || decoded.Token.ID == "" {
		return Token{}, fmt.Errorf("%w: response has no token: %s", ErrTokenRequest, decoded.ErrMsg)
	}

	return *decoded.Token, nil
}

// CanonicalQuery sorts params by key and joins them percent-encoded.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, percentEncode(key)+"="+percentEncode(params[key]))
	}

	return strings.Join(pairs, "&")
}

// Sign computes the POP v1 HMAC-SHA1 signature of a canonical query.
func Sign(method, canonicalQuery, secret string) string {
	stringToSign := method + "&" + percentEncode("/") + "&" + percentEncode(canonicalQuery)

	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(stringToSign))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode applies RFC 3986 encoding as the POP signature requires.
func percentEncode(value string) string {
	encoded := url.QueryEscape(value)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")

	return encoded
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}

	return value[:limit] + "..."
}
