// Package fcm sends notifications through the Firebase Cloud Messaging
// HTTP v1 API, authenticating with a service account.
package fcm

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/nudge/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultBaseURL  = "https://fcm.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ErrUnregistered is returned when FCM reports the registration token is no
// longer valid.
var ErrUnregistered = errors.New("fcm token unregistered")

// ServiceAccount holds the fields of a Google service account key file
// that the client needs.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// LoadServiceAccount reads a service account key file.
func LoadServiceAccount(path string) (ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("read service account: %w", err)
	}
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return ServiceAccount{}, fmt.Errorf("parse service account: %w", err)
	}
	if sa.ProjectID == "" || sa.ClientEmail == "" || sa.PrivateKey == "" {
		return ServiceAccount{}, fmt.Errorf("service account %s: project_id, client_email and private_key are required", path)
	}
	return sa, nil
}

// Client is an FCM HTTP v1 client.
type Client struct {
	account    ServiceAccount
	key        *rsa.PrivateKey
	httpClient *http.Client
	baseURL    string
	tokenURL   string
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the FCM API base URL.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		cl.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTokenURL overrides the OAuth2 token endpoint.
func WithTokenURL(u string) Option {
	return func(cl *Client) {
		cl.tokenURL = u
	}
}

// New creates a client for the given service account.
func New(account ServiceAccount, opts ...Option) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	c := &Client{
		account:    account,
		key:        key,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		tokenURL:   defaultTokenURL,
		now:        time.Now,
	}
	if account.TokenURI != "" {
		c.tokenURL = account.TokenURI
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sendRequest struct {
	Message sendMessage `json:"message"`
}

type sendMessage struct {
	Token        string            `json:"token"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Webpush      *webpushConfig    `json:"webpush,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

type webpushConfig struct {
	FCMOptions struct {
		Link string `json:"link"`
	} `json:"fcm_options"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// Send delivers the payload to the registration token in target.
func (c *Client) Send(ctx context.Context, target model.Target, payload model.Payload) error {
	if target.Type != model.TargetFCM || target.Token == "" {
		return fmt.Errorf("send fcm: target is not an fcm token")
	}

	msg := sendMessage{
		Token:        target.Token,
		Notification: notification{Title: payload.Title, Body: payload.Body},
	}
	if payload.URL != "" {
		msg.Data = map[string]string{"url": payload.URL}
		msg.Webpush = &webpushConfig{}
		msg.Webpush.FCMOptions.Link = payload.URL
	}
	body, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		return fmt.Errorf("marshal fcm message: %w", err)
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, url.PathEscape(c.account.ProjectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send fcm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var apiErr apiError
	json.NewDecoder(resp.Body).Decode(&apiErr)

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
	}
	if resp.StatusCode == http.StatusNotFound || apiErr.Error.Status == "NOT_FOUND" {
		return ErrUnregistered
	}
	for _, d := range apiErr.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return ErrUnregistered
		}
	}
	return fmt.Errorf("fcm returned %d: %s", resp.StatusCode, apiErr.Error.Message)
}

// token returns a cached OAuth2 access token, exchanging a signed
// assertion for a new one when it is missing or about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.accessToken != "" && now.Add(time.Minute).Before(c.expiresAt) {
		return c.accessToken, nil
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   c.account.ClientEmail,
		"scope": messagingScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign fcm assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch fcm token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	c.accessToken = tok.AccessToken
	c.expiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}
