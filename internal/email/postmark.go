package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/dukerupert/nudge/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Postmark error codes that mean the address will never accept mail.
const (
	codeInvalidAddress    = 300
	codeInactiveRecipient = 406
)

// ErrInactiveRecipient is returned when Postmark refuses the address
// because it bounced, complained or is malformed.
var ErrInactiveRecipient = errors.New("email recipient inactive")

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates a Postmark client. baseURL is the public address of the
// service and turns relative payload links into absolute ones.
func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream,omitempty"`
}

type postmarkError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send mails the payload to the address in target.
func (c *Client) Send(ctx context.Context, target model.Target, payload model.Payload) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	if target.Type != model.TargetEmail || target.Address == "" {
		return fmt.Errorf("send email: target is not an e-mail address")
	}

	link := c.link(payload.URL)
	textBody := payload.Body
	htmlBody := "<p>" + html.EscapeString(payload.Body) + "</p>"
	if link != "" {
		textBody += "\n\n" + link
		htmlBody += fmt.Sprintf(`<p><a href="%s">Open</a></p>`, html.EscapeString(link))
	}

	body, err := json.Marshal(postmarkEmail{
		From:          c.fromEmail,
		To:            target.Address,
		Subject:       payload.Title,
		HtmlBody:      htmlBody,
		TextBody:      textBody,
		MessageStream: "outbound",
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var pmErr postmarkError
		json.NewDecoder(resp.Body).Decode(&pmErr)
		if pmErr.ErrorCode == codeInactiveRecipient || pmErr.ErrorCode == codeInvalidAddress {
			return fmt.Errorf("%w: %s", ErrInactiveRecipient, pmErr.Message)
		}
		return fmt.Errorf("postmark API error: status %d code %d", resp.StatusCode, pmErr.ErrorCode)
	}

	return nil
}

func (c *Client) link(u string) string {
	if u == "" || strings.Contains(u, "://") || c.baseURL == "" {
		return u
	}
	return c.baseURL + "/" + strings.TrimLeft(u, "/")
}
