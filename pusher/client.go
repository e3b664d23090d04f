package pusher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/util"
)

const (
	methodUpdateSubjectStatus = "com.atproto.admin.updateSubjectStatus"
	methodSendEmail           = "com.atproto.admin.sendEmail"
)

// RepoRef, StrongRef and RepoBlobRef are the subject shapes accepted by
// updateSubjectStatus.
type RepoRef struct {
	Type string `json:"$type"`
	DID  string `json:"did"`
}

type StrongRef struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
	CID  string `json:"cid"`
}

type RepoBlobRef struct {
	Type      string `json:"$type"`
	DID       string `json:"did"`
	CID       string `json:"cid"`
	RecordURI string `json:"recordUri,omitempty"`
}

// Takedown is the desired end state sent downstream. Applied is false when a
// takedown has been reversed.
type Takedown struct {
	Applied bool   `json:"applied"`
	Ref     string `json:"ref,omitempty"`
}

type statusUpdate struct {
	Subject  any      `json:"subject"`
	Takedown Takedown `json:"takedown"`
}

// Service is one downstream target. DID is the audience of the service-auth
// tokens sent to it.
type Service struct {
	URL string
	DID string
}

type ClientConfig struct {
	// ServiceDID is the issuer of service-auth tokens.
	ServiceDID string
	SigningKey *signing.PrivateKey
	// Targets maps a push event type to its service. Event types without a
	// target fail delivery and stay queued.
	Targets map[string]Service
	// RequestsPerSecond limits outbound calls across all targets. Zero means
	// no limit.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client calls the admin endpoints of downstream services.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "push-client")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = util.RobustHTTPClient(logger)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		logger:  logger,
	}
}

// StatusError is a non-200 response from a downstream service.
type StatusError struct {
	StatusCode int
	ErrStr     string `json:"error"`
	Message    string `json:"message"`
}

func (e *StatusError) Error() string {
	if e.ErrStr == "" {
		return fmt.Sprintf("downstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("downstream returned %d: %s: %s", e.StatusCode, e.ErrStr, e.Message)
}

var ErrNoTarget = errors.New("no downstream service configured for event type")

// UpdateSubjectStatus asserts the takedown state of subject on the service
// for eventType. The call is idempotent.
func (c *Client) UpdateSubjectStatus(ctx context.Context, eventType string, subject any, takedown Takedown) error {
	target, ok := c.cfg.Targets[eventType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTarget, eventType)
	}
	return c.procedure(ctx, target, methodUpdateSubjectStatus, statusUpdate{Subject: subject, Takedown: takedown})
}

// SendEmail asks the account's PDS to deliver a moderation email.
func (c *Client) SendEmail(ctx context.Context, recipientDID, subjectLine, content string) error {
	target, ok := c.cfg.Targets[models.PushEventPDSTakedown]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTarget, models.PushEventPDSTakedown)
	}
	body := map[string]any{
		"recipientDid": recipientDID,
		"senderDid":    c.cfg.ServiceDID,
		"content":      content,
	}
	if subjectLine != "" {
		body["subject"] = subjectLine
	}
	return c.procedure(ctx, target, methodSendEmail, body)
}

func (c *Client) procedure(ctx context.Context, target Service, method string, bodyobj any) error {
	b, err := json.Marshal(bodyobj)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	uri := strings.TrimSuffix(target.URL, "/") + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ozone/"+versioninfo.Short())

	if c.cfg.SigningKey != nil {
		token, err := signing.SignServiceAuth(c.cfg.ServiceDID, target.DID, time.Minute, method, c.cfg.SigningKey)
		if err != nil {
			return fmt.Errorf("signing service auth: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(serr); err != nil {
			c.logger.Debug("undecodable error body", "method", method, "status", resp.StatusCode, "err", err)
		}
		return serr
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
