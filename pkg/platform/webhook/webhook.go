// Package webhook is the platform adapter for messages ingested over
// HTTP rather than a chat connection. Inbound traffic arrives through
// the gateway's webhook endpoint already in canonical form; outbound
// replies are posted as JSON to a configured callback URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/platform"
)

// Options configure the adapter.
type Options struct {
	// CallbackURL receives outbound messages. Sends fail when empty.
	CallbackURL string
	// Client overrides the default HTTP client.
	Client *http.Client
}

// Adapter serves the webhook pseudo-platform.
type Adapter struct {
	callbackURL string
	client      *http.Client
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a webhook adapter.
func New(opts Options) *Adapter {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{callbackURL: opts.CallbackURL, client: client}
}

// Type identifies the platform.
func (a *Adapter) Type() domain.ChannelType { return domain.ChannelWebhook }

// Start blocks until the context is canceled; the gateway feeds this
// adapter's messages directly into the controller.
func (a *Adapter) Start(ctx context.Context, sink platform.Sink) error {
	<-ctx.Done()
	return nil
}

// Normalize is a no-op: webhook messages are canonical at ingest.
func (a *Adapter) Normalize(msg *domain.Message) error { return nil }

// Send posts the outbound message as JSON to the callback URL.
func (a *Adapter) Send(ctx context.Context, out *domain.Outbound) error {
	if a.callbackURL == "" {
		return platform.ErrNotConnected
	}
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
