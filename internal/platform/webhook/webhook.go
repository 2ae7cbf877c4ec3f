// Package webhook delivers case events to external HTTP endpoints. Payloads
// are signed with HMAC-SHA256 so receivers can authenticate them.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/inaya/casefile/internal/platform/websocket"
)

const (
	SignatureHeader = "X-Casefile-Signature"
	EventHeader     = "X-Casefile-Event"
	DeliveryHeader  = "X-Casefile-Delivery"
)

var errBufferFull = errors.New("webhook buffer is full")

// Endpoint is one delivery target. Events holds type patterns: exact
// ("case.analyzed"), prefix ("case.*") or "*". Empty means every event.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Matches reports whether the endpoint subscribes to eventType.
func (ep Endpoint) Matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		switch {
		case p == "*", p == eventType:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

// ParseEndpoints reads a comma separated URL list. Each URL may carry an
// event filter after a '|' separated by ';', e.g.
// "https://a.test/hook|case.*;patient.created".
func ParseEndpoints(raw, secret string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rawURL, filter, _ := strings.Cut(item, "|")
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid webhook url %q", rawURL)
		}
		ep := Endpoint{URL: rawURL, Secret: secret}
		for _, p := range strings.Split(filter, ";") {
			if p = strings.TrimSpace(p); p != "" {
				ep.Events = append(ep.Events, p)
			}
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a "sha256=<hex>" signature header value.
func Verify(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(sig))
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// WithRetryDelays sets the waits between attempts. Its length is the number
// of retries after the first attempt.
func WithRetryDelays(d ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = d }
}

// Publisher is a websocket.EventPublisher that queues events in memory and
// posts them to every matching endpoint from Run. Publish never blocks.
type Publisher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	pending     chan websocket.Event
	logger      zerolog.Logger
}

func NewPublisher(endpoints []Endpoint, opts ...Option) *Publisher {
	p := &Publisher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		pending:     make(chan websocket.Event, 256),
		logger:      log.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) Publish(_ context.Context, ev websocket.Event) error {
	select {
	case p.pending <- ev:
		return nil
	default:
		p.logger.Warn().Str("event", ev.Type).Msg("dropping webhook event")
		return errBufferFull
	}
}

type delivery struct {
	ev      websocket.Event
	payload []byte
}

// Run delivers queued events until ctx is cancelled. Every endpoint has its
// own lane: retries against one endpoint never hold up the others, and each
// endpoint sees events in publish order.
func (p *Publisher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	lanes := make([]chan delivery, len(p.endpoints))
	for i, ep := range p.endpoints {
		lane := make(chan delivery, cap(p.pending))
		lanes[i] = lane
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d := <-lane:
					p.deliverWithRetry(ctx, ep, d.ev, d.payload)
				}
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-p.pending:
				p.dispatch(ev, lanes)
			}
		}
	})
	return g.Wait()
}

// dispatch hands ev to the lane of every matching endpoint. A full lane
// drops the event for that endpoint only.
func (p *Publisher) dispatch(ev websocket.Event, lanes []chan delivery) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal webhook event")
		return
	}
	for i, ep := range p.endpoints {
		if !ep.Matches(ev.Type) {
			continue
		}
		select {
		case lanes[i] <- delivery{ev: ev, payload: payload}:
		default:
			p.logger.Warn().Str("url", ep.URL).Str("event", ev.Type).Msg("endpoint backlog full, dropping webhook event")
		}
	}
}

// Deliver posts ev to every matching endpoint concurrently and waits for
// all of them, retries included.
func (p *Publisher) Deliver(ctx context.Context, ev websocket.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Msg("marshal webhook event")
		return
	}
	var g errgroup.Group
	for _, ep := range p.endpoints {
		if !ep.Matches(ev.Type) {
			continue
		}
		g.Go(func() error {
			p.deliverWithRetry(ctx, ep, ev, payload)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Publisher) deliverWithRetry(ctx context.Context, ep Endpoint, ev websocket.Event, payload []byte) {
	logger := p.logger.With().Str("url", ep.URL).Str("event", ev.Type).Str("event_id", ev.ID).Logger()
	for attempt := 0; ; attempt++ {
		err := p.post(ctx, ep, ev, payload)
		if err == nil {
			logger.Debug().Int("attempt", attempt+1).Msg("webhook delivered")
			return
		}
		if attempt >= len(p.retryDelays) {
			logger.Error().Err(err).Int("attempts", attempt+1).Msg("webhook delivery failed")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.retryDelays[attempt]):
		}
	}
}

func (p *Publisher) post(ctx context.Context, ep Endpoint, ev websocket.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, ev.Type)
	req.Header.Set(DeliveryHeader, ev.ID)
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, ep.Secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
