// Package web sends Web Push messages to subscription endpoints using VAPID.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

// ErrSubscriptionGone means the push service no longer knows the endpoint and
// the subscription should be forgotten.
var ErrSubscriptionGone = errors.New("web push: subscription gone")

const defaultTTL = 60

type Sender struct {
	subscriber string
	privateKey string
	publicKey  string
	ttl        int
	logger     *slog.Logger
	httpClient *http.Client
}

// NewSender uses http.DefaultClient when httpClient is nil.
func NewSender(cfg config.VapidConfig, httpClient *http.Client, logger *slog.Logger) *Sender {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Sender{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		ttl:        defaultTTL,
		logger:     logger.With("component", "WebPushSender"),
		httpClient: httpClient,
	}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
func (s *Sender) Send(ctx context.Context, sub push.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub.WebPush(), &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             s.ttl,
		HTTPClient:      s.httpClient,
	})
	if err != nil {
		s.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
		return fmt.Errorf("web push to %s failed: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		s.logger.Debug("WebPush accepted", "endpoint", sub.Endpoint)
		return nil
	case http.StatusGone, http.StatusNotFound:
		return ErrSubscriptionGone
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return fmt.Errorf("web push rejected with status %d: %s", resp.StatusCode, body)
	}
}
