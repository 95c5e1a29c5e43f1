// Command pushsend delivers one Web Push message to a subscription, or prints a
// fresh VAPID key pair.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/caarlos0/env/v9"

	"github.com/tinywideclouds/go-push-bridge/internal/platform/web"
	"github.com/tinywideclouds/go-push-bridge/internal/worker"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

type sendConfig struct {
	PublicKey  string        `env:"VAPID_PUBLIC_KEY,required"`
	PrivateKey string        `env:"VAPID_PRIVATE_KEY,required"`
	Subscriber string        `env:"VAPID_SUB_EMAIL" envDefault:"ops@example.com"`
	Timeout    time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`
}

func main() {
	genKeys := flag.Bool("genkeys", false, "print a new VAPID key pair and exit")
	subPath := flag.String("sub", "-", "file holding the subscription or onPushChange status JSON (- for stdin)")
	body := flag.String("body", "", "notification body")
	url := flag.String("url", "/", "page the notification opens")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("service", "pushsend")

	if *genKeys {
		if err := printKeys(os.Stdout); err != nil {
			logger.Error("Key generation failed", "err", err)
			os.Exit(1)
		}
		return
	}

	var cfg sendConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	sub, err := readSubscription(*subPath)
	if err != nil {
		logger.Error("Failed to read subscription", "err", err)
		os.Exit(1)
	}

	payload, err := json.Marshal(worker.PushPayload{Body: *body, URL: *url})
	if err != nil {
		logger.Error("Failed to encode payload", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	sender := web.NewSender(config.VapidConfig{
		PublicKey:       cfg.PublicKey,
		PrivateKey:      cfg.PrivateKey,
		SubscriberEmail: cfg.Subscriber,
	}, nil, logger)
	if err := sender.Send(ctx, sub, payload); err != nil {
		if errors.Is(err, web.ErrSubscriptionGone) {
			logger.Warn("Subscription is gone; the client must subscribe again", "endpoint", sub.Endpoint)
			os.Exit(2)
		}
		logger.Error("Send failed", "err", err)
		os.Exit(1)
	}
	logger.Info("Sent", "endpoint", sub.Endpoint)
}

func printKeys(w io.Writer) error {
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
	return err
}

// readSubscription accepts either a bare subscription or a subscribed status.
func readSubscription(path string) (push.Subscription, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return push.Subscription{}, err
	}

	var probe struct {
		Status *push.StatusCode `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return push.Subscription{}, fmt.Errorf("invalid json: %w", err)
	}
	if probe.Status != nil {
		var status push.Status
		if err := json.Unmarshal(data, &status); err != nil {
			return push.Subscription{}, err
		}
		if !status.IsSubscribed() {
			return push.Subscription{}, fmt.Errorf("status %s carries no subscription", status)
		}
		return *status.Subscription, nil
	}

	var sub push.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return push.Subscription{}, err
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return push.Subscription{}, errors.New("incomplete subscription object")
	}
	return sub, nil
}
