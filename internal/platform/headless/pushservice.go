package headless

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinywideclouds/go-push-bridge/internal/worker"
	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrUnknownSubscription = errors.New("headless: no such subscription")
	ErrMalformedMessage    = errors.New("headless: malformed push message")
)

// Receiver is the service worker's push handler.
type Receiver interface {
	HandlePush(ctx context.Context, data []byte) error
}

// PushService accepts aes128gcm encrypted messages (RFC 8291) addressed to the
// stored subscription and hands the plaintext to the worker.
type PushService struct {
	store    platform.Storage
	receiver Receiver
	logger   *slog.Logger
}

func NewPushService(store platform.Storage, receiver Receiver, logger *slog.Logger) *PushService {
	return &PushService{
		store:    store,
		receiver: receiver,
		logger:   logger.With("component", "HeadlessPushService"),
	}
}

func (p *PushService) Deliver(ctx context.Context, id string, body []byte) error {
	rec, err := loadRecord(ctx, p.store)
	if err != nil {
		return err
	}
	if rec == nil || rec.ID != id {
		return ErrUnknownSubscription
	}

	plaintext, err := decrypt(rec, body)
	if err != nil {
		return err
	}
	p.logger.Debug("Push message decrypted", "id", id, "bytes", len(plaintext))
	if err := p.receiver.HandlePush(ctx, plaintext); err != nil {
		if errors.Is(err, worker.ErrInvalidPayload) {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return err
	}
	return nil
}

const headerLen = 16 + 4 + 1

func decrypt(rec *record, body []byte) ([]byte, error) {
	if len(body) < headerLen {
		return nil, fmt.Errorf("%w: short header", ErrMalformedMessage)
	}
	salt := body[:16]
	rs := binary.BigEndian.Uint32(body[16:20])
	idLen := int(body[20])
	if rs < 18 || len(body) < headerLen+idLen {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedMessage)
	}
	senderPublic := body[headerLen : headerLen+idLen]
	ciphertext := body[headerLen+idLen:]
	if len(ciphertext) > int(rs) {
		return nil, fmt.Errorf("%w: multiple records are not supported", ErrMalformedMessage)
	}

	privBytes, err := b64.DecodeString(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("corrupt subscription key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(privBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt subscription key: %w", err)
	}
	auth, err := b64.DecodeString(rec.Subscription.Keys.Auth)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth secret: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(senderPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: bad sender key: %v", ErrMalformedMessage, err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement failed: %v", ErrMalformedMessage, err)
	}

	keyInfo := append([]byte("WebPush: info\x00"), priv.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, senderPublic...)
	ikm, err := derive(shared, auth, keyInfo, 32)
	if err != nil {
		return nil, err
	}
	cek, err := derive(ikm, salt, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, err
	}
	nonce, err := derive(ikm, salt, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	padded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	// Last record: data, 0x02 delimiter, zero padding.
	i := len(padded) - 1
	for i >= 0 && padded[i] == 0 {
		i--
	}
	if i < 0 || padded[i] != 0x02 {
		return nil, fmt.Errorf("%w: missing padding delimiter", ErrMalformedMessage)
	}
	return padded[:i], nil
}

func derive(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}
