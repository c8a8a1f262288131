package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/CollectPipe/internal/genai"
	"github.com/BTreeMap/CollectPipe/internal/messaging"
	"github.com/BTreeMap/CollectPipe/internal/store"
	"github.com/BTreeMap/CollectPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CollectPipe/internal/whatsapp"
)

// openStore opens the configured backend, creating the SQLite directory if needed.
func openStore(cfg Config) (store.Store, error) {
	if cfg.DSN != "" && store.DetectDSNType(cfg.DSN) == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	slog.Debug("openStore: store ready", "type", dsnKind(cfg.DSN))
	return st, nil
}

// withStore opens the store for the duration of fn.
func withStore(cfg Config, fn func(st store.Store) error) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("withStore: close failed", "error", err)
		}
	}()
	return fn(st)
}

// newLLM builds the chat-completion client.
func newLLM(cfg Config) (*genai.Client, error) {
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create OpenAI client: %w", err)
	}
	return client, nil
}

// gatewayHandle is a built gateway plus the whatsmeow client when that
// provider is selected.
type gatewayHandle struct {
	gateway  messaging.Gateway
	whatsApp *whatsapp.Client
}

func (h *gatewayHandle) Close() error {
	if h.whatsApp != nil {
		return h.whatsApp.Close()
	}
	return nil
}

// newGateway builds the outbound gateway for cfg.Provider.
func newGateway(ctx context.Context, cfg Config) (*gatewayHandle, error) {
	switch cfg.Provider {
	case "", "twilio":
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("create Twilio client: %w", err)
		}
		return &gatewayHandle{gateway: messaging.NewGateway(client, "twilio")}, nil
	case "whatsapp":
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		if store.DetectDSNType(cfg.WhatsAppDSN) == "sqlite3" {
			if err := os.MkdirAll(filepath.Dir(cfg.WhatsAppDSN), 0o755); err != nil {
				return nil, fmt.Errorf("create whatsapp session directory: %w", err)
			}
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create WhatsApp client: %w", err)
		}
		return &gatewayHandle{gateway: messaging.NewGateway(client, "whatsapp"), whatsApp: client}, nil
	case "mock":
		slog.Warn("newGateway: using mock provider, messages are not delivered")
		return &gatewayHandle{gateway: messaging.NewGateway(twiliowhatsapp.NewMockClient(), "mock")}, nil
	default:
		return nil, errors.New("unknown messaging provider " + cfg.Provider)
	}
}
