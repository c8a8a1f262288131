// Package whatsapp connects CollectPipe directly to WhatsApp through whatsmeow.
//
// It is an alternative to the Twilio gateway: outbound messages go through
// SendMessage and inbound text messages are handed to a registered handler.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/CollectPipe/internal/store"
)

// JIDSuffix is the WhatsApp JID server for regular users.
const JIDSuffix = types.DefaultUserServer

// InboundHandler receives one inbound text message. from is the sender's
// phone number, messageID the WhatsApp message ID.
type InboundHandler func(ctx context.Context, from, body, messageID string)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the login code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps a connected whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	inbound  InboundHandler
	ctx      context.Context
}

// driverForDSN picks the database/sql driver for the device store and reports
// whether a SQLite DSN lacks the foreign key pragma whatsmeow expects.
func driverForDSN(dsn string) (driver string, missingForeignKeys bool) {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", false
	}
	return "sqlite3", !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in (showing a QR code on first run)
// and connects. ctx bounds inbound handler calls for the client's lifetime.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp device store DSN not set")
	}

	driver, missingFK := driverForDSN(cfg.DBDSN)
	if missingFK {
		slog.Warn("WhatsApp device store DSN does not enable foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	c := &Client{
		waClient: whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true)),
		ctx:      ctx,
	}
	c.waClient.AddEventHandler(c.handleEvent)

	if c.waClient.Store.ID == nil {
		if err := c.login(cfg); err != nil {
			return nil, err
		}
	} else if err := c.waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return c, nil
}

func (c *Client) login(cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := c.waClient.GetQRChannel(c.ctx)
	if err := c.waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// OnInbound registers the handler for inbound text messages.
func (c *Client) OnInbound(h InboundHandler) {
	c.inbound = h
}

func (c *Client) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok || c.inbound == nil {
		return
	}
	if msg.Info.IsFromMe || msg.Info.IsGroup {
		return
	}
	body := extractText(msg.Message)
	if body == "" {
		slog.Debug("Client.handleEvent: ignoring non-text message", "id", msg.Info.ID)
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.inbound(ctx, msg.Info.Sender.User, body, msg.Info.ID)
}

func extractText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if text := m.GetConversation(); text != "" {
		return text
	}
	return m.GetExtendedTextMessage().GetText()
}

// SendMessage sends body to the digits-only number to and returns the WhatsApp message ID.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "id", resp.ID)
	return resp.ID, nil
}

// Close disconnects from WhatsApp.
func (c *Client) Close() error {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
	return nil
}
