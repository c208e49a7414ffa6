// ABOUTME: whatsmeow-backed implementation of the engine.Client contract.
// ABOUTME: Translates transport events into engine events and manages pairing.

package meow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/weavelink/weave-gateway/internal/engine"
)

// Client wraps one whatsmeow client plus its credential container.
type Client struct {
	sessionID string
	wa        *whatsmeow.Client
	container *sqlstore.Container
	logger    *slog.Logger

	mu       sync.Mutex
	handlers []engine.EventHandler

	// ready is closed on the first Connected event; Initialize waits on it
	// when stored credentials exist.
	ready     chan struct{}
	readyOnce sync.Once

	// qrIssued is closed when the first pairing code arrives, which also
	// completes Initialize: the session parks until the user scans.
	qrIssued  chan struct{}
	qrOnce    sync.Once
	closeOnce sync.Once
}

// AddEventHandler registers h for all engine events.
func (c *Client) AddEventHandler(h engine.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) dispatch(evt any) {
	c.mu.Lock()
	handlers := append([]engine.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// Initialize connects to the transport. With stored credentials it blocks
// until the connection is up; without them it starts the pairing flow and
// returns once the first code has been handed to the event handlers. Either
// way a nil return means the caller can leave the rest to events.
func (c *Client) Initialize(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return c.initializeWithPairing(ctx)
	}

	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return engine.ErrInitTimeout
	}
}

func (c *Client) initializeWithPairing(ctx context.Context) error {
	c.qrOnce.Do(func() { c.qrIssued = make(chan struct{}) })

	// The QR channel must be claimed before Connect.
	qrChan, err := c.wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("opening pairing channel: %w", err)
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	go c.watchPairing(qrChan)

	select {
	case <-c.qrIssued:
		return nil
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return engine.ErrInitTimeout
	}
}

// watchPairing forwards pairing codes and outcomes as engine events.
func (c *Client) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.logger.Debug("pairing code issued")
			c.dispatch(engine.PairingCodeEvent{Code: item.Code})
			select {
			case <-c.qrIssued:
			default:
				close(c.qrIssued)
			}
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("pairing completed")
		case whatsmeow.QRChannelTimeout.Event:
			c.dispatch(engine.DisconnectedEvent{Reason: "pairing timed out"})
		case whatsmeow.QRChannelErrUnexpectedEvent.Event:
			c.dispatch(engine.ErrorEvent{Err: item.Error})
		}
	}
}

// translate maps whatsmeow events onto the engine event contract.
func (c *Client) translate(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		c.readyOnce.Do(func() { close(c.ready) })
		c.dispatch(engine.ReadyEvent{})
	case *events.PairSuccess:
		c.dispatch(engine.AuthenticatedEvent{})
	case *events.LoggedOut:
		c.dispatch(engine.AuthFailureEvent{Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.Disconnected:
		c.dispatch(engine.DisconnectedEvent{Reason: "transport disconnected"})
	case *events.StreamReplaced:
		c.dispatch(engine.DisconnectedEvent{Reason: "stream replaced by another device"})
	case *events.ConnectFailure:
		c.dispatch(engine.DisconnectedEvent{Reason: fmt.Sprintf("connect failure: %v", v.Reason)})
	case *events.TemporaryBan:
		c.dispatch(engine.AuthFailureEvent{Reason: fmt.Sprintf("temporary ban: %v", v.Code)})
	case *events.StreamError:
		c.dispatch(engine.ErrorEvent{Err: fmt.Errorf("stream error: %s", v.Code)})
	case *events.KeepAliveTimeout:
		c.dispatch(engine.StateChangeEvent{State: "keepalive_timeout"})
	case *events.KeepAliveRestored:
		c.dispatch(engine.StateChangeEvent{State: "keepalive_restored"})
	case *events.Message:
		if msg := convertMessage(v); msg != nil {
			c.dispatch(engine.MessageEvent{Message: msg})
		}
	}
}

// convertMessage flattens the transport message into the engine contract.
// Non-text payloads without a caption yield nil and are skipped upstream.
func convertMessage(v *events.Message) *engine.Message {
	text := extractText(v)
	return &engine.Message{
		ID:        string(v.Info.ID),
		ChatID:    v.Info.Chat.String(),
		Sender:    v.Info.Sender.User,
		Text:      text,
		FromMe:    v.Info.IsFromMe,
		IsGroup:   v.Info.IsGroup,
		Timestamp: v.Info.Timestamp,
	}
}

func extractText(v *events.Message) string {
	msg := v.Message
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if t := msg.GetExtendedTextMessage().GetText(); t != "" {
		return t
	}
	if t := msg.GetImageMessage().GetCaption(); t != "" {
		return t
	}
	if t := msg.GetVideoMessage().GetCaption(); t != "" {
		return t
	}
	return ""
}

// SendMessage delivers text to a chat. The recipient may be a bare number or
// a fully qualified JID.
func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	jid, err := toJID(to)
	if err != nil {
		return err
	}
	_, err = c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func toJID(to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		return jid, nil
	}
	if to == "" {
		return types.EmptyJID, fmt.Errorf("empty recipient")
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

// Identity returns the authenticated account, or the zero value before auth.
func (c *Client) Identity() engine.Identity {
	id := c.wa.Store.ID
	if id == nil {
		return engine.Identity{}
	}
	return engine.Identity{
		User:   id.User,
		Device: fmt.Sprintf("%d", id.Device),
	}
}

// Destroy disconnects and releases the credential container. It never logs
// the device out: stored credentials must survive so the connection can come
// back without re-pairing.
func (c *Client) Destroy(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.wa.Disconnect()
		err = c.container.Close()
	})
	if err != nil {
		return fmt.Errorf("closing credential store: %w", err)
	}
	return nil
}
