// ABOUTME: Factory building whatsmeow-backed engine clients.
// ABOUTME: Each connection gets its own sqlite credential store under the state dir.

package meow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"google.golang.org/protobuf/proto"

	"github.com/weavelink/weave-gateway/internal/engine"
)

// Factory builds Clients backed by whatsmeow. It implements engine.Factory.
type Factory struct {
	logger *slog.Logger

	propsOnce sync.Once
}

// NewFactory returns a factory logging through logger.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger.With("component", "meow")}
}

// NewClient opens (or creates) the session's credential store and constructs
// an unconnected client. Credentials survive across clients with the same
// SessionID, which is what lets reconnects skip re-pairing.
func (f *Factory) NewClient(cfg engine.ClientConfig) (engine.Client, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	// The session id becomes a file name under the state dir; refuse anything
	// that would resolve outside it.
	if cfg.SessionID != filepath.Base(cfg.SessionID) || cfg.SessionID == "." || cfg.SessionID == ".." {
		return nil, fmt.Errorf("session id %q is not a valid file name", cfg.SessionID)
	}

	f.propsOnce.Do(func() {
		if cfg.DeviceName != "" {
			store.DeviceProps.Os = proto.String(cfg.DeviceName)
		}
	})

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	ctx := context.Background()
	dbPath := filepath.Join(cfg.StateDir, cfg.SessionID+".db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", dbPath)

	waLogger := newLogAdapter(f.logger.With("connection", cfg.SessionID))
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLogger)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("loading device: %w", err)
	}

	wa := whatsmeow.NewClient(device, waLogger)

	c := &Client{
		sessionID: cfg.SessionID,
		wa:        wa,
		container: container,
		logger:    f.logger.With("connection", cfg.SessionID),
		ready:     make(chan struct{}),
	}
	wa.AddEventHandler(c.translate)
	return c, nil
}
