// ABOUTME: Shared test fixtures for the connection package.
// ABOUTME: Fake engine factory/client and a recording conversation processor.

package connection

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weavelink/weave-gateway/internal/conversation"
	"github.com/weavelink/weave-gateway/internal/engine"
	"github.com/weavelink/weave-gateway/internal/metrics"
	"github.com/weavelink/weave-gateway/internal/store"
)

type sentMessage struct {
	To   string
	Text string
}

// fakeClient is a scriptable engine.Client. Tests drive it by calling emit.
type fakeClient struct {
	mu       sync.Mutex
	handlers []engine.EventHandler
	sent     []sentMessage
	onInit   func(c *fakeClient, ctx context.Context) error
	identity engine.Identity

	destroyCount int
	sendErr      error
}

func (c *fakeClient) AddEventHandler(h engine.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	fn := c.onInit
	c.mu.Unlock()
	if fn != nil {
		return fn(c, ctx)
	}
	return nil
}

func (c *fakeClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyCount++
	return nil
}

func (c *fakeClient) SendMessage(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{To: to, Text: text})
	return nil
}

func (c *fakeClient) Identity() engine.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *fakeClient) emit(evt any) {
	c.mu.Lock()
	handlers := append([]engine.EventHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *fakeClient) destroyed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCount
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

// fakeFactory builds fakeClients. onInit and identity are applied to every
// client it constructs; failFrom makes clients numbered >= failFrom (1-based)
// fail initialization.
type fakeFactory struct {
	mu       sync.Mutex
	clients  []*fakeClient
	newErr   error
	onInit   func(c *fakeClient, ctx context.Context) error
	identity engine.Identity
	failFrom int
	initErr  error
}

func (f *fakeFactory) NewClient(cfg engine.ClientConfig) (engine.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &fakeClient{onInit: f.onInit, identity: f.identity}
	n := len(f.clients) + 1
	if f.failFrom > 0 && n >= f.failFrom {
		err := f.initErr
		c.onInit = func(*fakeClient, context.Context) error { return err }
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type processedMessage struct {
	Connection string
	ChatID     string
	Text       string
}

// fakeProcessor records forwarded messages and returns a canned reply.
type fakeProcessor struct {
	mu        sync.Mutex
	reply     string
	err       error
	calls     []processedMessage
	forgotten []string
}

func (p *fakeProcessor) ProcessIncomingMessage(ctx context.Context, msg *engine.Message, connectionName string, sessCtx *conversation.SessionContext) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, processedMessage{Connection: connectionName, ChatID: msg.ChatID, Text: msg.Text})
	return p.reply, p.err
}

func (p *fakeProcessor) ForgetConnection(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, name)
}

func (p *fakeProcessor) processed() []processedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processedMessage(nil), p.calls...)
}

type fixture struct {
	store     *store.MockStore
	factory   *fakeFactory
	processor *fakeProcessor
	registry  *Registry
	mgr       *Manager
	svc       *Service
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	cfg.ReadyTimeout = 200 * time.Millisecond
	cfg.InitTimeout = time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	st := store.NewMockStore()
	factory := &fakeFactory{identity: engine.Identity{User: "15551230000"}}
	proc := &fakeProcessor{reply: "hello from the bot"}
	reg := NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewUnregistered()

	mgr := NewManager(reg, st, factory, proc, cfg, m, logger)
	svc := NewService(mgr, st, reg, m, logger)
	t.Cleanup(mgr.Close)

	return &fixture{
		store:     st,
		factory:   factory,
		processor: proc,
		registry:  reg,
		mgr:       mgr,
		svc:       svc,
	}
}

func (f *fixture) seedProfile(t *testing.T, id, ownerID string, enabled bool) {
	t.Helper()
	err := f.store.CreateBotProfile(context.Background(), &store.BotProfile{
		ID:           id,
		OwnerID:      ownerID,
		Name:         "test bot",
		SystemPrompt: "You are a helpful assistant.",
		Model:        "gpt-4o-mini",
		Enabled:      enabled,
	})
	require.NoError(t, err)
}

func (f *fixture) record(t *testing.T, name, ownerID string) *store.ConnectionRecord {
	t.Helper()
	rec, err := f.store.GetByConnectionName(context.Background(), name, ownerID)
	require.NoError(t, err)
	return rec
}
