package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	memoryarchive "github.com/JakeFAU/insta-saver/internal/archive/memory"
	"github.com/JakeFAU/insta-saver/internal/config"
	"github.com/JakeFAU/insta-saver/internal/content"
	"github.com/JakeFAU/insta-saver/internal/events"
	memoryevents "github.com/JakeFAU/insta-saver/internal/events/memory"
	memoryqueue "github.com/JakeFAU/insta-saver/internal/queue/memory"
	"github.com/JakeFAU/insta-saver/internal/storage/memory"
)

type fakeTelegram struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	updates chan tgbotapi.Update
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeTelegram) SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cfg)
	return nil, nil
}

func (f *fakeTelegram) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeTelegram) StopReceivingUpdates() {}

func (f *fakeTelegram) photos() []tgbotapi.PhotoConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.PhotoConfig
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

type imageScraper struct{}

func (imageScraper) Scrape(_ context.Context, url string) (content.MediaResult, error) {
	return content.MediaResult{
		MediaType: content.MediaImage,
		SourceURL: url,
		Items:     []content.MediaItem{{Kind: content.KindImage, URL: "https://cdn.example/img.jpg"}},
	}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = freePort(t)
	cfg.Worker.Concurrency = 2
	cfg.Worker.DeliveryDelayMs = 0
	cfg.Storage.Provider = "memory"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestConnectFailsWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.URL = ""

	_, err := Connect(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "connect record store")
}

func TestConnectFailsWithoutQueueBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = ""

	_, err := Connect(context.Background(), cfg, zap.NewNop(), WithStore(memory.NewRequestStore()))
	require.ErrorContains(t, err, "connect queue")
}

func TestConnectDialsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	a, err := Connect(context.Background(), cfg, zap.NewNop(), WithStore(memory.NewRequestStore()))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.queue.Ping(context.Background()))
	require.NotNil(t, a.Reconciler())
}

func TestServeRebuildsQueueAndDeliversSubmittedLinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Enabled = true
	store := memory.NewRequestStore()
	queue := memoryqueue.NewQueue()
	tg := newFakeTelegram()
	publisher := memoryevents.New()
	blobs := memoryarchive.NewBlobStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A record left over from a previous process and a stale queue job for a
	// record that no longer exists.
	now := time.Now().UTC()
	require.NoError(t, store.CreateRequest(ctx, content.ContentRequest{
		ID: "leftover", ChatID: 7, MessageID: 1, ShortCode: "old",
		RequestURL: "https://www.instagram.com/p/old/", Status: content.StatusPending,
		RequestedAt: now, UpdatedAt: now,
	}))
	_, err := queue.Enqueue(ctx, content.Job{RequestID: "ghost"})
	require.NoError(t, err)

	a, err := Connect(ctx, cfg, zap.NewNop(),
		WithStore(store), WithQueue(queue), WithTelegram(tg),
		WithScraper(imageScraper{}), WithPublisher(publisher), WithBlobStore(blobs))
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	link := "https://www.instagram.com/p/fresh/"
	tg.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 99,
		From:      &tgbotapi.User{UserName: "neo", FirstName: "Thomas"},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      link,
		Entities:  []tgbotapi.MessageEntity{{Type: "url", Length: len(link)}},
	}}

	require.Eventually(t, func() bool {
		return len(tg.photos()) == 2 && store.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	snapshot, err := a.aggregator.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.TotalRequests)
	assert.Equal(t, int64(2), snapshot.ImageCount)
	assert.Len(t, publisher.Topic(events.TypeCompleted), 2)
	assert.Len(t, blobs.Paths(), 2)

	replies := map[int64]int{}
	for _, p := range tg.photos() {
		replies[p.ChatID] = p.ReplyToMessageID
	}
	assert.Equal(t, map[int64]int{7: 1, 42: 99}, replies)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeFailsWithoutTelegramToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Token = ""

	a, err := Connect(context.Background(), cfg, zap.NewNop(),
		WithStore(memory.NewRequestStore()), WithQueue(memoryqueue.NewQueue()))
	require.NoError(t, err)
	defer a.Close()

	err = a.Serve(context.Background())
	require.ErrorContains(t, err, "telegram.token is required")
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	var order []int
	a := &App{logger: zap.NewNop()}
	a.closers = []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return errors.New("ignored") },
	}
	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}

// unreachableDrainQueue fails the startup drain the way a flaky broker does.
type unreachableDrainQueue struct {
	*memoryqueue.Queue
}

func (unreachableDrainQueue) Drain(context.Context) error {
	return errors.New("redis: i/o timeout")
}

func TestServeSurvivesFailedStartupReconciliation(t *testing.T) {
	cfg := testConfig(t)
	store := memory.NewRequestStore()
	tg := newFakeTelegram()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now().UTC()
	require.NoError(t, store.CreateRequest(ctx, content.ContentRequest{
		ID: "leftover", ChatID: 7, MessageID: 1, ShortCode: "old",
		RequestURL: "https://www.instagram.com/p/old/", Status: content.StatusPending,
		RequestedAt: now, UpdatedAt: now,
	}))

	a, err := Connect(ctx, cfg, zap.NewNop(),
		WithStore(store), WithQueue(unreachableDrainQueue{Queue: memoryqueue.NewQueue()}),
		WithTelegram(tg), WithScraper(imageScraper{}))
	require.NoError(t, err)
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return len(tg.photos()) == 1 && store.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
