package alerts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswatch/alert-engine/internal/channel"
	"github.com/newswatch/alert-engine/internal/platform/config"
	"github.com/newswatch/alert-engine/internal/platform/observability"
	db "github.com/newswatch/alert-engine/internal/storage"
)

type fakeDeliveryRow struct {
	row         db.Delivery
	createdAt   time.Time
	deliveredAt time.Time
	nextAttempt time.Time
	lastError   string
}

// fakeStore is an in-memory Store with just enough semantics for cycle
// tests: unique delivery rows, dedupe key lookback, cursor high watermark.
type fakeStore struct {
	lockBusy bool

	alerts    []db.Alert
	articles  []db.Article
	missing   map[string]bool
	prefs     map[string]db.Prefs
	cursors   map[string]time.Time
	searchErr map[string]error

	deliveries map[string]*fakeDeliveryRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		missing:    map[string]bool{},
		prefs:      map[string]db.Prefs{},
		cursors:    map[string]time.Time{},
		searchErr:  map[string]error{},
		deliveries: map[string]*fakeDeliveryRow{},
	}
}

func deliveryKey(alertID, articleID, channelName string) string {
	return alertID + "|" + articleID + "|" + channelName
}

func (s *fakeStore) TryAcquireAdvisoryLock(context.Context, int64) (*db.CycleLock, error) {
	if s.lockBusy {
		return nil, nil
	}

	return &db.CycleLock{}, nil
}

func (s *fakeStore) ActiveAlerts(context.Context) ([]db.Alert, error) {
	return s.alerts, nil
}

func (s *fakeStore) GetCursor(_ context.Context, alertID string) (time.Time, bool, error) {
	ts, ok := s.cursors[alertID]

	return ts, ok, nil
}

func (s *fakeStore) AdvanceCursor(_ context.Context, alertID string, ts time.Time) error {
	if current, ok := s.cursors[alertID]; !ok || ts.After(current) {
		s.cursors[alertID] = ts
	}

	return nil
}

func (s *fakeStore) SearchCandidates(_ context.Context, f db.SearchFilter) ([]db.Article, error) {
	if err := s.searchErr[f.Query]; err != nil {
		return nil, err
	}

	var out []db.Article

	for _, a := range s.articles {
		if !f.StartTS.IsZero() && a.TS.Before(f.StartTS) {
			continue
		}

		if f.Query != "" && !strings.Contains(strings.ToLower(a.Title), strings.ToLower(f.Query)) {
			continue
		}

		if f.Category != "" && a.Category != f.Category {
			continue
		}

		out = append(out, a)
	}

	return out, nil
}

func (s *fakeStore) ArticleByID(_ context.Context, id string) (db.Article, bool, error) {
	if s.missing[id] {
		return db.Article{}, false, nil
	}

	for _, a := range s.articles {
		if a.ID == id {
			return a, true, nil
		}
	}

	return db.Article{}, false, nil
}

func (s *fakeStore) GetUserPrefs(_ context.Context, userID string) (db.Prefs, bool, error) {
	if p, ok := s.prefs[userID]; ok {
		return p, true, nil
	}

	return db.DefaultPrefs(), false, nil
}

func (s *fakeStore) RecentDedupeKeys(_ context.Context, userID, channelName string, keys []string, window time.Duration) (map[string]struct{}, error) {
	recent := map[string]struct{}{}
	cutoff := time.Now().Add(-window)

	for _, row := range s.deliveries {
		if row.row.UserID != userID || row.row.Channel != channelName {
			continue
		}

		if row.createdAt.Before(cutoff) {
			continue
		}

		for _, key := range keys {
			if row.row.DedupeKey == key {
				recent[key] = struct{}{}
			}
		}
	}

	return recent, nil
}

func (s *fakeStore) InsertPendingBatch(_ context.Context, batch []db.PendingDelivery) ([]db.PendingDelivery, int, error) {
	var (
		inserted   []db.PendingDelivery
		duplicates int
	)

	for _, p := range batch {
		key := deliveryKey(p.AlertID, p.ArticleID, p.Channel)
		if _, exists := s.deliveries[key]; exists {
			duplicates++

			continue
		}

		s.deliveries[key] = &fakeDeliveryRow{
			row: db.Delivery{
				AlertID:   p.AlertID,
				UserID:    p.UserID,
				ArticleID: p.ArticleID,
				Channel:   p.Channel,
				DedupeKey: p.DedupeKey,
				Priority:  p.Priority,
				Status:    db.StatusPending,
			},
			createdAt: time.Now(),
		}
		inserted = append(inserted, p)
	}

	return inserted, duplicates, nil
}

func (s *fakeStore) DueDeliveries(_ context.Context, alertID, channelName string, maxAttempts, _ int) ([]db.Delivery, error) {
	var due []db.Delivery

	for _, row := range s.deliveries {
		d := row.row
		if d.AlertID != alertID || d.Channel != channelName {
			continue
		}

		if d.Status != db.StatusPending && d.Status != db.StatusFailed {
			continue
		}

		if d.AttemptCount >= maxAttempts || row.nextAttempt.After(time.Now()) {
			continue
		}

		d.Target = s.targetFor(alertID)
		due = append(due, d)
	}

	return due, nil
}

func (s *fakeStore) targetFor(alertID string) string {
	for _, a := range s.alerts {
		if a.ID == alertID {
			return a.Target
		}
	}

	return ""
}

func (s *fakeStore) MarkDeliverySent(_ context.Context, d db.Delivery) error {
	row := s.deliveries[deliveryKey(d.AlertID, d.ArticleID, d.Channel)]
	row.row.Status = db.StatusSent
	row.row.AttemptCount++
	row.deliveredAt = time.Now()

	return nil
}

func (s *fakeStore) MarkDeliveryFailed(_ context.Context, d db.Delivery, sendErr string, nextAttemptAt time.Time) (int, error) {
	row := s.deliveries[deliveryKey(d.AlertID, d.ArticleID, d.Channel)]
	row.row.Status = db.StatusFailed
	row.row.AttemptCount++
	row.lastError = sendErr
	row.nextAttempt = nextAttemptAt

	return row.row.AttemptCount, nil
}

func (s *fakeStore) LastDigestSentAt(_ context.Context, userID, channelName string) (time.Time, error) {
	var last time.Time

	for _, row := range s.deliveries {
		if row.row.UserID == userID && row.row.Channel == channelName &&
			row.row.Status == db.StatusSent && row.deliveredAt.After(last) {
			last = row.deliveredAt
		}
	}

	return last, nil
}

func (s *fakeStore) Backlog(_ context.Context, maxAttempts int) (db.BacklogStats, error) {
	var stats db.BacklogStats

	for _, row := range s.deliveries {
		d := row.row
		if d.Status == db.StatusFailed && d.AttemptCount >= maxAttempts {
			stats.GivenUp++

			continue
		}

		if d.Status == db.StatusPending || d.Status == db.StatusFailed {
			stats.Pending++

			if !row.nextAttempt.After(time.Now()) {
				stats.PendingDue++
			}
		}
	}

	return stats, nil
}

type fakeSender struct {
	sent []channel.Message
	errs map[string]error
}

func (f *fakeSender) Send(_ context.Context, channelName string, msg channel.Message) error {
	if err := f.errs[channelName]; err != nil {
		return err
	}

	f.sent = append(f.sent, msg)

	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	return &config.Config{
		PollInterval:       5 * time.Minute,
		CursorOverlap:      24 * time.Hour,
		MaxAttempts:        5,
		RetryBase:          time.Minute,
		RetryMax:           time.Hour,
		DedupeWindow:       6 * time.Hour,
		MaxPerUser:         25,
		MaxItemsPerEmail:   50,
		PriorityCategories: []string{"security"},
		AdvisoryLockKey:    743829113,
		BacklogWarnCount:   200,
		BacklogWarnAge:     time.Hour,
		StaleWarn:          15 * time.Minute,
		StaleCooldown:      time.Hour,
		GiveUpCooldown:     time.Hour,
		BacklogCooldown:    30 * time.Minute,
		HeartbeatFile:      filepath.Join(dir, "last_ok"),
		NotifyStateFile:    filepath.Join(dir, "notify_state.json"),
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, store *fakeStore, sender *fakeSender, pager *fakePager) *Engine {
	t.Helper()

	logger := zerolog.Nop()
	notifier := NewNotifier(NotifierConfig{
		StatePath:       cfg.NotifyStateFile,
		StaleCooldown:   cfg.StaleCooldown,
		BacklogCooldown: cfg.BacklogCooldown,
		GiveUpCooldown:  cfg.GiveUpCooldown,
	}, pager, &logger)

	return NewEngine(cfg, store, sender, notifier, &logger)
}

func immediateEmailAlert(alertID, userID string) db.Alert {
	return db.Alert{
		ID:      alertID,
		UserID:  userID,
		Channel: "email",
		Target:  userID + "@example.com",
		Name:    "Kubernetes CVEs",
		Query:   "kubernetes",
		Days:    7,
	}
}

func article(id, title, source string, ts time.Time) db.Article {
	return db.Article{
		ID:         id,
		Title:      title,
		URL:        "https://example.com/" + id,
		SourceName: source,
		TS:         ts,
	}
}

func TestRunCycleQueuesAndSendsImmediately(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	// Query match classifies P0, which defaults to immediate sending.
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Subject, "[P0]")
	assert.Equal(t, "u1@example.com", sender.sent[0].Target)

	row := store.deliveries[deliveryKey("a1", "art1", "email")]
	require.NotNil(t, row)
	assert.Equal(t, db.StatusSent, row.row.Status)

	// Cursor advanced to the candidate's timestamp.
	cursor, ok := store.cursors["a1"]
	require.True(t, ok)
	assert.WithinDuration(t, store.articles[0].TS, cursor, time.Second)

	// Heartbeat written after the successful cycle.
	_, ok, err := engine.heartbeat.Last()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCycleLockBusySkipsEverything(t *testing.T) {
	store := newFakeStore()
	store.lockBusy = true
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Empty(t, sender.sent)
	assert.Empty(t, store.deliveries)
	assert.Empty(t, store.cursors)

	_, ok, err := engine.heartbeat.Last()
	require.NoError(t, err)
	assert.False(t, ok, "skipped cycle must not claim liveness")
}

func TestRunCycleDedupeWindowSuppressesSecondAlert(t *testing.T) {
	// Two alerts for the same user matching the same story: only the first
	// queues, the second sees the key in the window.
	second := immediateEmailAlert("a2", "u1")

	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1"), second}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	require.Len(t, store.deliveries, 1)
	assert.NotNil(t, store.deliveries[deliveryKey("a1", "art1", "email")])
	assert.Len(t, sender.sent, 1)
}

func TestRunCycleRerunDoesNotDoubleSend(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))
	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Len(t, sender.sent, 1, "overlap re-scan must not re-deliver")
}

func TestRunCycleRetryThenGiveUpExactlyOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxAttempts = 2

	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{errs: map[string]error{"email": errors.New("smtp: connection refused")}}
	pager := &fakePager{}
	engine := newTestEngine(t, cfg, store, sender, pager)

	// First cycle: attempt 1 fails, retry scheduled in the future.
	require.NoError(t, engine.RunCycle(context.Background()))

	row := store.deliveries[deliveryKey("a1", "art1", "email")]
	require.NotNil(t, row)
	assert.Equal(t, db.StatusFailed, row.row.Status)
	assert.Equal(t, 1, row.row.AttemptCount)
	assert.True(t, row.nextAttempt.After(time.Now()), "backoff must schedule the retry later")
	assert.Empty(t, pager.pages)

	// Force the retry due and fail it: the give-up boundary is crossed.
	row.nextAttempt = time.Now().Add(-time.Second)
	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Equal(t, 2, row.row.AttemptCount)
	require.Len(t, pager.pages, 1)
	assert.Contains(t, pager.pages[0], "gave up")

	// Further cycles leave the dead letter alone.
	require.NoError(t, engine.RunCycle(context.Background()))
	assert.Equal(t, 2, row.row.AttemptCount)
	assert.Len(t, pager.pages, 1)
}

func TestRunCycleDigestHeldUntilScheduleFires(t *testing.T) {
	// No query: the article classifies P2, which is a digest priority.
	alert := immediateEmailAlert("a1", "u1")
	alert.Query = ""

	store := newFakeStore()
	store.alerts = []db.Alert{alert}
	store.articles = []db.Article{
		article("art1", "Quiet infra news", "Reuters", time.Now().Add(-time.Hour)),
	}

	// A digest already went out moments ago, so the daily schedule has not
	// fired again yet.
	store.deliveries[deliveryKey("a0", "art0", "email")] = &fakeDeliveryRow{
		row: db.Delivery{
			AlertID: "a0", UserID: "u1", ArticleID: "art0", Channel: "email",
			DedupeKey: "old", Priority: db.PriorityP2, Status: db.StatusSent,
		},
		createdAt:   time.Now().Add(-time.Minute),
		deliveredAt: time.Now().Add(-time.Minute),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Empty(t, sender.sent, "digest priorities wait for the schedule")

	row := store.deliveries[deliveryKey("a1", "art1", "email")]
	require.NotNil(t, row, "the row still queues while the digest waits")
	assert.Equal(t, db.StatusPending, row.row.Status)
}

func TestRunCycleFirstDigestSendsImmediately(t *testing.T) {
	alert := immediateEmailAlert("a1", "u1")
	alert.Query = ""

	store := newFakeStore()
	store.alerts = []db.Alert{alert}
	store.articles = []db.Article{
		article("art1", "Quiet infra news", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Len(t, sender.sent, 1, "a user with no digest history gets one on the first cycle")
}

func TestRunCycleChannelDisabledByPrefs(t *testing.T) {
	alert := immediateEmailAlert("a1", "u1")
	alert.Channel = "telegram"
	alert.Target = "12345"

	store := newFakeStore()
	store.alerts = []db.Alert{alert}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}
	// Default prefs enable email only.

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Empty(t, store.deliveries, "disabled channel queues nothing")
	assert.Empty(t, sender.sent)
}

func countStatus(store *fakeStore, status string) int {
	var n int

	for _, row := range store.deliveries {
		if row.row.Status == status {
			n++
		}
	}

	return n
}

func TestRunCyclePerUserBudgetDefersSends(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPerUser = 3

	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("art%d", i)
		store.articles = append(store.articles, article(
			id, fmt.Sprintf("Kubernetes story %d", i), "Reuters",
			time.Now().Add(-time.Duration(10-i)*time.Minute),
		))
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, cfg, store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	// Every candidate is queued; the budget only caps send attempts.
	assert.Len(t, store.deliveries, 10, "budget must not drop candidates from the queue")
	assert.Equal(t, 3, countStatus(store, db.StatusSent))
}

func TestRunCyclePerUserBudgetNeverLosesCandidates(t *testing.T) {
	// Candidates spread far apart with a tiny overlap: if the budget could
	// hold back queueing while the cursor advanced past it, the older
	// stories would be gone for good. They must all drain instead.
	cfg := testConfig(t)
	cfg.MaxPerUser = 3
	cfg.CursorOverlap = time.Minute

	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("art%d", i)
		store.articles = append(store.articles, article(
			id, fmt.Sprintf("Kubernetes story %d", i), "Reuters",
			time.Now().Add(-time.Duration(10-i)*time.Hour),
		))
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, cfg, store, sender, &fakePager{})

	for i := 0; i < 4; i++ {
		require.NoError(t, engine.RunCycle(context.Background()))
	}

	assert.Equal(t, 10, countStatus(store, db.StatusSent), "deferred rows drain on later cycles")
	assert.Equal(t, 0, countStatus(store, db.StatusPending))
}

func TestRunCyclePerUserBudgetSpansAlerts(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPerUser = 1

	second := immediateEmailAlert("a2", "u1")
	second.Query = "postgres"

	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1"), second}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
		article("art2", "Postgres CVE found", "AP", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, cfg, store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	// Both alerts queue, but one user's budget spans both: the second
	// alert's delivery waits for the next cycle.
	assert.Len(t, store.deliveries, 2)
	assert.Equal(t, 1, countStatus(store, db.StatusSent))
	assert.Equal(t, 1, countStatus(store, db.StatusPending))

	require.NoError(t, engine.RunCycle(context.Background()))
	assert.Equal(t, 2, countStatus(store, db.StatusSent))
}

func TestRunCycleConflictNoOpsNotCountedAsQueued(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	// The row already exists from a prior run, old enough to fall outside
	// the dedupe window: the scan re-accepts the candidate and the insert
	// resolves to a conflict no-op.
	store.deliveries[deliveryKey("a1", "art1", "email")] = &fakeDeliveryRow{
		row: db.Delivery{
			AlertID: "a1", UserID: "u1", ArticleID: "art1", Channel: "email",
			DedupeKey: "https://example.com/art1", Priority: db.PriorityP0,
			Status: db.StatusSent, AttemptCount: 1,
		},
		createdAt:   time.Now().Add(-10 * time.Hour),
		deliveredAt: time.Now().Add(-10 * time.Hour),
	}

	before := testutil.ToFloat64(observability.DeliveriesQueued.WithLabelValues(db.PriorityP0))

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()))

	after := testutil.ToFloat64(observability.DeliveriesQueued.WithLabelValues(db.PriorityP0))
	assert.Equal(t, before, after, "conflict no-ops must not count as queued work")
	assert.Len(t, store.deliveries, 1)
	assert.Empty(t, sender.sent)
}

func TestRunCycleHealthLineTimingSplit(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	cfg := testConfig(t)

	var logs bytes.Buffer

	logger := zerolog.New(&logs)
	notifier := NewNotifier(NotifierConfig{
		StatePath:       cfg.NotifyStateFile,
		StaleCooldown:   cfg.StaleCooldown,
		BacklogCooldown: cfg.BacklogCooldown,
		GiveUpCooldown:  cfg.GiveUpCooldown,
	}, &fakePager{}, &logger)
	engine := NewEngine(cfg, store, &fakeSender{}, notifier, &logger)

	require.NoError(t, engine.RunCycle(context.Background()))

	var health string

	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "alerts health") {
			health = line
		}
	}

	require.NotEmpty(t, health, "cycle must emit the health summary")

	// Only send time is measured at a boundary; the remainder is labeled as
	// such instead of being attributed to the database.
	assert.Contains(t, health, `"send_ms"`)
	assert.Contains(t, health, `"other_ms"`)
	assert.Contains(t, health, `"total_ms"`)
	assert.NotContains(t, health, `"db_ms"`)
}

func TestRunCycleMissingArticleMarksFailure(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{immediateEmailAlert("a1", "u1")}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	// Queue the row, then delete the article before the send phase of the
	// next cycle sees it.
	store.missing["art1"] = true

	require.NoError(t, engine.RunCycle(context.Background()))

	row := store.deliveries[deliveryKey("a1", "art1", "email")]
	require.NotNil(t, row)
	assert.Equal(t, db.StatusFailed, row.row.Status)
	assert.Equal(t, errMissingArticle, row.lastError)
	assert.Empty(t, sender.sent)
}

func TestRunCycleBacklogThresholdPages(t *testing.T) {
	cfg := testConfig(t)
	cfg.BacklogWarnCount = 2

	store := newFakeStore()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("art%d", i)
		store.deliveries[deliveryKey("a9", id, "email")] = &fakeDeliveryRow{
			row: db.Delivery{
				AlertID: "a9", UserID: "u9", ArticleID: id, Channel: "email",
				DedupeKey: id, Priority: db.PriorityP2, Status: db.StatusPending,
			},
			createdAt: time.Now().Add(-2 * time.Hour),
		}
	}

	pager := &fakePager{}
	engine := newTestEngine(t, cfg, store, &fakeSender{}, pager)

	require.NoError(t, engine.RunCycle(context.Background()))

	require.Len(t, pager.pages, 1)
	assert.Contains(t, pager.pages[0], "backlog")
}

func TestRunCycleScanErrorIsolated(t *testing.T) {
	store := newFakeStore()
	store.alerts = []db.Alert{
		{ID: "broken", UserID: "u1", Channel: "email", Target: "u1@example.com", Name: "Broken", Query: "explode", Days: 7},
		immediateEmailAlert("a2", "u2"),
	}
	store.articles = []db.Article{
		article("art1", "Kubernetes RCE disclosed", "Reuters", time.Now().Add(-time.Hour)),
	}
	store.searchErr["explode"] = errors.New("relation articles does not exist")

	sender := &fakeSender{}
	engine := newTestEngine(t, testConfig(t), store, sender, &fakePager{})

	require.NoError(t, engine.RunCycle(context.Background()), "one broken alert must not fail the cycle")
	assert.Len(t, sender.sent, 1, "healthy alerts still deliver")
}
