package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lobbybot/internal/eventbus"
	"lobbybot/internal/platform"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []platform.Notification
	sendErr error
}

func (f *fakeNotifier) SendNotification(_ context.Context, n platform.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) CreateChannel(context.Context, platform.ChannelSpec) (string, error) {
	return "", nil
}
func (f *fakeNotifier) DeleteChannel(context.Context, string) error      { return nil }
func (f *fakeNotifier) MoveMember(context.Context, string, string) error { return nil }
func (f *fakeNotifier) UpdateChannel(context.Context, string, platform.ChannelPatch) error {
	return nil
}
func (f *fakeNotifier) PostMessage(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeNotifier) DeleteMessage(context.Context, string, string) error { return nil }

type fakeCaps struct {
	holders map[string]bool // memberID -> holds marker
}

func (f *fakeCaps) HasCapability(_ context.Context, _, memberID, _ string) (bool, error) {
	return f.holders[memberID], nil
}

const (
	bumpBot  = "bot-disboard"
	bumpDone = "Bump done!"
)

func newTestService(t *testing.T) (*Service, storage.Store, *fakeNotifier, *fakeCaps) {
	t.Helper()
	st := storage.NewMemory()
	act := &fakeNotifier{}
	caps := &fakeCaps{holders: map[string]bool{"bumper": true}}
	s := New(Config{
		Rules: []Rule{{
			Service:   "disboard",
			AccountID: bumpBot,
			Keyword:   bumpDone,
			Window:    2 * time.Hour,
			Message:   "Time to bump again!",
		}},
		DefaultRoleID: "role-default",
		RatePerSec:    1000,
	}, st, act, caps, eventbus.New(), logx.Nop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s, st, act, caps
}

func successEvent(actor string) platform.MessageEvent {
	return platform.MessageEvent{
		GuildID:          "g1",
		ChannelID:        "c1",
		AuthorID:         bumpBot,
		ActorID:          actor,
		IsServiceAccount: true,
		Content:          "DISBOARD: " + bumpDone,
	}
}

func TestObserveArmsThenDispatchDeliversOnce(t *testing.T) {
	t.Parallel()
	s, st, act, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("observe: %v", err)
	}

	armedAt := s.now()
	r, err := st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt == nil || !r.DueAt.Equal(armedAt.Add(2*time.Hour)) {
		t.Fatalf("due = %v, want %v", r.DueAt, armedAt.Add(2*time.Hour))
	}

	// One second past due: delivered exactly once, then cleared.
	s.now = func() time.Time { return armedAt.Add(2*time.Hour + time.Second) }
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(act.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(act.sent))
	}
	if act.sent[0].ChannelID != "c1" || act.sent[0].RoleID != "role-default" || act.sent[0].Text != "Time to bump again!" {
		t.Fatalf("notification = %+v", act.sent[0])
	}
	r, err = st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get after fire: %v", err)
	}
	if r.DueAt != nil {
		t.Fatalf("due not cleared: %v", r.DueAt)
	}

	// Re-running the scan must not redeliver.
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(act.sent) != 1 {
		t.Fatalf("sent = %d after rerun, want 1", len(act.sent))
	}
}

func TestObserveRequiresCapability(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Observe(ctx, successEvent("random")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	r, err := st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt != nil {
		t.Fatalf("armed without capability: %v", r.DueAt)
	}
}

func TestObserveIgnoresNonMatches(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestService(t)
	ctx := context.Background()
	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}

	cases := []struct {
		name string
		ev   platform.MessageEvent
	}{
		{"human author", platform.MessageEvent{GuildID: "g1", ChannelID: "c1", AuthorID: "human", ActorID: "bumper", Content: bumpDone}},
		{"wrong bot", platform.MessageEvent{GuildID: "g1", ChannelID: "c1", AuthorID: "bot-other", ActorID: "bumper", IsServiceAccount: true, Content: bumpDone}},
		{"wrong keyword", platform.MessageEvent{GuildID: "g1", ChannelID: "c1", AuthorID: bumpBot, ActorID: "bumper", IsServiceAccount: true, Content: "try again later"}},
		{"no actor", platform.MessageEvent{GuildID: "g1", ChannelID: "c1", AuthorID: bumpBot, IsServiceAccount: true, Content: bumpDone}},
	}
	for _, tc := range cases {
		if err := s.Observe(ctx, tc.ev); err != nil {
			t.Fatalf("%s: observe: %v", tc.name, err)
		}
		r, err := st.GetReminder(ctx, "g1", "disboard")
		if err != nil {
			t.Fatalf("%s: get: %v", tc.name, err)
		}
		if r.DueAt != nil {
			t.Fatalf("%s: armed unexpectedly", tc.name)
		}
	}
}

func TestObserveSkipsUnconfiguredGuild(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := st.GetReminder(ctx, "g1", "disboard"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("row created for unconfigured guild: %v", err)
	}
}

func TestObserveSkipsDisabled(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestService(t)
	ctx := context.Background()

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := s.Toggle(ctx, "g1", "disboard"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	r, err := st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt != nil {
		t.Fatalf("armed while disabled: %v", r.DueAt)
	}
}

func TestDuplicateArmWithinGuardIsIgnored(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestService(t)
	ctx := context.Background()
	base := s.now()

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("first observe: %v", err)
	}
	firstDue := base.Add(2 * time.Hour)

	// A second instance sees the same success 10s later.
	s.now = func() time.Time { return base.Add(10 * time.Second) }
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("second observe: %v", err)
	}
	r, err := st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt == nil || !r.DueAt.Equal(firstDue) {
		t.Fatalf("due moved by duplicate arm: %v, want %v", r.DueAt, firstDue)
	}

	// Past the guard a fresh success re-arms.
	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("third observe: %v", err)
	}
	r, err = st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt == nil || !r.DueAt.Equal(base.Add(5*time.Minute).Add(2*time.Hour)) {
		t.Fatalf("due = %v after re-arm", r.DueAt)
	}
}

func TestDeliveryFailureRetriesNextTick(t *testing.T) {
	t.Parallel()
	s, st, act, _ := newTestService(t)
	ctx := context.Background()
	base := s.now()
	act.sendErr = errors.New("gateway down")

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	s.now = func() time.Time { return base.Add(3 * time.Hour) }
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Send failed, so the due time survives for the next tick.
	r, err := st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.DueAt == nil {
		t.Fatal("due cleared despite failed send")
	}
	if len(act.sent) != 0 {
		t.Fatalf("sent = %v", act.sent)
	}

	// Gateway recovers; the retry tick delivers and clears.
	act.sendErr = nil
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if len(act.sent) != 1 {
		t.Fatalf("sent = %d after retry, want 1", len(act.sent))
	}
	r, err = st.GetReminder(ctx, "g1", "disboard")
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if r.DueAt != nil {
		t.Fatalf("due not cleared after retry: %v", r.DueAt)
	}
}

func TestCustomRoleOverridesDefault(t *testing.T) {
	t.Parallel()
	s, _, act, _ := newTestService(t)
	ctx := context.Background()
	base := s.now()

	if err := s.Configure(ctx, "g1", "disboard", "c1"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.SetRole(ctx, "g1", "disboard", "role-custom"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := s.Observe(ctx, successEvent("bumper")); err != nil {
		t.Fatalf("observe: %v", err)
	}
	s.now = func() time.Time { return base.Add(3 * time.Hour) }
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(act.sent) != 1 || act.sent[0].RoleID != "role-custom" {
		t.Fatalf("sent = %+v", act.sent)
	}
}

func TestConfigureRejectsUnknownService(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestService(t)
	if err := s.Configure(context.Background(), "g1", "nosuch", "c1"); err == nil {
		t.Fatal("want error for unknown service")
	}
}
