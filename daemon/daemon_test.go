package daemon

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/internal/background"
	"github.com/bluesky-social/ozone/internal/testutil"
	"github.com/bluesky-social/ozone/labels"
	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/moderation"
	"github.com/bluesky-social/ozone/pusher"
	"github.com/bluesky-social/ozone/scheduled"
	"github.com/bluesky-social/ozone/signing"
	"github.com/bluesky-social/ozone/subject"
)

const (
	serviceDID = "did:plc:ozoneservice"
	modDID     = "did:plc:moderator"
)

type testEnv struct {
	db      *gorm.DB
	proj    *moderation.Projector
	emitter *moderation.Emitter
	bg      *background.Queue
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testutil.TestDB(t)
	key, err := signing.GeneratePrivateKey()
	require.NoError(t, err)
	store, err := labels.NewStore(serviceDID, key, labels.NewLocalNotifier(), nil)
	require.NoError(t, err)

	env := &testEnv{
		db:  db,
		bg:  background.NewQueue(2, slog.New(slog.DiscardHandler)),
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	t.Cleanup(func() {
		_ = env.bg.Destroy(context.Background())
	})
	env.proj = moderation.NewProjector(db, moderation.Config{
		ServiceDID: serviceDID,
		Labels:     store,
		Push:       pusher.NewQueue([]string{models.PushEventPDSTakedown}, 0),
		Clock:      func() time.Time { return env.now },
	})
	env.emitter = moderation.NewEmitter(env.proj, nil, nil)
	return env
}

func (env *testEnv) scanner() *ReversalScanner {
	return NewReversalScanner(env.proj, env.bg, ReversalScannerOptions{
		Clock: func() time.Time { return env.now },
	})
}

func (env *testEnv) emit(t *testing.T, subj subject.Subject, evt moderation.Event) *models.ModerationEvent {
	t.Helper()
	row, err := env.emitter.Emit(context.Background(), moderation.LogEventParams{Event: evt, Subject: subj, CreatedBy: modDID})
	require.NoError(t, err)
	return row
}

func TestReversalScannerRevertsSuspension(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	alice, err := subject.NewRepo("did:plc:alice")
	require.NoError(t, err)

	env.emit(t, alice, moderation.Event{Action: moderation.ActionTakedown, DurationInHours: 1})

	// nothing is due before the hour is up
	require.NoError(t, env.scanner().Scan(ctx))
	st, err := env.proj.GetStatus(ctx, alice)
	require.NoError(t, err)
	assert.True(st.Takendown)

	env.now = env.now.Add(61 * time.Minute)
	require.NoError(t, env.scanner().Scan(ctx))

	st, err = env.proj.GetStatus(ctx, alice)
	require.NoError(t, err)
	assert.False(st.Takendown)
	assert.Nil(st.SuspendUntil)

	events, _, err := env.proj.GetEvents(ctx, moderation.EventFilter{
		Subject: alice.DID(),
		Types:   []moderation.Action{moderation.ActionReverseTakedown},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(serviceDID, events[0].CreatedBy)
	assert.Equal(moderation.ReversalComment, events[0].Comment)

	// a second scan finds nothing left to do
	require.NoError(t, env.scanner().Scan(ctx))
	events, _, err = env.proj.GetEvents(ctx, moderation.EventFilter{
		Subject: alice.DID(),
		Types:   []moderation.Action{moderation.ActionReverseTakedown},
	})
	require.NoError(t, err)
	assert.Len(events, 1)
}

func TestReversalScannerRevertsMute(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	post, err := subject.NewRecord("at://did:plc:bob/app.bsky.feed.post/3kabc", "", nil)
	require.NoError(t, err)

	env.emit(t, post, moderation.Event{Action: moderation.ActionMute, DurationInHours: 2})
	env.now = env.now.Add(3 * time.Hour)
	require.NoError(t, env.scanner().Scan(ctx))

	st, err := env.proj.GetStatus(ctx, post)
	require.NoError(t, err)
	assert.Nil(st.MuteUntil)

	events, _, err := env.proj.GetEvents(ctx, moderation.EventFilter{Types: []moderation.Action{moderation.ActionUnmute}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(post.URI(), events[0].SubjectUri)

	due, err := env.proj.SubjectsDueForReversal(ctx, env.now)
	require.NoError(t, err)
	assert.Empty(due)
}

func TestReversalScannerExpiresDefaultMute(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t)
	alice, err := subject.NewRepo("did:plc:alice")
	require.NoError(t, err)

	env.emit(t, alice, moderation.Event{Action: moderation.ActionMute})
	st, err := env.proj.GetStatus(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, st.MuteUntil)

	env.now = env.now.Add(25 * time.Hour)
	require.NoError(t, env.scanner().Scan(ctx))

	st, err = env.proj.GetStatus(ctx, alice)
	require.NoError(t, err)
	assert.Nil(st.MuteUntil)

	due, err := env.proj.SubjectsDueForReversal(ctx, env.now)
	require.NoError(t, err)
	assert.Empty(due)

	events, _, err := env.proj.GetEvents(ctx, moderation.EventFilter{Types: []moderation.Action{moderation.ActionUnmute}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(serviceDID, events[0].CreatedBy)
}

func TestDaemonStartShutdown(t *testing.T) {
	env := newTestEnv(t)
	svc := scheduled.NewService(env.db, nil)
	d, err := New(Config{
		Projector:         env.proj,
		Scheduled:         scheduled.NewProcessor(svc, env.emitter, scheduled.ProcessorOptions{}),
		Background:        env.bg,
		ReversalInterval:  time.Hour,
		ScheduledInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Start(ctx)
	require.NoError(t, d.Shutdown(ctx))

	_, err = New(Config{Projector: env.proj})
	assert.Error(t, err)
}
