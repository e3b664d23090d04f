package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/ozone/models"
	"github.com/bluesky-social/ozone/subject"
)

type fakeMailer struct {
	lk   sync.Mutex
	sent []string
	err  error
}

func (m *fakeMailer) SendEmail(ctx context.Context, recipientDID, subjectLine, content string) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, recipientDID+": "+subjectLine)
	return nil
}

func TestEmitTakedownConflicts(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil)
	alice := repo(t, "did:plc:alice")

	_, err := env.e.Emit(ctx, LogEventParams{Event: Event{Action: ActionReverseTakedown}, Subject: alice, CreatedBy: modDID})
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(ReasonNotTakendown, cerr.Reason)

	env.emit(t, alice, modDID, Event{Action: ActionTakedown})
	_, err = env.e.Emit(ctx, LogEventParams{Event: Event{Action: ActionTakedown}, Subject: alice, CreatedBy: modDID})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(ReasonAlreadyTakendown, cerr.Reason)

	var n int64
	require.NoError(t, env.db.Model(&models.ModerationEvent{}).Count(&n).Error)
	assert.EqualValues(1, n)

	env.emit(t, alice, modDID, Event{Action: ActionReverseTakedown})
	assert.False(env.status(t, alice).Takendown)
}

func TestEmitLabelValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil)
	alice := repo(t, "did:plc:alice")

	for _, bad := range []string{"two words", "a,b", "semi;colon", "it's", `quo"te`, ""} {
		_, err := env.e.Emit(ctx, LogEventParams{Event: Event{Action: ActionLabel, CreateLabelVals: []string{bad}}, Subject: alice, CreatedBy: modDID})
		assert.ErrorIs(err, ErrInvalidLabel, "label %q", bad)
	}

	_, err := env.e.Emit(ctx, LogEventParams{
		Event:     Event{Action: ActionLabel, CreateLabelVals: []string{"spam"}, NegateLabelVals: []string{"spam"}},
		Subject:   alice,
		CreatedBy: modDID,
	})
	assert.ErrorIs(err, ErrInvalidLabel)

	evt := env.emit(t, alice, modDID, Event{Action: ActionLabel, CreateLabelVals: []string{"spam", "rude"}})
	assert.Equal("spam rude", evt.CreateLabelVals)

	var lbls []models.Label
	require.NoError(t, env.db.Where("uri = ?", alice.DID()).Order("val").Find(&lbls).Error)
	require.Len(t, lbls, 2)
	assert.Equal("rude", lbls[0].Val)
	assert.Equal("spam", lbls[1].Val)
	assert.NotEmpty(lbls[0].Sig)

	env.emit(t, alice, modDID, Event{Action: ActionLabel, NegateLabelVals: []string{"spam"}})
	require.NoError(t, env.db.Where("uri = ? AND val = ?", alice.DID(), "spam").Find(&lbls).Error)
	require.Len(t, lbls, 1)
	assert.True(lbls[0].Neg)
}

func TestEmitEmail(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mailer := &fakeMailer{}
	env := newTestEnv(t, mailer)
	alice := repo(t, "did:plc:alice")

	_, err := env.e.Emit(ctx, LogEventParams{
		Event:     Event{Action: ActionEmail, SubjectLine: "hi", Content: "hello"},
		Subject:   record(t, "at://did:plc:alice/app.bsky.feed.post/3kabc"),
		CreatedBy: modDID,
	})
	assert.True(IsValidationError(err))
	assert.Empty(mailer.sent)

	evt := env.emit(t, alice, modDID, Event{Action: ActionEmail, SubjectLine: "hi", Content: "hello"})
	assert.True(evt.MetaBool("isDelivered"))
	assert.Equal([]string{"did:plc:alice: hi"}, mailer.sent)

	// delivery failures are recorded, not raised
	mailer.err = errors.New("smtp down")
	evt = env.emit(t, alice, modDID, Event{Action: ActionEmail, SubjectLine: "again", Content: "hello"})
	delivered, ok := evt.Meta["isDelivered"].(bool)
	assert.True(ok)
	assert.False(delivered)

	stored, err := env.p.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal("again", stored.MetaString("subjectLine"))
}

func TestEmitMuteReporterRequiresRepo(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.e.Emit(context.Background(), LogEventParams{
		Event:     Event{Action: ActionMuteReporter},
		Subject:   record(t, "at://did:plc:carol/app.bsky.feed.post/3kabc"),
		CreatedBy: modDID,
	})
	assert.True(t, IsValidationError(err))
}

func TestEmitAcknowledgeAccountSubjects(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t, nil)
	alice := repo(t, "did:plc:alice")
	post := record(t, "at://did:plc:alice/app.bsky.feed.post/3kabc")
	appealed := record(t, "at://did:plc:alice/app.bsky.feed.post/3kdef")
	quiet := record(t, "at://did:plc:alice/app.bsky.feed.post/3kxyz")

	env.emit(t, post, "did:plc:carol", Event{Action: ActionReport, ReportType: "com.atproto.moderation.defs#reasonSpam"})
	env.emit(t, appealed, "did:plc:alice", Event{Action: ActionReport, ReportType: "com.atproto.moderation.defs#reasonAppeal"})
	env.emit(t, quiet, modDID, Event{Action: ActionTag, AddTags: []string{"lang:en"}})
	require.True(t, env.status(t, appealed).Appealed)
	require.Equal(t, ReviewEscalated, env.status(t, appealed).ReviewState)

	env.emit(t, alice, modDID, Event{Action: ActionTakedown, AcknowledgeAccountSubjects: true})

	assert.Equal(ReviewClosed, env.status(t, post).ReviewState)
	st := env.status(t, appealed)
	assert.Equal(ReviewClosed, st.ReviewState)
	assert.False(st.Appealed)
	assert.Equal(ReviewNone, env.status(t, quiet).ReviewState)

	events, _, err := env.p.GetEvents(context.Background(), EventFilter{
		Subject:       appealed.URI(),
		Types:         []Action{ActionResolveAppeal, ActionAcknowledge},
		SortDirection: "asc",
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(string(ActionResolveAppeal), events[0].Action)
	assert.Equal(string(ActionAcknowledge), events[1].Action)
	assert.Equal(autoResolveComment, events[1].Comment)
}

func TestGetSubjectStatusesPaging(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil)

	uris := []string{
		"at://did:plc:bob/app.bsky.feed.post/3kaaa",
		"at://did:plc:bob/app.bsky.feed.post/3kbbb",
		"at://did:plc:bob/app.bsky.feed.post/3kccc",
	}
	for _, uri := range uris {
		env.emit(t, record(t, uri), "did:plc:carol", Event{Action: ActionReport, ReportType: "com.atproto.moderation.defs#reasonSpam"})
		env.advance(time.Minute)
	}
	env.emit(t, repo(t, "did:plc:bob"), modDID, Event{Action: ActionTag, AddTags: []string{"lang:en"}})

	page, cursor, err := env.p.GetSubjectStatuses(ctx, StatusFilter{ReviewState: ReviewOpen, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal("app.bsky.feed.post/3kccc", page[0].RecordPath)
	assert.Equal("app.bsky.feed.post/3kbbb", page[1].RecordPath)
	require.NotEmpty(t, cursor)

	page, cursor, err = env.p.GetSubjectStatuses(ctx, StatusFilter{ReviewState: ReviewOpen, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal("app.bsky.feed.post/3kaaa", page[0].RecordPath)
	assert.Empty(cursor)

	page, _, err = env.p.GetSubjectStatuses(ctx, StatusFilter{SortDirection: "asc", SubjectType: "record"})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal("app.bsky.feed.post/3kaaa", page[0].RecordPath)

	page, _, err = env.p.GetSubjectStatuses(ctx, StatusFilter{Tags: []string{"lang:en"}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal("did:plc:bob", page[0].Did)
	assert.Equal("", page[0].RecordPath)

	page, _, err = env.p.GetSubjectStatuses(ctx, StatusFilter{Subject: "did:plc:bob", IncludeAllUserRecords: true})
	require.NoError(t, err)
	assert.Len(page, 4)

	_, _, err = env.p.GetSubjectStatuses(ctx, StatusFilter{SortField: "priority"})
	assert.True(IsValidationError(err))
}

func TestGetSubjectStatusesIgnoreSubjects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	reported := []subject.Subject{
		repo(t, "did:plc:alice"),
		repo(t, "did:plc:bob"),
		record(t, "at://did:plc:bob/app.bsky.feed.post/3kaaa"),
		record(t, "at://did:plc:bob/app.bsky.feed.post/3kbbb"),
	}
	for _, subj := range reported {
		env.emit(t, subj, "did:plc:carol", Event{Action: ActionReport, ReportType: "com.atproto.moderation.defs#reasonSpam"})
	}

	page, _, err := env.p.GetSubjectStatuses(ctx, StatusFilter{
		IgnoreSubjects: []string{"did:plc:bob", "at://did:plc:bob/app.bsky.feed.post/3kaaa"},
	})
	require.NoError(t, err)
	var got []string
	for _, row := range page {
		got = append(got, row.Did+"|"+row.RecordPath)
	}
	assert.ElementsMatch(t, []string{"did:plc:alice|", "did:plc:bob|app.bsky.feed.post/3kbbb"}, got)

	_, _, err = env.p.GetSubjectStatuses(ctx, StatusFilter{IgnoreSubjects: []string{"bob"}})
	assert.True(t, IsValidationError(err))
}

func TestGetEventsPaging(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	env := newTestEnv(t, nil)
	alice := repo(t, "did:plc:alice")

	var ids []uint64
	for range 3 {
		ids = append(ids, env.emit(t, alice, modDID, Event{Action: ActionComment, Comment: "note"}).ID)
	}
	env.emit(t, repo(t, "did:plc:bob"), modDID, Event{Action: ActionEscalate})

	page, cursor, err := env.p.GetEvents(ctx, EventFilter{Subject: alice.DID(), Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(ids[2], page[0].ID)
	assert.Equal(ids[1], page[1].ID)

	page, cursor, err = env.p.GetEvents(ctx, EventFilter{Subject: alice.DID(), Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(ids[0], page[0].ID)
	assert.Empty(cursor)

	page, _, err = env.p.GetEvents(ctx, EventFilter{Types: []Action{ActionEscalate}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal("did:plc:bob", page[0].SubjectDid)
}
