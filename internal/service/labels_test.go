package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/provider"
	"inbox-sync-go/internal/repository"
)

func TestArchiveSpamIsRejectedWithSuggestion(t *testing.T) {
	e := newEnv(t, 0)
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Win big", Labels: []string{model.LabelSpam, model.LabelUnread}})

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionArchive)
	require.NoError(t, err)

	assert.True(t, out.Rejected)
	assert.False(t, out.Applied)
	assert.Equal(t, ActionNotSpam, out.SuggestedAction)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, 0, e.mail.total())
	assert.Equal(t, 1, e.rec.count(audit.EventActionRejected))
	assert.Equal(t, model.LabelSet{model.LabelSpam, model.LabelUnread}, e.conversation(t, res.ConversationID).LabelSet())
}

func TestArchiveTrashRestoresToInbox(t *testing.T) {
	e := newEnv(t, 0)
	trashed := []string{model.LabelTrash}
	e.mail.add(
		mail{ID: "m1", ThreadID: "T1", Labels: trashed}.gmail(),
		mail{ID: "m2", ThreadID: "T1", Labels: trashed}.gmail(),
	)
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Old", Labels: trashed})
	e.ingest(t, mail{ID: "m2", ThreadID: "T1", Subject: "Old", Labels: trashed})

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionArchive)
	require.NoError(t, err)

	assert.True(t, out.Applied)
	assert.Equal(t, ActionArchive, out.Action)
	assert.Equal(t, ActionUntrash, out.EffectiveAction)
	assert.Equal(t, []string{"m1", "m2"}, e.mail.untrashed)
	require.Len(t, e.mail.modifies, 1)
	assert.Equal(t, []string{model.LabelInbox}, e.mail.modifies[0].add)

	conv := e.conversation(t, res.ConversationID)
	assert.Equal(t, model.LabelSet{model.LabelInbox}, conv.LabelSet())
	assert.Equal(t, model.ConversationOpen, conv.Status)
}

func TestArchiveRemovesInbox(t *testing.T) {
	e := newEnv(t, 0)
	e.mail.add(mail{ID: "m1", ThreadID: "T1"}.gmail())
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Done"})

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionArchive)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	require.Len(t, e.mail.modifies, 1)
	assert.Equal(t, []string{model.LabelInbox}, e.mail.modifies[0].remove)

	conv := e.conversation(t, res.ConversationID)
	assert.Equal(t, model.ConversationArchived, conv.Status)
	assert.False(t, conv.LabelSet().Has(model.LabelInbox))

	// archiving again is a no-op
	out, err = e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionArchive)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Len(t, e.mail.modifies, 1)
}

func TestStarIsIdempotent(t *testing.T) {
	e := newEnv(t, 0)
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Fav", Labels: []string{model.LabelInbox, model.LabelStarred}})

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionStar)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.False(t, out.Applied)
	assert.Equal(t, 0, e.mail.total())
}

func TestMarkReadActsOnWholeThread(t *testing.T) {
	e := newEnv(t, 0)
	// m3 lives in the provider thread but was never ingested
	e.mail.add(
		mail{ID: "m1", ThreadID: "T1"}.gmail(),
		mail{ID: "m2", ThreadID: "T1"}.gmail(),
		mail{ID: "m3", ThreadID: "T1"}.gmail(),
	)
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Read me"})
	e.ingest(t, mail{ID: "m2", ThreadID: "T1", Subject: "Read me"})
	require.Equal(t, 2, e.conversation(t, res.ConversationID).UnreadCount)

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionMarkRead)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	require.Len(t, e.mail.modifies, 1)
	assert.Equal(t, []string{"m1", "m2", "m3"}, e.mail.modifies[0].ids)
	assert.Equal(t, []string{model.LabelUnread}, e.mail.modifies[0].remove)

	conv := e.conversation(t, res.ConversationID)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, model.ConversationOpen, conv.Status)

	msg, err := e.repo.FindMessageByExternalID(context.Background(), tenant, "m2")
	require.NoError(t, err)
	assert.Equal(t, model.MessageRead, msg.Status)

	out, err = e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionMarkUnread)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, 1, e.conversation(t, res.ConversationID).UnreadCount)
}

func TestActionFallsBackToLocalIDs(t *testing.T) {
	e := newEnv(t, 0)
	e.mail.threadErr = &provider.StatusError{Status: 404}
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Spam?"})

	out, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionSpam)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	require.Len(t, e.mail.modifies, 1)
	assert.Equal(t, []string{"m1"}, e.mail.modifies[0].ids)
	assert.Equal(t, []string{model.LabelSpam}, e.mail.modifies[0].add)

	conv := e.conversation(t, res.ConversationID)
	assert.True(t, conv.LabelSet().Has(model.LabelSpam))
	assert.Equal(t, model.ConversationOpen, conv.Status)
}

func TestActionRetryableThreadErrorFails(t *testing.T) {
	e := newEnv(t, 0)
	e.mail.threadErr = provider.ErrRateLimited
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "x"})

	_, err := e.labels.Apply(context.Background(), tenant, res.ConversationID, ActionStar)
	assert.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, 0, e.mail.count("modify"))
}

func TestApplyBulkIsolatesFailures(t *testing.T) {
	e := newEnv(t, 0)
	e.mail.add(mail{ID: "m1", ThreadID: "T1"}.gmail())
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Bulk"})

	results := e.labels.ApplyBulk(context.Background(), tenant, []uint{9999, res.ConversationID}, ActionStar)
	require.Len(t, results, 2)

	assert.Contains(t, results[0].Error, repository.ErrConversationNotFound.Error())
	assert.False(t, results[0].Applied)
	assert.True(t, results[1].Applied)
	assert.Empty(t, results[1].Error)
	assert.True(t, e.conversation(t, res.ConversationID).Starred)
}

func TestApplyChecksTenant(t *testing.T) {
	e := newEnv(t, 0)
	res := e.ingest(t, mail{ID: "m1", ThreadID: "T1", Subject: "Mine"})

	_, err := e.labels.Apply(context.Background(), "other-tenant", res.ConversationID, ActionStar)
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("not_spam")
	require.NoError(t, err)
	assert.Equal(t, ActionNotSpam, a)

	_, err = ParseAction("delete_forever")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
