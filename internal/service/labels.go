package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/provider"
)

// Action is a user-initiated change to a conversation's provider state
type Action string

// Supported actions
const (
	ActionMarkRead   Action = "mark_read"
	ActionMarkUnread Action = "mark_unread"
	ActionStar       Action = "star"
	ActionUnstar     Action = "unstar"
	ActionArchive    Action = "archive"
	ActionTrash      Action = "trash"
	ActionUntrash    Action = "untrash"
	ActionSpam       Action = "spam"
	ActionNotSpam    Action = "not_spam"
)

var (
	// ErrUnknownAction is returned for action names that are not supported
	ErrUnknownAction = errors.New("unknown action")
	// ErrNotEmailConversation is returned when acting on a non-email conversation
	ErrNotEmailConversation = errors.New("conversation is not an email conversation")
	// ErrNoProviderMessages is returned when a conversation has no provider messages to act on
	ErrNoProviderMessages = errors.New("conversation has no provider messages")
)

// labelDelta is the provider label change each action makes
var labelDelta = map[Action]struct{ add, remove []string }{
	ActionMarkRead:   {remove: []string{model.LabelUnread}},
	ActionMarkUnread: {add: []string{model.LabelUnread}},
	ActionStar:       {add: []string{model.LabelStarred}},
	ActionUnstar:     {remove: []string{model.LabelStarred}},
	ActionArchive:    {remove: []string{model.LabelInbox}},
	ActionTrash:      {add: []string{model.LabelTrash}, remove: []string{model.LabelInbox}},
	ActionUntrash:    {add: []string{model.LabelInbox}, remove: []string{model.LabelTrash}},
	ActionSpam:       {add: []string{model.LabelSpam}, remove: []string{model.LabelInbox}},
	ActionNotSpam:    {add: []string{model.LabelInbox}, remove: []string{model.LabelSpam}},
}

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := labelDelta[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// ActionResult describes what an action did to one conversation
type ActionResult struct {
	ConversationID  uint   `json:"conversation_id"`
	Action          Action `json:"action"`
	EffectiveAction Action `json:"effective_action"`
	Applied         bool   `json:"applied"`
	NoOp            bool   `json:"no_op"`
	Rejected        bool   `json:"rejected"`
	Reason          string `json:"reason,omitempty"`
	SuggestedAction Action `json:"suggested_action,omitempty"`
	Error           string `json:"error,omitempty"`
}

// LabelService mirrors provider label state and applies guarded actions
type LabelService struct {
	store    LabelStore
	provider MailProvider
	audit    audit.Recorder
	metrics  *metrics.Metrics
}

// NewLabelService creates a label service
func NewLabelService(store LabelStore, mail MailProvider, rec audit.Recorder, m *metrics.Metrics) *LabelService {
	return &LabelService{
		store:    store,
		provider: mail,
		audit:    rec,
		metrics:  orNewMetrics(m),
	}
}

// Apply performs action on every message of a conversation's provider thread
func (s *LabelService) Apply(ctx context.Context, tenantID string, conversationID uint, action Action) (*ActionResult, error) {
	if _, ok := labelDelta[action]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	conv, err := s.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ChannelType != model.ChannelTypeEmail {
		return nil, ErrNotEmailConversation
	}

	res := &ActionResult{ConversationID: conv.ID, Action: action, EffectiveAction: action}
	labels := conv.LabelSet()

	if action == ActionArchive {
		switch {
		case labels.Has(model.LabelSpam):
			res.Rejected = true
			res.Reason = "conversation is in spam; move it out of spam instead of archiving"
			res.SuggestedAction = ActionNotSpam
			s.metrics.ActionsRejected.WithLabelValues(string(action)).Inc()
			s.record(audit.Event{
				Type:      audit.EventActionRejected,
				TenantID:  tenantID,
				ChannelID: conv.ChannelID,
				Fields: map[string]interface{}{
					"conversation_id":  conv.ID,
					"action":           action,
					"suggested_action": ActionNotSpam,
				},
			})
			return res, nil
		case labels.Has(model.LabelTrash):
			res.EffectiveAction = ActionUntrash
		}
	}
	effective := res.EffectiveAction

	if inTargetState(conv, labels, effective) {
		res.NoOp = true
		return res, nil
	}

	ch, err := s.store.GetChannel(ctx, conv.ChannelID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListConversationMessages(ctx, conv)
	if err != nil {
		return nil, err
	}
	ids, err := s.threadMessageIDs(ctx, ch, conv, msgs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoProviderMessages
	}

	if err := s.perform(ctx, ch, ids, effective); err != nil {
		res.Error = err.Error()
		return res, err
	}

	delta := labelDelta[effective]
	for i := range msgs {
		updated := msgs[i].LabelSet().Apply(delta.add, delta.remove)
		status := messageStatus(msgs[i].Status, updated)
		if err := s.store.UpdateMessageLabels(ctx, msgs[i].ID, updated, status); err != nil {
			return nil, err
		}
		msgs[i].Labels = updated.JSON()
		msgs[i].Status = status
	}
	recompute(conv, msgs)
	if err := s.store.SaveConversationState(ctx, conv); err != nil {
		return nil, err
	}

	res.Applied = true
	s.metrics.ActionsApplied.WithLabelValues(string(effective)).Inc()
	s.record(audit.Event{
		Type:      audit.EventActionApplied,
		TenantID:  tenantID,
		ChannelID: conv.ChannelID,
		Fields: map[string]interface{}{
			"conversation_id":  conv.ID,
			"action":           action,
			"effective_action": effective,
			"messages":         len(ids),
		},
	})
	logrus.WithFields(logrus.Fields{
		"conversation_id":  conv.ID,
		"action":           action,
		"effective_action": effective,
	}).Info("Applied conversation action")
	return res, nil
}

// ApplyBulk applies action to each conversation independently
func (s *LabelService) ApplyBulk(ctx context.Context, tenantID string, conversationIDs []uint, action Action) []ActionResult {
	results := make([]ActionResult, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		res, err := s.Apply(ctx, tenantID, id, action)
		if res == nil {
			res = &ActionResult{ConversationID: id, Action: action, EffectiveAction: action}
		}
		if err != nil {
			res.Error = err.Error()
			logrus.WithField("conversation_id", id).Warnf("Bulk action %s failed: %v", action, err)
		}
		results = append(results, *res)
	}
	return results
}

// MirrorLabelChanges stores provider label changes on already ingested
// messages and recomputes their conversations. It returns the number of
// messages updated.
func (s *LabelService) MirrorLabelChanges(ctx context.Context, ch *model.Channel, changes []provider.LabelChange) (int, error) {
	touched := make(map[uint]struct{})
	updated := 0
	var errs []error

	for _, change := range changes {
		msg, err := s.store.FindMessageByExternalID(ctx, ch.TenantID, change.MessageID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if msg == nil {
			continue
		}
		labels := model.NewLabelSet(change.LabelIDs...)
		if err := s.store.UpdateMessageLabels(ctx, msg.ID, labels, messageStatus(msg.Status, labels)); err != nil {
			errs = append(errs, err)
			continue
		}
		touched[msg.ConversationID] = struct{}{}
		updated++
	}

	convIDs := make([]uint, 0, len(touched))
	for id := range touched {
		convIDs = append(convIDs, id)
	}
	sort.Slice(convIDs, func(i, j int) bool { return convIDs[i] < convIDs[j] })

	for _, id := range convIDs {
		if err := s.refresh(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return updated, errors.Join(errs...)
}

func (s *LabelService) refresh(ctx context.Context, conversationID uint) error {
	conv, err := s.store.GetConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	msgs, err := s.store.ListConversationMessages(ctx, conv)
	if err != nil {
		return err
	}
	recompute(conv, msgs)
	return s.store.SaveConversationState(ctx, conv)
}

// threadMessageIDs returns the provider ids of every message in the
// conversation's thread, preferring the provider's view
func (s *LabelService) threadMessageIDs(ctx context.Context, ch *model.Channel, conv *model.Conversation, msgs []model.Message) ([]string, error) {
	if threadID := conv.ThreadID(); threadID != "" {
		thread, err := s.provider.GetThread(ctx, ch, threadID)
		switch {
		case err == nil && len(thread.Messages) > 0:
			ids := make([]string, 0, len(thread.Messages))
			for _, m := range thread.Messages {
				ids = append(ids, m.Id)
			}
			return ids, nil
		case err != nil && provider.IsRetryable(err):
			return nil, err
		case err != nil:
			logrus.WithField("conversation_id", conv.ID).Warnf("Falling back to local message ids: %v", err)
		}
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.ExternalID != nil && *m.ExternalID != "" {
			ids = append(ids, *m.ExternalID)
		}
	}
	return ids, nil
}

func (s *LabelService) perform(ctx context.Context, ch *model.Channel, ids []string, action Action) error {
	switch action {
	case ActionTrash:
		for _, id := range ids {
			if err := s.provider.TrashMessage(ctx, ch, id); err != nil {
				return err
			}
		}
		return nil
	case ActionUntrash:
		for _, id := range ids {
			if err := s.provider.UntrashMessage(ctx, ch, id); err != nil {
				return err
			}
		}
		return s.provider.ModifyMessages(ctx, ch, ids, []string{model.LabelInbox}, nil)
	default:
		delta := labelDelta[action]
		return s.provider.ModifyMessages(ctx, ch, ids, delta.add, delta.remove)
	}
}

func (s *LabelService) record(ev audit.Event) {
	if s.audit != nil {
		s.audit.Record(ev)
	}
}

// inTargetState reports whether action would change nothing
func inTargetState(conv *model.Conversation, labels model.LabelSet, action Action) bool {
	switch action {
	case ActionMarkRead:
		return !labels.Has(model.LabelUnread) && conv.UnreadCount == 0
	case ActionMarkUnread:
		return labels.Has(model.LabelUnread)
	case ActionStar:
		return labels.Has(model.LabelStarred)
	case ActionUnstar:
		return !labels.Has(model.LabelStarred)
	case ActionArchive:
		return !labels.Has(model.LabelInbox)
	case ActionTrash:
		return labels.Has(model.LabelTrash)
	case ActionUntrash:
		return !labels.Has(model.LabelTrash) && labels.Has(model.LabelInbox)
	case ActionSpam:
		return labels.Has(model.LabelSpam)
	case ActionNotSpam:
		return !labels.Has(model.LabelSpam)
	}
	return false
}

// recompute derives a conversation's mirrored state from its messages
func recompute(conv *model.Conversation, msgs []model.Message) {
	labels := model.LabelSet{}
	unread := false
	for i := range msgs {
		ml := msgs[i].LabelSet()
		labels = labels.Union(ml...)
		if ml.Has(model.LabelUnread) {
			unread = true
		}
	}

	conv.Labels = labels.JSON()
	conv.Starred = labels.Has(model.LabelStarred)

	switch {
	case !unread:
		conv.UnreadCount = 0
	case conv.UnreadCount == 0:
		conv.UnreadCount = 1
	}

	switch {
	case labels.Has(model.LabelInbox):
		if conv.Status == model.ConversationArchived {
			conv.Status = model.ConversationOpen
		}
	case labels.Has(model.LabelSpam), labels.Has(model.LabelTrash):
	default:
		if conv.Status == model.ConversationOpen {
			conv.Status = model.ConversationArchived
		}
	}
}

// messageStatus keeps a message's read status in line with its UNREAD label
func messageStatus(current string, labels model.LabelSet) string {
	switch {
	case labels.Has(model.LabelUnread) && current == model.MessageRead:
		return model.MessageReceived
	case !labels.Has(model.LabelUnread) && current == model.MessageReceived:
		return model.MessageRead
	}
	return current
}
