package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/normalizer"
	"inbox-sync-go/internal/repository"
)

// Threading strategies, in the order they are tried
const (
	StrategyThreadID   = "thread_id"
	StrategyInReplyTo  = "in_reply_to"
	StrategyReferences = "references"
	StrategySubject    = "subject"
	StrategyCreated    = "created"
)

// ProcessResult is the outcome of ingesting one email
type ProcessResult struct {
	Success        bool
	IsDuplicate    bool
	MessageID      uint
	ConversationID uint
	Strategy       string
	Err            error
}

// Processor persists inbound emails exactly once and threads them into
// conversations
type Processor struct {
	store   IngestStore
	audit   audit.Recorder
	metrics *metrics.Metrics
	cfg     config.SyncConfig
	now     func() time.Time
}

// NewProcessor creates a processor
func NewProcessor(store IngestStore, rec audit.Recorder, m *metrics.Metrics, cfg config.SyncConfig) *Processor {
	return &Processor{
		store:   store,
		audit:   rec,
		metrics: orNewMetrics(m),
		cfg:     cfg,
		now:     time.Now,
	}
}

// ProcessInboundEmail stores email for the channel unless it was already
// ingested. Failures are reported in the result, never panicked or retried.
func (p *Processor) ProcessInboundEmail(ctx context.Context, email *normalizer.Email, channelID uint, tenantID string) ProcessResult {
	start := p.now()
	log := logrus.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"channel_id":  channelID,
		"external_id": email.ExternalID,
	})

	existing, err := p.store.FindMessageByExternalID(ctx, tenantID, email.ExternalID)
	if err != nil {
		return p.fail(log, start, email, channelID, tenantID, err)
	}
	if existing != nil {
		return p.duplicate(log, start, email, channelID, tenantID, existing)
	}

	contact, err := p.store.FindOrCreateContact(ctx, tenantID, email.From.Email, email.From.Name)
	if err != nil {
		return p.fail(log, start, email, channelID, tenantID, fmt.Errorf("failed to resolve contact: %w", err))
	}

	conv, strategy, err := p.resolveConversation(ctx, email, contact, channelID, tenantID)
	if err != nil {
		return p.fail(log, start, email, channelID, tenantID, fmt.Errorf("failed to resolve conversation: %w", err))
	}

	msg := p.buildMessage(email, conv.ID, channelID, tenantID)
	updated, err := p.store.InsertMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if strategy == StrategyCreated {
				p.dropEmptyConversation(ctx, log, conv.ID)
			}
			winner, lookupErr := p.store.FindMessageByExternalID(ctx, tenantID, email.ExternalID)
			if lookupErr != nil || winner == nil {
				winner = &model.Message{ConversationID: conv.ID}
			}
			return p.duplicate(log, start, email, channelID, tenantID, winner)
		}
		return p.fail(log, start, email, channelID, tenantID, err)
	}

	latency := p.now().Sub(start)
	p.metrics.MessagesProcessed.Inc()
	p.metrics.ProcessingTime.Observe(latency.Seconds())
	p.record(audit.Event{
		Type:       audit.EventProcessed,
		TenantID:   tenantID,
		ChannelID:  channelID,
		ExternalID: email.ExternalID,
		Latency:    latency,
		Fields: map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": updated.ID,
			"strategy":        strategy,
		},
	})
	log.WithFields(logrus.Fields{
		"conversation_id": updated.ID,
		"strategy":        strategy,
	}).Info("Ingested email")

	return ProcessResult{
		Success:        true,
		MessageID:      msg.ID,
		ConversationID: updated.ID,
		Strategy:       strategy,
	}
}

// resolveConversation finds the conversation an email belongs to, creating
// one when no strategy matches
func (p *Processor) resolveConversation(ctx context.Context, email *normalizer.Email, contact *model.Contact, channelID uint, tenantID string) (*model.Conversation, string, error) {
	if email.ThreadID != "" {
		conv, err := p.store.FindConversationByThreadID(ctx, tenantID, email.ThreadID)
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return conv, StrategyThreadID, nil
		}
	}

	if email.InReplyTo != "" {
		conv, err := p.conversationForReference(ctx, tenantID, email.InReplyTo)
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return p.adopt(ctx, conv, email), StrategyInReplyTo, nil
		}
	}

	refs := email.References
	if n := p.cfg.ReferencesLookback; n > 0 && len(refs) > n {
		refs = refs[len(refs)-n:]
	}
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i] == email.InReplyTo {
			continue
		}
		conv, err := p.conversationForReference(ctx, tenantID, refs[i])
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return p.adopt(ctx, conv, email), StrategyReferences, nil
		}
	}

	normalized := NormalizeSubject(email.Subject, p.cfg.SubjectMaxLength)
	if normalized != "" {
		conv, err := p.store.FindConversationBySubject(ctx, tenantID, contact.ID, normalized)
		if err != nil {
			return nil, "", err
		}
		if conv != nil {
			return p.adopt(ctx, conv, email), StrategySubject, nil
		}
	}

	conv := &model.Conversation{
		TenantID:          tenantID,
		ContactID:         contact.ID,
		ChannelID:         channelID,
		ChannelType:       model.ChannelTypeEmail,
		Subject:           truncateRunes(email.Subject, 998),
		NormalizedSubject: normalized,
		Status:            model.ConversationOpen,
		Labels:            model.NewLabelSet().JSON(),
	}
	if email.ThreadID != "" {
		threadID := email.ThreadID
		conv.ProviderThreadID = &threadID
	}

	created, err := p.store.CreateConversation(ctx, conv)
	if err != nil {
		return nil, "", err
	}
	if created.ID != conv.ID {
		return created, StrategyThreadID, nil
	}
	return created, StrategyCreated, nil
}

// dropEmptyConversation removes a conversation created for a message that
// turned out to be stored already
func (p *Processor) dropEmptyConversation(ctx context.Context, log *logrus.Entry, id uint) {
	deleted, err := p.store.DeleteEmptyConversation(ctx, id)
	if err != nil {
		log.WithField("conversation_id", id).Warnf("Failed to remove empty conversation: %v", err)
		return
	}
	if deleted {
		log.WithField("conversation_id", id).Debug("Removed conversation created for a duplicate")
	}
}

func (p *Processor) conversationForReference(ctx context.Context, tenantID, ref string) (*model.Conversation, error) {
	msg, err := p.store.FindMessageByReference(ctx, tenantID, ref)
	if err != nil || msg == nil {
		return nil, err
	}
	conv, err := p.store.GetConversationByID(ctx, msg.ConversationID)
	if errors.Is(err, repository.ErrConversationNotFound) {
		return nil, nil
	}
	return conv, err
}

// adopt gives a thread-less conversation the email's provider thread id
func (p *Processor) adopt(ctx context.Context, conv *model.Conversation, email *normalizer.Email) *model.Conversation {
	if conv.ProviderThreadID != nil || email.ThreadID == "" {
		return conv
	}
	if err := p.store.AdoptThreadID(ctx, conv.ID, email.ThreadID); err != nil {
		logrus.WithField("conversation_id", conv.ID).Warnf("Failed to adopt thread id: %v", err)
	}
	return conv
}

func (p *Processor) buildMessage(email *normalizer.Email, conversationID, channelID uint, tenantID string) *model.Message {
	externalID := email.ExternalID
	to := make([]string, 0, len(email.To))
	for _, a := range email.To {
		to = append(to, a.Email)
	}

	return &model.Message{
		TenantID:          tenantID,
		ConversationID:    conversationID,
		ChannelID:         channelID,
		SenderType:        model.SenderCustomer,
		Content:           email.Body,
		ContentType:       email.ContentType,
		ExternalID:        &externalID,
		ProviderThreadID:  email.ThreadID,
		InternetMessageID: truncateRunes(email.InternetMessageID, 255),
		FromAddress:       truncateRunes(email.From.Email, 255),
		ToAddresses:       model.StringsJSON(to),
		Subject:           truncateRunes(email.Subject, 998),
		InReplyTo:         truncateRunes(email.InReplyTo, 998),
		References:        strings.Join(email.References, " "),
		Labels:            model.NewLabelSet(email.LabelIDs...).JSON(),
		Status:            model.MessageReceived,
		ReceivedAt:        email.ReceivedAt,
		StoredAt:          p.now().UTC(),
	}
}

func (p *Processor) duplicate(log *logrus.Entry, start time.Time, email *normalizer.Email, channelID uint, tenantID string, existing *model.Message) ProcessResult {
	latency := p.now().Sub(start)
	p.metrics.DuplicatesIgnored.Inc()
	p.record(audit.Event{
		Type:       audit.EventDuplicateIgnored,
		TenantID:   tenantID,
		ChannelID:  channelID,
		ExternalID: email.ExternalID,
		Latency:    latency,
		Fields: map[string]interface{}{
			"message_id":      existing.ID,
			"conversation_id": existing.ConversationID,
		},
	})
	log.Debug("Email already ingested")

	return ProcessResult{
		Success:        true,
		IsDuplicate:    true,
		MessageID:      existing.ID,
		ConversationID: existing.ConversationID,
	}
}

func (p *Processor) fail(log *logrus.Entry, start time.Time, email *normalizer.Email, channelID uint, tenantID string, err error) ProcessResult {
	p.metrics.ProcessingErrors.Inc()
	p.record(audit.Event{
		Type:       audit.EventError,
		TenantID:   tenantID,
		ChannelID:  channelID,
		ExternalID: email.ExternalID,
		Latency:    p.now().Sub(start),
		Fields:     map[string]interface{}{"error": err.Error()},
	})
	log.Errorf("Failed to ingest email: %v", err)
	return ProcessResult{Err: err}
}

func (p *Processor) record(ev audit.Event) {
	if p.audit != nil {
		p.audit.Record(ev)
	}
}
