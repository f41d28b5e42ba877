// Package service implements ingestion, reconciliation and label actions.
package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gmail "google.golang.org/api/gmail/v1"

	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/provider"
)

// IngestStore is the persistence used by the Processor
type IngestStore interface {
	FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*model.Message, error)
	FindMessageByReference(ctx context.Context, tenantID, ref string) (*model.Message, error)
	FindOrCreateContact(ctx context.Context, tenantID, email, name string) (*model.Contact, error)
	FindConversationByThreadID(ctx context.Context, tenantID, threadID string) (*model.Conversation, error)
	FindConversationBySubject(ctx context.Context, tenantID string, contactID uint, normalized string) (*model.Conversation, error)
	GetConversationByID(ctx context.Context, id uint) (*model.Conversation, error)
	CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error)
	DeleteEmptyConversation(ctx context.Context, id uint) (bool, error)
	AdoptThreadID(ctx context.Context, conversationID uint, threadID string) error
	InsertMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error)
}

// SyncStore is the persistence used by the Reconciler
type SyncStore interface {
	GetChannel(ctx context.Context, id uint) (*model.Channel, error)
	AdvanceCheckpoint(ctx context.Context, channelID uint, expected, next uint64) (bool, error)
	UpdateSyncStatus(ctx context.Context, channelID uint, status, lastErr string, syncedAt *time.Time) error
}

// LabelStore is the persistence used by the LabelService
type LabelStore interface {
	GetChannel(ctx context.Context, id uint) (*model.Channel, error)
	GetConversation(ctx context.Context, tenantID string, id uint) (*model.Conversation, error)
	GetConversationByID(ctx context.Context, id uint) (*model.Conversation, error)
	FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*model.Message, error)
	ListConversationMessages(ctx context.Context, conv *model.Conversation) ([]model.Message, error)
	UpdateMessageLabels(ctx context.Context, id uint, labels model.LabelSet, status string) error
	SaveConversationState(ctx context.Context, conv *model.Conversation) error
}

// MailProvider is the mailbox API the pipeline reads from and acts on
type MailProvider interface {
	ListHistory(ctx context.Context, ch *model.Channel, start uint64) (*provider.HistoryDelta, error)
	ListInboxMessageIDs(ctx context.Context, ch *model.Channel, limit int) ([]string, uint64, error)
	GetMessage(ctx context.Context, ch *model.Channel, id string) (*gmail.Message, error)
	GetThread(ctx context.Context, ch *model.Channel, id string) (*gmail.Thread, error)
	ModifyMessages(ctx context.Context, ch *model.Channel, ids, add, remove []string) error
	TrashMessage(ctx context.Context, ch *model.Channel, id string) error
	UntrashMessage(ctx context.Context, ch *model.Channel, id string) error
}

func orNewMetrics(m *metrics.Metrics) *metrics.Metrics {
	if m != nil {
		return m
	}
	return metrics.NewMetrics(prometheus.NewRegistry())
}
