package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inbox-sync-go/internal/model"
)

var (
	// ErrDuplicate is returned when an insert loses against a unique index
	ErrDuplicate = errors.New("duplicate record")
	// ErrChannelNotFound is returned when no channel matches the lookup
	ErrChannelNotFound = errors.New("channel not found")
	// ErrConversationNotFound is returned when no conversation matches the lookup
	ErrConversationNotFound = errors.New("conversation not found")
)

// Repository wraps all datastore access for the ingestion pipeline
type Repository struct {
	db *gorm.DB
}

// New creates a repository over db
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.WithContext(ctx).Exec("SELECT 1").Error
}

// IsDuplicate reports whether err is a unique-index violation
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key")
}

// IsTransient reports whether err came from losing or overloading the
// database connection rather than from the data itself
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "too many connections") ||
		strings.Contains(msg, "deadlock")
}

// GetChannel loads a channel by id
func (r *Repository) GetChannel(ctx context.Context, id uint) (*model.Channel, error) {
	var ch model.Channel
	if err := r.db.WithContext(ctx).First(&ch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel %d: %w", id, err)
	}
	return &ch, nil
}

// GetChannelByEmail loads the channel watching address
func (r *Repository) GetChannelByEmail(ctx context.Context, address string) (*model.Channel, error) {
	var ch model.Channel
	err := r.db.WithContext(ctx).
		Where("LOWER(email_address) = ?", strings.ToLower(strings.TrimSpace(address))).
		First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel for %s: %w", address, err)
	}
	return &ch, nil
}

// EnsureChannel creates ch unless a channel already watches its address.
// An existing row is returned unchanged.
func (r *Repository) EnsureChannel(ctx context.Context, ch *model.Channel) (*model.Channel, error) {
	ch.EmailAddress = strings.ToLower(strings.TrimSpace(ch.EmailAddress))
	existing, err := r.GetChannelByEmail(ctx, ch.EmailAddress)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrChannelNotFound) {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Create(ch).Error; err != nil {
		if IsDuplicate(err) {
			return r.GetChannelByEmail(ctx, ch.EmailAddress)
		}
		return nil, fmt.Errorf("failed to create channel %s: %w", ch.EmailAddress, err)
	}
	return ch, nil
}

// ListChannels returns every configured channel
func (r *Repository) ListChannels(ctx context.Context) ([]model.Channel, error) {
	var channels []model.Channel
	if err := r.db.WithContext(ctx).Order("id").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}

// AdvanceCheckpoint moves the channel checkpoint from expected to next. It
// reports false when another writer changed the checkpoint first.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, channelID uint, expected, next uint64) (bool, error) {
	if next <= expected {
		return false, nil
	}
	result := r.db.WithContext(ctx).Model(&model.Channel{}).
		Where("id = ? AND checkpoint = ?", channelID, expected).
		Update("checkpoint", next)
	if result.Error != nil {
		return false, fmt.Errorf("failed to advance checkpoint: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpdateSyncStatus records the outcome of a reconciliation run
func (r *Repository) UpdateSyncStatus(ctx context.Context, channelID uint, status, lastErr string, syncedAt *time.Time) error {
	updates := map[string]interface{}{
		"sync_status": status,
		"last_error":  lastErr,
	}
	if syncedAt != nil {
		updates["last_synced_at"] = *syncedAt
	}
	if err := r.db.WithContext(ctx).Model(&model.Channel{}).Where("id = ?", channelID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// FindMessageByExternalID returns the message with the provider id, or nil
func (r *Repository) FindMessageByExternalID(ctx context.Context, tenantID, externalID string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
		First(&msg).Error
	if err == nil {
		return &msg, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error checking message %s: %w", externalID, err)
}

// FindMessageByReference returns a message whose provider id or RFC 5322
// Message-ID equals ref, or nil
func (r *Repository) FindMessageByReference(ctx context.Context, tenantID, ref string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND (external_id = ? OR internet_message_id = ?)", tenantID, ref, ref).
		Order("received_at DESC").
		First(&msg).Error
	if err == nil {
		return &msg, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error resolving reference %s: %w", ref, err)
}

// FindOrCreateContact resolves the contact for (tenant, email), creating it
// when missing. A concurrent create of the same contact resolves to the
// winning row.
func (r *Repository) FindOrCreateContact(ctx context.Context, tenantID, email, name string) (*model.Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("contact email is required")
	}

	find := func() (*model.Contact, error) {
		var c model.Contact
		err := r.db.WithContext(ctx).Where("tenant_id = ? AND email = ?", tenantID, email).First(&c).Error
		if err == nil {
			return &c, nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find contact: %w", err)
	}

	existing, err := find()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Name == "" && name != "" {
			existing.Name = name
			if err := r.db.WithContext(ctx).Model(existing).Update("name", name).Error; err != nil {
				return nil, fmt.Errorf("failed to update contact name: %w", err)
			}
		}
		return existing, nil
	}

	contact := &model.Contact{TenantID: tenantID, Email: email, Name: name}
	if err := r.db.WithContext(ctx).Create(contact).Error; err != nil {
		if !IsDuplicate(err) {
			return nil, fmt.Errorf("failed to create contact: %w", err)
		}
		winner, err := find()
		if err != nil {
			return nil, err
		}
		if winner == nil {
			return nil, fmt.Errorf("contact %s vanished after duplicate insert", email)
		}
		return winner, nil
	}
	return contact, nil
}

// GetConversation loads a conversation scoped to tenant
func (r *Repository) GetConversation(ctx context.Context, tenantID string, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// GetConversationByID loads a conversation without tenant scoping
func (r *Repository) GetConversationByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %d: %w", id, err)
	}
	return &conv, nil
}

// FindConversationByThreadID returns the conversation for a provider thread, or nil
func (r *Repository) FindConversationByThreadID(ctx context.Context, tenantID, threadID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND provider_thread_id = ?", tenantID, threadID).
		First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("failed to find conversation by thread %s: %w", threadID, err)
}

// FindConversationBySubject returns the most recently active email
// conversation of contact with the normalized subject, or nil
func (r *Repository) FindConversationBySubject(ctx context.Context, tenantID string, contactID uint, normalized string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND contact_id = ? AND channel_type = ? AND normalized_subject = ?",
			tenantID, contactID, model.ChannelTypeEmail, normalized).
		Order("last_message_at DESC").
		First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("failed to find conversation by subject: %w", err)
}

// CreateConversation inserts conv. If another writer created the
// conversation for the same provider thread first, that row is returned.
func (r *Repository) CreateConversation(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	err := r.db.WithContext(ctx).Create(conv).Error
	if err == nil {
		return conv, nil
	}
	if !IsDuplicate(err) || conv.ProviderThreadID == nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	winner, err := r.FindConversationByThreadID(ctx, conv.TenantID, *conv.ProviderThreadID)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("conversation for thread %s vanished after duplicate insert", *conv.ProviderThreadID)
	}
	return winner, nil
}

// DeleteEmptyConversation removes a conversation that never received a
// message. It reports whether a row was deleted.
func (r *Repository) DeleteEmptyConversation(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND NOT EXISTS (SELECT 1 FROM messages WHERE messages.conversation_id = ?)", id, id).
		Delete(&model.Conversation{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete empty conversation %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AdoptThreadID sets the provider thread id on a conversation that has none.
// It is a no-op when the thread already belongs to another conversation.
func (r *Repository) AdoptThreadID(ctx context.Context, conversationID uint, threadID string) error {
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND provider_thread_id IS NULL", conversationID).
		Update("provider_thread_id", threadID).Error
	if err != nil && !IsDuplicate(err) {
		return fmt.Errorf("failed to adopt thread id: %w", err)
	}
	return nil
}

// InsertMessage persists msg and folds it into its conversation's aggregates
// in one transaction. A unique-index violation on the message returns
// ErrDuplicate and leaves the conversation untouched.
func (r *Repository) InsertMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	var updated model.Conversation

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			if IsDuplicate(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}

		var conv model.Conversation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, msg.ConversationID).Error; err != nil {
			return fmt.Errorf("failed to lock conversation %d: %w", msg.ConversationID, err)
		}

		lastMessageAt := msg.ReceivedAt
		if conv.LastMessageAt != nil && conv.LastMessageAt.After(lastMessageAt) {
			lastMessageAt = *conv.LastMessageAt
		}
		labels := conv.LabelSet().Union(msg.LabelSet()...)
		status := conv.Status
		if status == model.ConversationArchived || status == model.ConversationClosed {
			status = model.ConversationOpen
		}

		updates := map[string]interface{}{
			"unread_count":    conv.UnreadCount + 1,
			"last_message_at": lastMessageAt,
			"labels":          labels.JSON(),
			"starred":         labels.Has(model.LabelStarred),
			"status":          status,
			"updated_at":      time.Now(),
		}
		if err := tx.Model(&conv).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update conversation aggregates: %w", err)
		}

		return tx.First(&updated, conv.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ListConversationMessages returns the messages of a conversation that belong
// to its provider thread, oldest first
func (r *Repository) ListConversationMessages(ctx context.Context, conv *model.Conversation) ([]model.Message, error) {
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conv.ID)
	if conv.ProviderThreadID != nil {
		q = q.Where("provider_thread_id = ? OR provider_thread_id = ''", *conv.ProviderThreadID)
	}
	var msgs []model.Message
	if err := q.Order("received_at").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversation messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessageLabels stores the provider labels and status of a message
func (r *Repository) UpdateMessageLabels(ctx context.Context, id uint, labels model.LabelSet, status string) error {
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{"labels": labels.JSON(), "status": status}).Error
	if err != nil {
		return fmt.Errorf("failed to update message labels: %w", err)
	}
	return nil
}

// SaveConversationState writes the mirrored label state of a conversation
func (r *Repository) SaveConversationState(ctx context.Context, conv *model.Conversation) error {
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", conv.ID).
		Updates(map[string]interface{}{
			"labels":       conv.Labels,
			"starred":      conv.Starred,
			"unread_count": conv.UnreadCount,
			"status":       conv.Status,
			"updated_at":   time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

// CreateProcessingLogs appends audit records. Records already written under
// the same event id are skipped.
func (r *Repository) CreateProcessingLogs(ctx context.Context, logs []model.ProcessingLog) error {
	if len(logs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&logs).Error
	if err != nil {
		return fmt.Errorf("failed to write processing logs: %w", err)
	}
	return nil
}

// ListProcessingLogs returns a page of a channel's processing logs, newest first
func (r *Repository) ListProcessingLogs(ctx context.Context, channelID uint, eventType string, page, limit int) ([]model.ProcessingLog, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.ProcessingLog{}).Where("channel_id = ?", channelID)
	if eventType != "" {
		q = q.Where("event_type = ?", eventType)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}

	var logs []model.ProcessingLog
	if err := q.Order("created_at DESC").Order("id DESC").Offset((page - 1) * limit).Limit(limit).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch logs: %w", err)
	}
	return logs, total, nil
}
