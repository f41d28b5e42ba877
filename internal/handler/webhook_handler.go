package handler

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/service"
)

// GmailWebhook receives Pub/Sub push notifications for watched mailboxes.
// It always answers 200 so Pub/Sub does not redeliver; the sync runs in the
// background and the scheduled poll covers anything dropped here.
func (h *Handlers) GmailWebhook(c *gin.Context) {
	if h.opts.WebhookToken != "" && !tokenMatches(c.Query("token"), h.opts.WebhookToken) {
		logrus.Warn("Ignoring webhook with invalid verification token")
		ignored(c, "invalid_token")
		return
	}

	var envelope PubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		logrus.Warnf("Ignoring malformed webhook envelope: %v", err)
		ignored(c, "malformed_envelope")
		return
	}

	note, err := decodeNotification(envelope.Message.Data)
	if err != nil {
		logrus.WithField("pubsub_message_id", envelope.Message.MessageID).Warnf("Ignoring malformed notification: %v", err)
		ignored(c, "malformed_notification")
		return
	}

	log := logrus.WithFields(logrus.Fields{
		"pubsub_message_id": envelope.Message.MessageID,
		"email":             note.EmailAddress,
		"history_id":        uint64(note.HistoryID),
		"request_id":        c.GetString(RequestIDKey),
	})

	ch, err := h.store.GetChannelByEmail(c.Request.Context(), note.EmailAddress)
	if err != nil {
		if errors.Is(err, repository.ErrChannelNotFound) {
			log.Warn("Ignoring notification for unknown mailbox")
			ignored(c, "unknown_channel")
			return
		}
		log.Errorf("Failed to resolve channel for notification: %v", err)
		ignored(c, "lookup_failed")
		return
	}

	channelID := ch.ID
	c.Set(ChannelIDKey, channelID)
	observed := uint64(note.HistoryID)
	h.jobs.Submit("gmail-webhook", func(ctx context.Context) {
		res, err := h.syncer.Reconcile(ctx, channelID, observed)
		switch {
		case errors.Is(err, service.ErrSyncIncomplete):
			log.Warn("Webhook sync incomplete, checkpoint held")
		case err != nil:
			log.Errorf("Webhook sync failed: %v", err)
		case res.Skipped:
			log.Debug("Notification already covered by checkpoint")
		default:
			log.WithFields(logrus.Fields{
				"processed":  res.Processed,
				"duplicates": res.Duplicates,
				"errors":     res.Errors,
			}).Info("Webhook sync completed")
		}
	})

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "channel_id": channelID})
}

func ignored(c *gin.Context, reason string) {
	c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": reason})
}

func decodeNotification(data string) (*GmailNotification, error) {
	if data == "" {
		return nil, fmt.Errorf("empty message data")
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("failed to decode message data: %w", err)
		}
	}

	var note GmailNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	note.EmailAddress = strings.TrimSpace(note.EmailAddress)
	if note.EmailAddress == "" {
		return nil, fmt.Errorf("notification has no email address")
	}
	return &note, nil
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
