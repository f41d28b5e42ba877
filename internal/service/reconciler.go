package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/normalizer"
	"inbox-sync-go/internal/provider"
	"inbox-sync-go/internal/repository"
)

// ErrSyncIncomplete is returned when a run could not fetch every change and
// left the checkpoint where it was
var ErrSyncIncomplete = errors.New("sync incomplete, checkpoint held")

// SyncResult summarizes one reconciliation run
type SyncResult struct {
	ChannelID          uint   `json:"channel_id"`
	Skipped            bool   `json:"skipped"`
	Degraded           bool   `json:"degraded"`
	Fetched            int    `json:"fetched"`
	Processed          int    `json:"processed"`
	Duplicates         int    `json:"duplicates"`
	Errors             int    `json:"errors"`
	RateLimited        int    `json:"rate_limited"`
	Mirrored           int    `json:"mirrored"`
	PreviousCheckpoint uint64 `json:"previous_checkpoint"`
	Checkpoint         uint64 `json:"checkpoint"`
	CheckpointAdvanced bool   `json:"checkpoint_advanced"`
	RaceLost           bool   `json:"race_lost"`
}

// Reconciler brings the local store up to date with a mailbox's history
type Reconciler struct {
	store     SyncStore
	provider  MailProvider
	processor *Processor
	labels    *LabelService
	audit     audit.Recorder
	metrics   *metrics.Metrics
	cfg       config.SyncConfig
	now       func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(store SyncStore, mail MailProvider, processor *Processor, labels *LabelService, rec audit.Recorder, m *metrics.Metrics, cfg config.SyncConfig) *Reconciler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Reconciler{
		store:     store,
		provider:  mail,
		processor: processor,
		labels:    labels,
		audit:     rec,
		metrics:   orNewMetrics(m),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Reconcile pulls every change after the channel's checkpoint. observed is
// the history id announced by a push notification, or 0 for a poll.
func (r *Reconciler) Reconcile(ctx context.Context, channelID uint, observed uint64) (*SyncResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{
		ChannelID:          ch.ID,
		PreviousCheckpoint: ch.Checkpoint,
		Checkpoint:         ch.Checkpoint,
	}
	log := logrus.WithFields(logrus.Fields{
		"tenant_id":  ch.TenantID,
		"channel_id": ch.ID,
		"checkpoint": ch.Checkpoint,
		"observed":   observed,
	})

	if observed != 0 && observed <= ch.Checkpoint {
		res.Skipped = true
		r.metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
		log.Debug("Notification already covered by checkpoint")
		return res, nil
	}

	if err := r.store.UpdateSyncStatus(ctx, ch.ID, model.SyncStatusSyncing, "", nil); err != nil {
		log.Warnf("Failed to mark channel syncing: %v", err)
	}

	ids, changes, latest, err := r.collect(ctx, ch, res)
	if err != nil {
		r.finish(ctx, ch, log, err)
		return res, err
	}

	held := false
	for _, id := range ids {
		if ctx.Err() != nil {
			held = true
			break
		}
		if r.ingest(ctx, ch, id, res, log) {
			held = true
		}
	}

	if len(changes) > 0 && r.labels != nil && ctx.Err() == nil {
		n, err := r.labels.MirrorLabelChanges(ctx, ch, changes)
		res.Mirrored = n
		if err != nil {
			log.Errorf("Failed to mirror label changes: %v", err)
			if provider.IsRetryable(err) {
				held = true
			}
		}
	}
	if ctx.Err() != nil {
		held = true
	}

	if held {
		err := fmt.Errorf("%w: %d of %d messages fetched", ErrSyncIncomplete, res.Fetched, len(ids))
		r.finish(ctx, ch, log, err)
		return res, err
	}

	target := latest
	if observed > target {
		target = observed
	}
	if target > ch.Checkpoint {
		ok, err := r.store.AdvanceCheckpoint(ctx, ch.ID, ch.Checkpoint, target)
		if err != nil {
			r.finish(ctx, ch, log, err)
			return res, err
		}
		if ok {
			res.Checkpoint = target
			res.CheckpointAdvanced = true
		} else {
			res.RaceLost = true
			r.metrics.CheckpointRacesLost.Inc()
			r.record(audit.Event{
				Type:      audit.EventCheckpointRaceLost,
				TenantID:  ch.TenantID,
				ChannelID: ch.ID,
				Fields:    map[string]interface{}{"expected": ch.Checkpoint, "target": target},
			})
			log.WithField("target", target).Warn("Checkpoint moved by a concurrent run")
		}
	}

	r.finish(ctx, ch, log, nil)
	log.WithFields(logrus.Fields{
		"fetched":    res.Fetched,
		"processed":  res.Processed,
		"duplicates": res.Duplicates,
		"errors":     res.Errors,
		"new_cursor": res.Checkpoint,
	}).Info("Reconciliation completed")
	return res, nil
}

// collect lists the message ids and label changes to apply, falling back to
// a bounded inbox listing when there is no usable checkpoint
func (r *Reconciler) collect(ctx context.Context, ch *model.Channel, res *SyncResult) ([]string, []provider.LabelChange, uint64, error) {
	if ch.Checkpoint == 0 {
		ids, latest, err := r.provider.ListInboxMessageIDs(ctx, ch, r.cfg.FullResyncLimit)
		return ids, nil, latest, err
	}

	delta, err := r.provider.ListHistory(ctx, ch, ch.Checkpoint)
	if err == nil {
		return delta.AddedMessageIDs, delta.LabelChanges, delta.HistoryID, nil
	}
	if !errors.Is(err, provider.ErrCheckpointExpired) {
		if errors.Is(err, provider.ErrRateLimited) {
			res.RateLimited++
		}
		return nil, nil, 0, err
	}

	res.Degraded = true
	r.metrics.DegradedResyncs.Inc()
	r.record(audit.Event{
		Type:      audit.EventDegradedResync,
		TenantID:  ch.TenantID,
		ChannelID: ch.ID,
		Fields:    map[string]interface{}{"checkpoint": ch.Checkpoint, "limit": r.cfg.FullResyncLimit},
	})
	logrus.WithField("channel_id", ch.ID).Warn("History checkpoint expired, running full resync")

	ids, latest, err := r.provider.ListInboxMessageIDs(ctx, ch, r.cfg.FullResyncLimit)
	return ids, nil, latest, err
}

// ingest fetches and stores one message. It reports whether the failure
// must hold the checkpoint back.
func (r *Reconciler) ingest(ctx context.Context, ch *model.Channel, id string, res *SyncResult, log *logrus.Entry) bool {
	raw, err := r.provider.GetMessage(ctx, ch, id)
	if err != nil {
		if provider.IsNotFound(err) {
			log.WithField("external_id", id).Debug("Message deleted before it could be fetched")
			return false
		}
		res.Errors++
		log.WithField("external_id", id).Errorf("Failed to fetch message: %v", err)
		if errors.Is(err, provider.ErrRateLimited) {
			res.RateLimited++
			r.record(audit.Event{
				Type:       audit.EventRateLimited,
				TenantID:   ch.TenantID,
				ChannelID:  ch.ID,
				ExternalID: id,
			})
		}
		return provider.IsRetryable(err)
	}
	res.Fetched++

	email, err := normalizer.Normalize(raw, r.now())
	if err != nil {
		res.Errors++
		r.record(audit.Event{
			Type:       audit.EventError,
			TenantID:   ch.TenantID,
			ChannelID:  ch.ID,
			ExternalID: id,
			Fields:     map[string]interface{}{"error": err.Error()},
		})
		log.WithField("external_id", id).Warnf("Skipping unparseable message: %v", err)
		return false
	}

	result := r.processor.ProcessInboundEmail(ctx, email, ch.ID, ch.TenantID)
	switch {
	case result.IsDuplicate:
		res.Duplicates++
	case result.Success:
		res.Processed++
	default:
		res.Errors++
		return errors.Is(result.Err, context.DeadlineExceeded) || errors.Is(result.Err, context.Canceled) ||
			repository.IsTransient(result.Err)
	}
	return false
}

func (r *Reconciler) finish(ctx context.Context, ch *model.Channel, log *logrus.Entry, runErr error) {
	ctx = context.WithoutCancel(ctx)
	if runErr != nil {
		r.metrics.ReconcileRuns.WithLabelValues("failed").Inc()
		if err := r.store.UpdateSyncStatus(ctx, ch.ID, model.SyncStatusError, runErr.Error(), nil); err != nil {
			log.Warnf("Failed to record sync error: %v", err)
		}
		log.Errorf("Reconciliation failed: %v", runErr)
		return
	}
	r.metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	now := r.now().UTC()
	if err := r.store.UpdateSyncStatus(ctx, ch.ID, model.SyncStatusIdle, "", &now); err != nil {
		log.Warnf("Failed to record sync completion: %v", err)
	}
}

// CatchUp runs a poll reconciliation for a channel owned by tenantID
func (r *Reconciler) CatchUp(ctx context.Context, channelID uint, tenantID string) (*SyncResult, error) {
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.TenantID != tenantID {
		return nil, repository.ErrChannelNotFound
	}
	return r.Reconcile(ctx, channelID, 0)
}

func (r *Reconciler) record(ev audit.Event) {
	if r.audit != nil {
		r.audit.Record(ev)
	}
}
