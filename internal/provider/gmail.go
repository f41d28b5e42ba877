package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	gmail "google.golang.org/api/gmail/v1"

	"inbox-sync-go/internal/model"
)

// ErrCheckpointExpired is returned when the provider no longer holds history
// for the requested starting point
var ErrCheckpointExpired = errors.New("history checkpoint expired")

// IsRetryable reports whether err should leave sync state untouched so the
// same work is attempted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// LabelChange is the label state of one message after a history record
type LabelChange struct {
	MessageID string
	ThreadID  string
	LabelIDs  []string
}

// HistoryDelta is everything that changed after a history id
type HistoryDelta struct {
	AddedMessageIDs []string
	LabelChanges    []LabelChange
	HistoryID       uint64
}

// GmailClient calls the Gmail REST API through a Fetcher
type GmailClient struct {
	fetcher *Fetcher
	tokens  TokenSource
	baseURL string
}

// NewGmailClient creates a Gmail client rooted at baseURL
func NewGmailClient(fetcher *Fetcher, tokens TokenSource, baseURL string) *GmailClient {
	return &GmailClient{
		fetcher: fetcher,
		tokens:  tokens,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *GmailClient) call(ctx context.Context, ch *model.Channel, method, path string, query url.Values, in, out interface{}) error {
	token, err := c.tokens.AccessToken(ctx, ch)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/users/me" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("Accept", "application/json")

	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		headers.Set("Content-Type", "application/json")
	}

	res := c.fetcher.Fetch(ctx, method, endpoint, headers, body)
	if !res.OK {
		return res.Err
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return nil
}

// Profile returns the mailbox profile, including its current history id
func (c *GmailClient) Profile(ctx context.Context, ch *model.Channel) (*gmail.Profile, error) {
	var p gmail.Profile
	if err := c.call(ctx, ch, http.MethodGet, "/profile", nil, nil, &p); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// ListHistory returns the messages added and relabelled after start
func (c *GmailClient) ListHistory(ctx context.Context, ch *model.Channel, start uint64) (*HistoryDelta, error) {
	delta := &HistoryDelta{HistoryID: start}
	seen := make(map[string]bool)
	changeIdx := make(map[string]int)

	recordLabels := func(m *gmail.Message) {
		if m == nil || m.Id == "" {
			return
		}
		change := LabelChange{MessageID: m.Id, ThreadID: m.ThreadId, LabelIDs: m.LabelIds}
		if i, ok := changeIdx[m.Id]; ok {
			delta.LabelChanges[i] = change
			return
		}
		changeIdx[m.Id] = len(delta.LabelChanges)
		delta.LabelChanges = append(delta.LabelChanges, change)
	}

	pageToken := ""
	for {
		q := url.Values{}
		q.Set("startHistoryId", strconv.FormatUint(start, 10))
		q.Set("maxResults", "500")
		q.Add("historyTypes", "messageAdded")
		q.Add("historyTypes", "labelAdded")
		q.Add("historyTypes", "labelRemoved")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page gmail.ListHistoryResponse
		if err := c.call(ctx, ch, http.MethodGet, "/history", q, nil, &page); err != nil {
			if IsNotFound(err) {
				return nil, ErrCheckpointExpired
			}
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		for _, h := range page.History {
			if h.Id > delta.HistoryID {
				delta.HistoryID = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] || !inboxDelivery(added.Message.LabelIds) {
					continue
				}
				seen[added.Message.Id] = true
				delta.AddedMessageIDs = append(delta.AddedMessageIDs, added.Message.Id)
			}
			for _, la := range h.LabelsAdded {
				recordLabels(la.Message)
				// moved into the inbox after delivery, e.g. out of spam
				if la.Message != nil && !seen[la.Message.Id] && contains(la.LabelIds, model.LabelInbox) &&
					inboxDelivery(la.Message.LabelIds) {
					seen[la.Message.Id] = true
					delta.AddedMessageIDs = append(delta.AddedMessageIDs, la.Message.Id)
				}
			}
			for _, lr := range h.LabelsRemoved {
				recordLabels(lr.Message)
			}
		}
		if page.HistoryId > delta.HistoryID {
			delta.HistoryID = page.HistoryId
		}

		if page.NextPageToken == "" {
			return delta, nil
		}
		pageToken = page.NextPageToken
	}
}

// ListInboxMessageIDs lists up to limit inbox message ids, oldest first,
// together with the mailbox history id read before listing
func (c *GmailClient) ListInboxMessageIDs(ctx context.Context, ch *model.Channel, limit int) ([]string, uint64, error) {
	profile, err := c.Profile(ctx, ch)
	if err != nil {
		return nil, 0, err
	}

	var ids []string
	pageToken := ""
	for limit <= 0 || len(ids) < limit {
		q := url.Values{}
		q.Set("labelIds", model.LabelInbox)
		q.Set("q", "-in:sent -in:drafts")
		size := 500
		if limit > 0 && limit-len(ids) < size {
			size = limit - len(ids)
		}
		q.Set("maxResults", strconv.Itoa(size))
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page gmail.ListMessagesResponse
		if err := c.call(ctx, ch, http.MethodGet, "/messages", q, nil, &page); err != nil {
			return nil, 0, fmt.Errorf("failed to list inbox: %w", err)
		}
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, profile.HistoryId, nil
}

// GetMessage fetches a full message
func (c *GmailClient) GetMessage(ctx context.Context, ch *model.Channel, id string) (*gmail.Message, error) {
	q := url.Values{}
	q.Set("format", "full")

	var m gmail.Message
	if err := c.call(ctx, ch, http.MethodGet, "/messages/"+url.PathEscape(id), q, nil, &m); err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &m, nil
}

// GetThread fetches the message ids and labels of a thread
func (c *GmailClient) GetThread(ctx context.Context, ch *model.Channel, id string) (*gmail.Thread, error) {
	q := url.Values{}
	q.Set("format", "minimal")

	var t gmail.Thread
	if err := c.call(ctx, ch, http.MethodGet, "/threads/"+url.PathEscape(id), q, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", id, err)
	}
	return &t, nil
}

// ModifyMessages adds and removes labels on messages
func (c *GmailClient) ModifyMessages(ctx context.Context, ch *model.Channel, ids, add, remove []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := &gmail.BatchModifyMessagesRequest{
		Ids:            ids,
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	if err := c.call(ctx, ch, http.MethodPost, "/messages/batchModify", nil, req, nil); err != nil {
		return fmt.Errorf("failed to modify messages: %w", err)
	}
	return nil
}

// TrashMessage moves a message to trash
func (c *GmailClient) TrashMessage(ctx context.Context, ch *model.Channel, id string) error {
	if err := c.call(ctx, ch, http.MethodPost, "/messages/"+url.PathEscape(id)+"/trash", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to trash message %s: %w", id, err)
	}
	return nil
}

// UntrashMessage restores a message from trash
func (c *GmailClient) UntrashMessage(ctx context.Context, ch *model.Channel, id string) error {
	if err := c.call(ctx, ch, http.MethodPost, "/messages/"+url.PathEscape(id)+"/untrash", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to untrash message %s: %w", id, err)
	}
	return nil
}

// inboxDelivery reports whether a message with labels arrived in the inbox
// from someone other than the mailbox owner
func inboxDelivery(labels []string) bool {
	return contains(labels, model.LabelInbox) &&
		!contains(labels, model.LabelDraft) &&
		!contains(labels, model.LabelSent)
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
