package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"

	"inbox-sync-go/internal/model"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *GmailClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := NewFetcher(testFetcherConfig(), WithSleep((&sleepRecorder{}).sleep))
	return NewGmailClient(f, StaticToken("token"), srv.URL+"/gmail/v1")
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func TestListHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))

		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, `{
				"history": [
					{"id": "101", "messagesAdded": [{"message": {"id": "m1", "threadId": "t1", "labelIds": ["INBOX", "UNREAD"]}}]},
					{"id": "102", "labelsAdded": [{"message": {"id": "m0", "threadId": "t0", "labelIds": ["INBOX", "STARRED"]}, "labelIds": ["STARRED"]}]}
				],
				"nextPageToken": "p2",
				"historyId": "105"
			}`)
			return
		}
		writeJSON(w, `{
			"history": [
				{"id": "103", "messagesAdded": [{"message": {"id": "m1", "threadId": "t1", "labelIds": ["INBOX"]}}, {"message": {"id": "m2", "threadId": "t1", "labelIds": ["INBOX"]}}]},
				{"id": "104", "labelsRemoved": [{"message": {"id": "m0", "threadId": "t0", "labelIds": ["STARRED"]}, "labelIds": ["INBOX"]}]}
			],
			"historyId": "106"
		}`)
	})

	c := newTestClient(t, mux)
	delta, err := c.ListHistory(context.Background(), &model.Channel{ID: 1}, 100)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2"}, delta.AddedMessageIDs)
	assert.Equal(t, uint64(106), delta.HistoryID)
	require.Len(t, delta.LabelChanges, 1)
	assert.Equal(t, "m0", delta.LabelChanges[0].MessageID)
	assert.Equal(t, []string{"STARRED"}, delta.LabelChanges[0].LabelIDs)
}

func TestListHistorySkipsOwnMail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{
			"history": [
				{"id": "201", "messagesAdded": [
					{"message": {"id": "sent1", "threadId": "t1", "labelIds": ["SENT"]}},
					{"message": {"id": "draft1", "threadId": "t2", "labelIds": ["DRAFT"]}},
					{"message": {"id": "self1", "threadId": "t3", "labelIds": ["SENT", "INBOX"]}},
					{"message": {"id": "spam1", "threadId": "t4", "labelIds": ["SPAM", "UNREAD"]}},
					{"message": {"id": "in1", "threadId": "t5", "labelIds": ["INBOX", "UNREAD"]}}
				]},
				{"id": "202", "labelsAdded": [
					{"message": {"id": "spam1", "threadId": "t4", "labelIds": ["INBOX", "UNREAD"]}, "labelIds": ["INBOX"]}
				]}
			],
			"historyId": "202"
		}`)
	})

	c := newTestClient(t, mux)
	delta, err := c.ListHistory(context.Background(), &model.Channel{ID: 1}, 200)
	require.NoError(t, err)

	assert.Equal(t, []string{"in1", "spam1"}, delta.AddedMessageIDs)
	require.Len(t, delta.LabelChanges, 1)
	assert.Equal(t, "spam1", delta.LabelChanges[0].MessageID)
}

func TestListHistoryExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
	})

	c := newTestClient(t, mux)
	_, err := c.ListHistory(context.Background(), &model.Channel{ID: 1}, 5)
	assert.ErrorIs(t, err, ErrCheckpointExpired)
}

func TestListInboxMessageIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"emailAddress":"support@example.com","historyId":"900"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
		assert.Equal(t, "-in:sent -in:drafts", r.URL.Query().Get("q"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, `{"messages":[{"id":"m3"},{"id":"m2"}],"nextPageToken":"next"}`)
			return
		}
		writeJSON(w, `{"messages":[{"id":"m1"}]}`)
	})

	c := newTestClient(t, mux)
	ids, historyID, err := c.ListInboxMessageIDs(context.Background(), &model.Channel{ID: 1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.Equal(t, uint64(900), historyID)
}

func TestGetMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(w, `{"id":"m1","threadId":"t1","labelIds":["INBOX","UNREAD"],"internalDate":"1700000000000"}`)
	})

	c := newTestClient(t, mux)
	msg, err := c.GetMessage(context.Background(), &model.Channel{ID: 1}, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.ThreadId)
	assert.Equal(t, int64(1700000000000), msg.InternalDate)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, msg.LabelIds)
}

func TestModifyMessages(t *testing.T) {
	var got gmail.BatchModifyMessagesRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/batchModify", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, mux)
	err := c.ModifyMessages(context.Background(), &model.Channel{ID: 1}, []string{"m1", "m2"}, nil, []string{"UNREAD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, got.Ids)
	assert.Equal(t, []string{"UNREAD"}, got.RemoveLabelIds)
}

func TestTrashAndUntrash(t *testing.T) {
	var paths []string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		writeJSON(w, `{"id":"m1"}`)
	})

	c := newTestClient(t, mux)
	ch := &model.Channel{ID: 1}
	require.NoError(t, c.TrashMessage(context.Background(), ch, "m1"))
	require.NoError(t, c.UntrashMessage(context.Background(), ch, "m1"))
	assert.Equal(t, []string{
		"/gmail/v1/users/me/messages/m1/trash",
		"/gmail/v1/users/me/messages/m1/untrash",
	}, paths)
}
