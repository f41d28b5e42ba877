package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"gorm.io/gorm"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/normalizer"
	"inbox-sync-go/internal/provider"
	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/testutil"
)

const tenant = "tenant-1"

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		RunTimeout:         10 * time.Second,
		FullResyncLimit:    50,
		ReferencesLookback: 3,
		SubjectMaxLength:   200,
	}
}

// recorder captures audit events
type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type modifyCall struct {
	ids, add, remove []string
}

// fakeMail is an in-memory mailbox
type fakeMail struct {
	mu sync.Mutex

	messages       map[string]*gmail.Message
	threads        map[string][]string
	history        *provider.HistoryDelta
	historyErr     error
	onHistory      func()
	inbox          []string
	inboxHistoryID uint64
	getErrs        map[string]error
	threadErr      error

	calls     map[string]int
	modifies  []modifyCall
	trashed   []string
	untrashed []string
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		messages: make(map[string]*gmail.Message),
		threads:  make(map[string][]string),
		getErrs:  make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeMail) add(msgs ...*gmail.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.messages[m.Id] = m
		if m.ThreadId != "" {
			f.threads[m.ThreadId] = append(f.threads[m.ThreadId], m.Id)
		}
	}
}

func (f *fakeMail) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeMail) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeMail) hit(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call]++
}

func (f *fakeMail) ListHistory(_ context.Context, _ *model.Channel, start uint64) (*provider.HistoryDelta, error) {
	f.hit("history")
	if f.onHistory != nil {
		f.onHistory()
	}
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if f.history == nil {
		return &provider.HistoryDelta{HistoryID: start}, nil
	}
	return f.history, nil
}

func (f *fakeMail) ListInboxMessageIDs(_ context.Context, _ *model.Channel, limit int) ([]string, uint64, error) {
	f.hit("inbox")
	ids := f.inbox
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids, f.inboxHistoryID, nil
}

func (f *fakeMail) GetMessage(_ context.Context, _ *model.Channel, id string) (*gmail.Message, error) {
	f.hit("get")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErrs[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, &provider.StatusError{Status: 404}
	}
	return m, nil
}

func (f *fakeMail) GetThread(_ context.Context, _ *model.Channel, id string) (*gmail.Thread, error) {
	f.hit("thread")
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &gmail.Thread{Id: id}
	for _, mid := range f.threads[id] {
		t.Messages = append(t.Messages, &gmail.Message{Id: mid, ThreadId: id})
	}
	return t, nil
}

func (f *fakeMail) ModifyMessages(_ context.Context, _ *model.Channel, ids, add, remove []string) error {
	f.hit("modify")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, modifyCall{ids: ids, add: add, remove: remove})
	return nil
}

func (f *fakeMail) TrashMessage(_ context.Context, _ *model.Channel, id string) error {
	f.hit("trash")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trashed = append(f.trashed, id)
	return nil
}

func (f *fakeMail) UntrashMessage(_ context.Context, _ *model.Channel, id string) error {
	f.hit("untrash")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untrashed = append(f.untrashed, id)
	return nil
}

// mail describes a provider message for tests
type mail struct {
	ID         string
	ThreadID   string
	From       string
	Subject    string
	MessageID  string
	InReplyTo  string
	References string
	Date       time.Time
	Labels     []string
}

func (m mail) gmail() *gmail.Message {
	from := m.From
	if from == "" {
		from = "Customer <customer@example.com>"
	}
	date := m.Date
	if date.IsZero() {
		date = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	}
	headers := []*gmail.MessagePartHeader{
		{Name: "From", Value: from},
		{Name: "To", Value: "support@example.com"},
		{Name: "Subject", Value: m.Subject},
		{Name: "Date", Value: date.Format(time.RFC1123Z)},
	}
	if m.MessageID != "" {
		headers = append(headers, &gmail.MessagePartHeader{Name: "Message-ID", Value: "<" + m.MessageID + ">"})
	}
	if m.InReplyTo != "" {
		headers = append(headers, &gmail.MessagePartHeader{Name: "In-Reply-To", Value: "<" + m.InReplyTo + ">"})
	}
	if m.References != "" {
		headers = append(headers, &gmail.MessagePartHeader{Name: "References", Value: m.References})
	}
	labels := m.Labels
	if labels == nil {
		labels = []string{model.LabelInbox, model.LabelUnread}
	}
	return &gmail.Message{
		Id:       m.ID,
		ThreadId: m.ThreadID,
		LabelIds: labels,
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers:  headers,
			Body:     &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("body of " + m.ID))},
		},
	}
}

func (m mail) email(t *testing.T) *normalizer.Email {
	t.Helper()
	e, err := normalizer.Normalize(m.gmail(), time.Now())
	require.NoError(t, err)
	return e
}

type env struct {
	db         *gorm.DB
	repo       *repository.Repository
	mail       *fakeMail
	rec        *recorder
	processor  *Processor
	labels     *LabelService
	reconciler *Reconciler
	channel    *model.Channel
}

func newEnv(t *testing.T, checkpoint uint64) *env {
	t.Helper()
	gdb := testutil.NewDB(t)
	e := &env{
		db:   gdb,
		repo: repository.New(gdb),
		mail: newFakeMail(),
		rec:  &recorder{},
	}
	e.channel = testutil.SeedChannel(t, gdb, tenant, "support@example.com", checkpoint)
	e.processor = NewProcessor(e.repo, e.rec, nil, testSyncConfig())
	e.labels = NewLabelService(e.repo, e.mail, e.rec, nil)
	e.reconciler = NewReconciler(e.repo, e.mail, e.processor, e.labels, e.rec, nil, testSyncConfig())
	return e
}

func (e *env) ingest(t *testing.T, m mail) ProcessResult {
	t.Helper()
	res := e.processor.ProcessInboundEmail(context.Background(), m.email(t), e.channel.ID, tenant)
	require.NoError(t, res.Err)
	return res
}

func (e *env) conversation(t *testing.T, id uint) *model.Conversation {
	t.Helper()
	conv, err := e.repo.GetConversation(context.Background(), tenant, id)
	require.NoError(t, err)
	return conv
}

func (e *env) countRows(t *testing.T, value interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(value).Count(&n).Error)
	return n
}

func (e *env) checkpoint(t *testing.T) uint64 {
	t.Helper()
	ch, err := e.repo.GetChannel(context.Background(), e.channel.ID)
	require.NoError(t, err)
	return ch.Checkpoint
}

func msgID(n int) string {
	return fmt.Sprintf("m%d", n)
}
