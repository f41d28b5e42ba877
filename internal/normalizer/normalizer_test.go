package normalizer

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
)

func header(name, value string) *gmail.MessagePartHeader {
	return &gmail.MessagePartHeader{Name: name, Value: value}
}

func TestNormalizeMultipart(t *testing.T) {
	msg := &gmail.Message{
		Id:       "m1",
		ThreadId: "t1",
		LabelIds: []string{"INBOX", "UNREAD"},
		Snippet:  "hello",
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				header("FROM", `"Ada Lovelace" <Ada@Example.com>`),
				header("to", "support@example.com, Team <team@example.com>"),
				header("subject", "=?UTF-8?Q?Re:_Caf=C3=A9?="),
				header("date", "Mon, 02 Jan 2006 15:04:05 -0700"),
				header("message-id", "<abc@mail.example.com>"),
				header("In-Reply-To", "<parent@mail.example.com>"),
				header("References", "<root@mail.example.com> <parent@mail.example.com>"),
			},
			Parts: []*gmail.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("plain body"))}},
						{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("<p>html body?</p>"))}},
					},
				},
				{MimeType: "text/html", Filename: "invoice.html", Body: &gmail.MessagePartBody{AttachmentId: "a1"}},
			},
		},
	}

	email, err := Normalize(msg, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "m1", email.ExternalID)
	assert.Equal(t, "t1", email.ThreadID)
	assert.Equal(t, Address{Name: "Ada Lovelace", Email: "ada@example.com"}, email.From)
	assert.Equal(t, []Address{{Email: "support@example.com"}, {Name: "Team", Email: "team@example.com"}}, email.To)
	assert.Equal(t, "Re: Café", email.Subject)
	assert.Equal(t, "<p>html body?</p>", email.Body)
	assert.Equal(t, "text/html", email.ContentType)
	assert.Equal(t, time.Date(2006, 1, 2, 22, 4, 5, 0, time.UTC), email.ReceivedAt)
	assert.Equal(t, "abc@mail.example.com", email.InternetMessageID)
	assert.Equal(t, "parent@mail.example.com", email.InReplyTo)
	assert.Equal(t, []string{"root@mail.example.com", "parent@mail.example.com"}, email.References)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, email.LabelIDs)
}

func TestNormalizePlainTextStdBase64(t *testing.T) {
	msg := &gmail.Message{
		Id: "m2",
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers:  []*gmail.MessagePartHeader{header("From", "bob@example.com")},
			Body:     &gmail.MessagePartBody{Data: base64.StdEncoding.EncodeToString([]byte("hi >>> there???"))},
		},
	}

	email, err := Normalize(msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "hi >>> there???", email.Body)
	assert.Equal(t, "text/plain", email.ContentType)
}

func TestNormalizeReceivedAtFallbacks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := func(headers ...*gmail.MessagePartHeader) *gmail.Message {
		return &gmail.Message{
			Id:      "m3",
			Payload: &gmail.MessagePart{Headers: append([]*gmail.MessagePartHeader{header("From", "c@example.com")}, headers...)},
		}
	}

	msg := base(header("Date", "not a date"))
	msg.InternalDate = 1700000000000
	email, err := Normalize(msg, now)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), email.ReceivedAt)

	email, err = Normalize(base(), now)
	require.NoError(t, err)
	assert.Equal(t, now, email.ReceivedAt)
}

func TestNormalizeMalformedFrom(t *testing.T) {
	msg := &gmail.Message{
		Id: "m4",
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{header("From", `Broken "Name <Broken@Example.com>`)},
		},
		Snippet: "snippet only",
	}

	email, err := Normalize(msg, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "broken@example.com", email.From.Email)
	assert.Equal(t, "snippet only", email.Body)
}

func TestNormalizeFailsClosed(t *testing.T) {
	_, err := Normalize(nil, time.Now())
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = Normalize(&gmail.Message{Id: "m5"}, time.Now())
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = Normalize(&gmail.Message{Payload: &gmail.MessagePart{}}, time.Now())
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = Normalize(&gmail.Message{Id: "m6", Payload: &gmail.MessagePart{
		Headers: []*gmail.MessagePartHeader{header("Subject", "no sender")},
	}}, time.Now())
	assert.ErrorIs(t, err, ErrUnparseable)
}
