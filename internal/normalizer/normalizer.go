// Package normalizer converts provider messages into the pipeline's email shape.
package normalizer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	gmail "google.golang.org/api/gmail/v1"
)

// ErrUnparseable is returned for provider messages that cannot be ingested
var ErrUnparseable = errors.New("unparseable provider message")

// Address is a mailbox with an optional display name
type Address struct {
	Name  string
	Email string
}

// Email is a provider-neutral inbound email
type Email struct {
	ExternalID        string
	ThreadID          string
	From              Address
	To                []Address
	Subject           string
	Body              string
	ContentType       string
	ReceivedAt        time.Time
	InReplyTo         string
	References        []string
	InternetMessageID string
	LabelIDs          []string
	Snippet           string
}

// Normalize converts a full-format Gmail message. now is used as the
// received time when neither the Date header nor the provider timestamp is
// usable.
func Normalize(msg *gmail.Message, now time.Time) (*Email, error) {
	if msg == nil || msg.Id == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrUnparseable)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", ErrUnparseable, msg.Id)
	}

	var h mail.Header
	for _, kv := range msg.Payload.Headers {
		if kv == nil || kv.Name == "" {
			continue
		}
		h.Add(kv.Name, kv.Value)
	}

	from := firstAddress(h, "From")
	if from.Email == "" {
		from = firstAddress(h, "Sender")
	}
	if from.Email == "" {
		from = firstAddress(h, "Reply-To")
	}
	if from.Email == "" {
		return nil, fmt.Errorf("%w: message %s has no sender address", ErrUnparseable, msg.Id)
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	email := &Email{
		ExternalID:        msg.Id,
		ThreadID:          msg.ThreadId,
		From:              from,
		To:                addressList(h, "To"),
		Subject:           strings.TrimSpace(subject),
		ReceivedAt:        receivedAt(h, msg.InternalDate, now),
		InternetMessageID: messageID(h),
		InReplyTo:         firstOf(msgIDList(h, "In-Reply-To")),
		References:        msgIDList(h, "References"),
		LabelIDs:          append([]string(nil), msg.LabelIds...),
		Snippet:           msg.Snippet,
	}

	html, text := extractBodies(msg.Payload)
	switch {
	case html != "":
		email.Body, email.ContentType = html, "text/html"
	case text != "":
		email.Body, email.ContentType = text, "text/plain"
	default:
		email.Body, email.ContentType = msg.Snippet, "text/plain"
	}

	return email, nil
}

func firstAddress(h mail.Header, key string) Address {
	list := addressList(h, key)
	if len(list) == 0 {
		return Address{}
	}
	return list[0]
}

func addressList(h mail.Header, key string) []Address {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	parsed, err := h.AddressList(key)
	if err == nil {
		out := make([]Address, 0, len(parsed))
		for _, a := range parsed {
			if a.Address == "" {
				continue
			}
			out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
		}
		return out
	}

	// Malformed lists still usually carry angle-bracketed or bare addresses.
	var out []Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		name := ""
		if i := strings.LastIndex(part, "<"); i >= 0 {
			if j := strings.Index(part[i:], ">"); j > 0 {
				name = strings.Trim(strings.TrimSpace(part[:i]), `"`)
				part = part[i+1 : i+j]
			}
		}
		if !strings.Contains(part, "@") {
			continue
		}
		out = append(out, Address{Name: name, Email: strings.ToLower(strings.TrimSpace(part))})
	}
	return out
}

func receivedAt(h mail.Header, internalDate int64, now time.Time) time.Time {
	if h.Get("Date") != "" {
		if t, err := h.Date(); err == nil && !t.IsZero() {
			return t.UTC()
		}
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate).UTC()
	}
	return now.UTC()
}

func messageID(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
}

func msgIDList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if ids, err := h.MsgIDList(key); err == nil && len(ids) > 0 {
		return ids
	}
	var ids []string
	for _, f := range strings.Fields(raw) {
		if id := strings.Trim(f, "<>,"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// extractBodies walks the part tree and returns the first HTML and plain
// text bodies that are not attachments
func extractBodies(part *gmail.MessagePart) (html, text string) {
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p == nil {
			return
		}
		if p.Filename == "" && p.Body != nil && p.Body.Data != "" {
			mimeType := strings.ToLower(p.MimeType)
			switch {
			case strings.HasPrefix(mimeType, "text/html") && html == "":
				if data, ok := decodeBase64(p.Body.Data); ok {
					html = data
				}
			case strings.HasPrefix(mimeType, "text/plain") && text == "":
				if data, ok := decodeBase64(p.Body.Data); ok {
					text = data
				}
			}
		}
		for _, sub := range p.Parts {
			walk(sub)
		}
	}
	walk(part)
	return html, text
}

var encodings = []*base64.Encoding{
	base64.URLEncoding,
	base64.RawURLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

func decodeBase64(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, enc := range encodings {
		if data, err := enc.DecodeString(s); err == nil {
			return string(data), true
		}
	}
	return "", false
}
