package email

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is the parsed form of a fetched mail, carrying only the fields the
// pipeline needs downstream.
type Message struct {
	UID       uint32
	MessageID string
	From      string
	Subject   string
	Body      string
	Date      time.Time
}

var htmlTagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// Parse reads a full RFC 5322 message and extracts the envelope fields and a
// plain-text body. text/plain parts win; when only HTML is present the tags
// are stripped and entities decoded.
func Parse(raw []byte, uid uint32) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}

	msg := &Message{UID: uid}
	if mid, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = mid
	}
	if subj, err := mr.Header.Subject(); err == nil {
		msg.Subject = subj
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = addrs[0].Address
	} else {
		msg.From = mr.Header.Get("From")
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed part does not invalidate what we already have.
			break
		}
		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		switch ct {
		case "text/plain":
			if plain == "" {
				b, _ := io.ReadAll(part.Body)
				plain = string(b)
			}
		case "text/html":
			if htmlBody == "" {
				b, _ := io.ReadAll(part.Body)
				htmlBody = string(b)
			}
		}
	}

	if plain != "" {
		msg.Body = strings.TrimSpace(plain)
	} else if htmlBody != "" {
		msg.Body = strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(htmlBody, " ")))
	}
	return msg, nil
}

// Truncate bounds the body to max bytes without splitting a UTF-8 sequence,
// appending an ellipsis marker when anything was cut.
func Truncate(body string, max int) string {
	if max <= 0 || len(body) <= max {
		return body
	}
	cut := max
	for cut > 0 && body[cut]&0xC0 == 0x80 {
		cut--
	}
	return body[:cut] + "..."
}
