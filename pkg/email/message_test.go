package email

import (
	"strings"
	"testing"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Server alert\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Disk usage at 95%.\r\n"

func TestParsePlainText(t *testing.T) {
	msg, err := Parse([]byte(plainMessage), 42)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.UID != 42 {
		t.Errorf("UID = %d, want 42", msg.UID)
	}
	if msg.From != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", msg.From)
	}
	if msg.Subject != "Server alert" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.MessageID != "abc123@example.com" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Body != "Disk usage at 95%." {
		t.Errorf("Body = %q", msg.Body)
	}
	if msg.Date.IsZero() {
		t.Error("Date not parsed")
	}
}

func TestParseHTMLFallback(t *testing.T) {
	raw := "From: noreply@example.com\r\n" +
		"Subject: Notice\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Hello &amp; goodbye</p></body></html>\r\n"

	msg, err := Parse([]byte(raw), 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !strings.Contains(msg.Body, "Hello & goodbye") {
		t.Errorf("Body = %q, want tag-stripped entity-decoded text", msg.Body)
	}
	if strings.Contains(msg.Body, "<") {
		t.Errorf("Body = %q, still contains markup", msg.Body)
	}
}

func TestParseMultipartPrefersPlainText(t *testing.T) {
	raw := "From: noreply@example.com\r\n" +
		"Subject: Both parts\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=SPLIT\r\n" +
		"\r\n" +
		"--SPLIT\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<b>html version</b>\r\n" +
		"--SPLIT\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain version\r\n" +
		"--SPLIT--\r\n"

	msg, err := Parse([]byte(raw), 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Body != "plain version" {
		t.Errorf("Body = %q, want the text/plain part", msg.Body)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := Parse([]byte("\x00\x01not a message"), 1); err == nil {
		// Header parsing is lenient; absence of an error is acceptable as
		// long as parsing does not panic.
		t.Log("lenient parse accepted malformed input")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	got := Truncate(strings.Repeat("a", 50), 10)
	if got != strings.Repeat("a", 10)+"..." {
		t.Errorf("Truncate = %q", got)
	}
	// Never split a multi-byte rune.
	got = Truncate("日本語テキスト", 7)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("Truncate = %q, missing marker", got)
	}
	for _, r := range strings.TrimSuffix(got, "...") {
		if r == '�' {
			t.Fatalf("Truncate = %q, split a rune", got)
		}
	}
}
