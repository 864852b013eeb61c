package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildMIME encodes a message as a raw RFC 5322 payload with a
// multipart/alternative body (text first, then html). Subject and display
// names are RFC 2047 encoded; bodies are quoted-printable. When only an HTML
// body is set, a crude plain-text part is derived from it so every message
// carries a text alternative.
func BuildMIME(msg Message) ([]byte, error) {
	if msg.FromEmail == "" || msg.ToEmail == "" {
		return nil, fmt.Errorf("message missing sender or recipient")
	}
	if msg.HTMLBody == "" && msg.TextBody == "" {
		return nil, fmt.Errorf("message has no body")
	}

	textBody := msg.TextBody
	if textBody == "" {
		textBody = plainTextFallback(msg.HTMLBody)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(msg.FromEmail))
	boundary := "=_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]

	var buf bytes.Buffer
	writeHeader(&buf, "Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "From", formatAddress(msg.FromName, msg.FromEmail))
	writeHeader(&buf, "To", formatAddress(msg.ToName, msg.ToEmail))
	if msg.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", msg.ReplyTo)
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "MIME-Version", "1.0")
	for k, v := range msg.Headers {
		key := strings.TrimSpace(k)
		if key == "" || isReservedHeader(key) {
			continue
		}
		writeHeader(&buf, key, strings.TrimSpace(v))
	}
	writeHeader(&buf, "Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
	buf.WriteString("\r\n")

	writePart(&buf, boundary, "text/plain", textBody)
	if msg.HTMLBody != "" {
		writePart(&buf, boundary, "text/html", msg.HTMLBody)
	}
	buf.WriteString("--" + boundary + "--\r\n")

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writePart(buf *bytes.Buffer, boundary, contentType, body string) {
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(body))
	w.Close()
	buf.WriteString("\r\n")
}

func formatAddress(name, email string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == email {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}

// isReservedHeader blocks custom headers from clobbering the structural ones
// the builder already wrote.
func isReservedHeader(key string) bool {
	switch strings.ToLower(key) {
	case "from", "to", "subject", "date", "message-id", "mime-version", "content-type", "reply-to":
		return true
	}
	return false
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return email[at+1:]
	}
	return "localhost"
}

var (
	tagRegex        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex = regexp.MustCompile(`[ \t]+`)
)

// plainTextFallback strips tags from an HTML body to produce a rough text
// alternative. Block-level closers become newlines so paragraphs survive.
func plainTextFallback(html string) string {
	text := html
	for _, tag := range []string{"</p>", "</div>", "</li>", "</h1>", "</h2>", "</h3>", "<br>", "<br/>", "<br />"} {
		text = strings.ReplaceAll(text, tag, tag+"\n")
	}
	text = tagRegex.ReplaceAllString(text, "")
	text = whitespaceRegex.ReplaceAllString(text, " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return strings.Join(lines, "\n")
}
