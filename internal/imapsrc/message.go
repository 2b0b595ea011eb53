package imapsrc

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"sortbox/internal/util"
)

// bodyText parses a raw RFC 5322 message and returns its text/plain part,
// or the text of its text/html part when there is no plain text.
func bodyText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer mr.Close()

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF, or a part we cannot decode: keep what we have.
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && plain == "":
			plain = string(body)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(body)
		}
	}
	if strings.TrimSpace(plain) != "" {
		return strings.TrimSpace(plain)
	}
	return util.HTMLToText(html)
}
