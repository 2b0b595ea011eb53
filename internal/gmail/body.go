package gmail

import (
	"encoding/base64"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"

	"sortbox/internal/util"
)

// messageText prefers text/plain, then stripped text/html, then the snippet.
func messageText(msg *gmailv1.Message) string {
	if msg.Payload != nil {
		if body := findPart(msg.Payload, "text/plain"); body != "" {
			return body
		}
		if html := findPart(msg.Payload, "text/html"); html != "" {
			if text := util.HTMLToText(html); text != "" {
				return text
			}
		}
	}
	if msg.Snippet != "" {
		return msg.Snippet
	}
	return "(no content)"
}

// findPart walks the MIME tree depth-first and returns the decoded body of
// the first part of the given type. Direct children are checked before
// descending, so multipart/alternative yields its own text/plain.
func findPart(part *gmailv1.MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}
	for _, sub := range part.Parts {
		if strings.EqualFold(sub.MimeType, mimeType) && sub.Body != nil && sub.Body.Data != "" {
			return decodeBase64URL(sub.Body.Data)
		}
	}
	for _, sub := range part.Parts {
		if body := findPart(sub, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail usually sends unpadded base64url.
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}
