package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"sortbox/internal/harvest"
	"sortbox/internal/model"
	"sortbox/internal/util"
)

const (
	user       = "me"
	inboxLabel = "INBOX"
	// BatchModify accepts at most this many ids per call.
	batchLimit = 1000
)

// Mailbox is a Gmail account seen as a harvest source and a filing target.
type Mailbox struct {
	svc *gmailv1.Service

	mu     sync.Mutex
	labels map[string]string // label name -> id
}

func NewMailbox(svc *gmailv1.Service) *Mailbox {
	return &Mailbox{svc: svc}
}

// ListInboxPage lists one page of message ids matching filter, newest first.
func (m *Mailbox) ListInboxPage(ctx context.Context, pageSize int, cursor, filter string) (model.Page, error) {
	call := m.svc.Users.Messages.List(user).MaxResults(int64(pageSize)).Context(ctx)
	if filter != "" {
		call = call.Q(filter)
	}
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return model.Page{}, mapError(err)
	}
	page := model.Page{NextCursor: resp.NextPageToken}
	for _, msg := range resp.Messages {
		page.Refs = append(page.Refs, model.ItemRef{ID: msg.Id, ThreadID: msg.ThreadId})
	}
	return page, nil
}

// GetItemDetail fetches the metadata headers of one message.
func (m *Mailbox) GetItemDetail(ctx context.Context, id string) (model.EnrichedItem, error) {
	msg, err := m.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders("From", "Subject", "Date").
		Context(ctx).
		Do()
	if err != nil {
		return model.EnrichedItem{}, mapError(err)
	}
	return itemFromMessage(msg), nil
}

// GetProfile reports the account address and the size of the inbox.
func (m *Mailbox) GetProfile(ctx context.Context) (model.Profile, error) {
	prof, err := m.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return model.Profile{}, mapError(err)
	}
	inbox, err := m.svc.Users.Labels.Get(user, inboxLabel).Context(ctx).Do()
	if err != nil {
		return model.Profile{}, mapError(err)
	}
	return model.Profile{Address: prof.EmailAddress, TotalCount: int(inbox.MessagesTotal)}, nil
}

// Body returns the readable text of a message.
func (m *Mailbox) Body(ctx context.Context, id string) (string, error) {
	msg, err := m.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get message %s: %w", id, mapError(err))
	}
	return messageText(msg), nil
}

// WebURL links to the message in the Gmail web client.
func (m *Mailbox) WebURL(id string) string {
	return "https://mail.google.com/mail/u/0/#all/" + id
}

// FileMessages applies the label named folder (creating it if needed) and
// takes the messages out of the inbox.
func (m *Mailbox) FileMessages(ctx context.Context, folder string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	labelID, err := m.ensureLabel(ctx, folder)
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += batchLimit {
		end := min(start+batchLimit, len(ids))
		err := m.svc.Users.Messages.BatchModify(user, &gmailv1.BatchModifyMessagesRequest{
			Ids:            ids[start:end],
			AddLabelIds:    []string{labelID},
			RemoveLabelIds: []string{inboxLabel},
		}).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("file %d messages under %q: %w", end-start, folder, mapError(err))
		}
	}
	return nil
}

func (m *Mailbox) ensureLabel(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.labels == nil {
		resp, err := m.svc.Users.Labels.List(user).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("list labels: %w", mapError(err))
		}
		m.labels = make(map[string]string, len(resp.Labels))
		for _, l := range resp.Labels {
			m.labels[strings.ToLower(l.Name)] = l.Id
		}
	}
	if id, ok := m.labels[strings.ToLower(name)]; ok {
		return id, nil
	}
	created, err := m.svc.Users.Labels.Create(user, &gmailv1.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, mapError(err))
	}
	m.labels[strings.ToLower(name)] = created.Id
	return created.Id, nil
}

func (m *Mailbox) Close() error { return nil }

// mapError converts Gmail API failures into harvest.ProviderError. Gmail
// reports some quota exhaustion as 403 with a rate-limit reason; those are
// treated as 429.
func mapError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	code := gerr.Code
	if code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				code = http.StatusTooManyRequests
			}
		}
	}
	msg := gerr.Message
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}
	return &harvest.ProviderError{StatusCode: code, Message: msg}
}

func itemFromMessage(msg *gmailv1.Message) model.EnrichedItem {
	it := model.EnrichedItem{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
	}
	var date string
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				it.Sender = h.Value
			case "subject":
				it.Subject = h.Value
			case "date":
				date = h.Value
			}
		}
	}
	it.SenderEmail = util.NormalizeSender(it.Sender)
	if msg.InternalDate > 0 {
		it.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	} else {
		it.ReceivedAt = parseDate(date)
	}
	return it
}

// parseDate reads a Date header; the zero time means unparseable.
func parseDate(h string) time.Time {
	t, err := mail.ParseDate(strings.TrimSpace(h))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
