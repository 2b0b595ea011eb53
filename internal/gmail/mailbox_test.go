package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"sortbox/internal/harvest"
)

var _ harvest.Provider = (*Mailbox)(nil)

type fakeGmail struct {
	mu       sync.Mutex
	requests []string
	modify   []gmailv1.BatchModifyMessagesRequest
	created  []string
	status   int
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, `{"error":{"code":403,"message":"slow down","errors":[{"reason":"userRateLimitExceeded"}]}}`)
		return
	}

	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(path, "/users/me/messages") && r.Method == http.MethodGet:
		if r.URL.Query().Get("pageToken") == "" {
			io.WriteString(w, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}],"nextPageToken":"p2"}`)
		} else {
			io.WriteString(w, `{"messages":[{"id":"m3","threadId":"t3"}]}`)
		}
	case strings.HasSuffix(path, "/users/me/messages/m1"):
		io.WriteString(w, `{"id":"m1","threadId":"t1","snippet":"hi there","internalDate":"1700000000000",
			"payload":{"headers":[{"name":"From","value":"Ann <Ann+promo@Example.com>"},{"name":"Subject","value":"Hello"}]}}`)
	case strings.HasSuffix(path, "/users/me/profile"):
		io.WriteString(w, `{"emailAddress":"me@example.com","messagesTotal":9000}`)
	case strings.HasSuffix(path, "/users/me/labels/INBOX"):
		io.WriteString(w, `{"id":"INBOX","name":"INBOX","messagesTotal":2500}`)
	case strings.HasSuffix(path, "/users/me/labels") && r.Method == http.MethodGet:
		io.WriteString(w, `{"labels":[{"id":"INBOX","name":"INBOX"},{"id":"Label_1","name":"Receipts"}]}`)
	case strings.HasSuffix(path, "/users/me/labels") && r.Method == http.MethodPost:
		var l gmailv1.Label
		json.NewDecoder(r.Body).Decode(&l)
		f.mu.Lock()
		f.created = append(f.created, l.Name)
		f.mu.Unlock()
		io.WriteString(w, `{"id":"Label_new","name":"`+l.Name+`"}`)
	case strings.HasSuffix(path, "/users/me/messages/batchModify"):
		var req gmailv1.BatchModifyMessagesRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.modify = append(f.modify, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func newTestMailbox(t *testing.T) (*Mailbox, *fakeGmail) {
	t.Helper()
	fake := &fakeGmail{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	svc, err := gmailv1.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewMailbox(svc), fake
}

func TestListInboxPage(t *testing.T) {
	m, fake := newTestMailbox(t)
	ctx := context.Background()

	page, err := m.ListInboxPage(ctx, 2, "", "in:inbox")
	if err != nil {
		t.Fatalf("ListInboxPage: %v", err)
	}
	if len(page.Refs) != 2 || page.Refs[0].ID != "m1" || page.Refs[1].ThreadID != "t2" || page.NextCursor != "p2" {
		t.Fatalf("first page: %+v", page)
	}
	page, err = m.ListInboxPage(ctx, 2, "p2", "in:inbox")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Refs) != 1 || page.NextCursor != "" {
		t.Fatalf("last page: %+v", page)
	}
	if !strings.Contains(fake.requests[0], "maxResults=2") || !strings.Contains(fake.requests[0], "q=in%3Ainbox") {
		t.Fatalf("query not forwarded: %s", fake.requests[0])
	}
}

func TestGetItemDetail(t *testing.T) {
	m, _ := newTestMailbox(t)
	it, err := m.GetItemDetail(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetItemDetail: %v", err)
	}
	if it.Subject != "Hello" || it.Sender != "Ann <Ann+promo@Example.com>" || it.SenderEmail != "ann@example.com" {
		t.Fatalf("headers: %+v", it)
	}
	if it.Snippet != "hi there" || !it.ReceivedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("snippet/date: %+v", it)
	}
}

func TestGetProfileUsesInboxSize(t *testing.T) {
	m, _ := newTestMailbox(t)
	p, err := m.GetProfile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p.Address != "me@example.com" || p.TotalCount != 2500 {
		t.Fatalf("profile: %+v", p)
	}
}

func TestRateLimitMapped(t *testing.T) {
	m, fake := newTestMailbox(t)
	fake.status = http.StatusForbidden
	_, err := m.ListInboxPage(context.Background(), 10, "", "")
	if !harvest.IsRateLimited(err) {
		t.Fatalf("want rate limit, got %v", err)
	}
}

func TestFileMessages(t *testing.T) {
	m, fake := newTestMailbox(t)
	ctx := context.Background()

	if err := m.FileMessages(ctx, "receipts", []string{"m1", "m2"}); err != nil {
		t.Fatalf("FileMessages existing: %v", err)
	}
	if err := m.FileMessages(ctx, "Newsletters", []string{"m3"}); err != nil {
		t.Fatalf("FileMessages new: %v", err)
	}
	if err := m.FileMessages(ctx, "Newsletters", []string{"m4"}); err != nil {
		t.Fatal(err)
	}

	if len(fake.created) != 1 || fake.created[0] != "Newsletters" {
		t.Fatalf("labels created: %v", fake.created)
	}
	if len(fake.modify) != 3 {
		t.Fatalf("batch modifies: %d", len(fake.modify))
	}
	first := fake.modify[0]
	if first.AddLabelIds[0] != "Label_1" || first.RemoveLabelIds[0] != "INBOX" || len(first.Ids) != 2 {
		t.Fatalf("modify request: %+v", first)
	}
	if fake.modify[2].AddLabelIds[0] != "Label_new" {
		t.Fatalf("created label not cached: %+v", fake.modify[2])
	}
}

func TestFileMessagesChunks(t *testing.T) {
	m, fake := newTestMailbox(t)
	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = "x"
	}
	if err := m.FileMessages(context.Background(), "Receipts", ids); err != nil {
		t.Fatal(err)
	}
	if len(fake.modify) != 3 || len(fake.modify[2].Ids) != 500 {
		t.Fatalf("chunks: %d", len(fake.modify))
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"throttled", &googleapi.Error{Code: 429, Message: "quota"}, 429},
		{"rate limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, 429},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, 403},
		{"server", &googleapi.Error{Code: 500}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pe *harvest.ProviderError
			if !errors.As(mapError(tt.err), &pe) || pe.StatusCode != tt.code {
				t.Fatalf("mapped to %v", mapError(tt.err))
			}
			if pe.Message == "" {
				t.Fatal("empty message")
			}
		})
	}
	plain := errors.New("dial tcp: refused")
	if mapError(plain) != plain {
		t.Fatal("non-API errors must pass through")
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"Tue, 05 Mar 2024 15:30:00 +0100",
		"Tue, 5 Mar 2024 15:30:00 +0100",
		"Tue, 5 Mar 2024 15:30:00 +0100 (CET)",
		"05 Mar 2024 15:30:00 +0100",
	} {
		if got := parseDate(in); !got.Equal(want) {
			t.Errorf("parseDate(%q) = %s", in, got)
		}
	}
	if !parseDate("yesterday").IsZero() || !parseDate("2024-03-05T14:30:00Z").IsZero() {
		t.Error("garbage must parse to zero time")
	}
}

func TestMessageText(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }
	tests := []struct {
		name string
		msg  *gmailv1.Message
		want string
	}{
		{"plain preferred", &gmailv1.Message{Payload: &gmailv1.MessagePart{
			MimeType: "multipart/alternative",
			Parts: []*gmailv1.MessagePart{
				{MimeType: "text/html", Body: &gmailv1.MessagePartBody{Data: enc("<p>html</p>")}},
				{MimeType: "text/plain", Body: &gmailv1.MessagePartBody{Data: enc("plain")}},
			},
		}}, "plain"},
		{"nested html", &gmailv1.Message{Payload: &gmailv1.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmailv1.MessagePart{{
				MimeType: "multipart/related",
				Parts: []*gmailv1.MessagePart{
					{MimeType: "text/html", Body: &gmailv1.MessagePartBody{Data: enc("<b>bold</b> &amp; more")}},
				},
			}},
		}}, "bold & more"},
		{"snippet", &gmailv1.Message{Snippet: "just a snippet", Payload: &gmailv1.MessagePart{MimeType: "image/png"}}, "just a snippet"},
		{"empty", &gmailv1.Message{}, "(no content)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageText(tt.msg); got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestParseAuthInput(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  4/abc  ", "4/abc", false},
		{"http://127.0.0.1:8080/?state=s&code=4%2Fxyz&scope=mail", "4/xyz", false},
		{"https://example.com/?state=s", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseAuthInput(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseAuthInput(%q) = %q, %v", tt.in, got, err)
		}
	}
}

type memSecrets map[string]string

func (m memSecrets) Get(k string) (string, error) {
	v, ok := m[k]
	if !ok {
		return "", errors.New("missing")
	}
	return v, nil
}
func (m memSecrets) Set(k, v string) error { m[k] = v; return nil }
func (m memSecrets) Delete(k string) error { delete(m, k); return nil }

func TestKeyringTokens(t *testing.T) {
	s := memSecrets{}
	tokens := NewKeyringTokens(s)
	if _, err := tokens.Load(); err == nil {
		t.Fatal("empty store returned a token")
	}
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := tokens.Save(&oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: exp}); err != nil {
		t.Fatal(err)
	}
	tok, err := tokens.Load()
	if err != nil || tok.RefreshToken != "r" || !tok.Expiry.Equal(exp) {
		t.Fatalf("Load = %+v, %v", tok, err)
	}
	if err := tokens.Delete(); err != nil {
		t.Fatal(err)
	}
	if len(s) != 0 {
		t.Fatalf("token not deleted: %v", s)
	}
}
