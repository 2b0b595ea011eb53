package imapsrc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"sortbox/internal/harvest"
	"sortbox/internal/model"
	"sortbox/internal/util"
)

// Security selects how the connection is protected.
type Security int

const (
	SecurityTLS Security = iota
	SecurityStartTLS
	SecurityNone
)

// Options locate and authenticate one IMAP mailbox.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Mailbox  string
	Security Security
}

// Mailbox is an IMAP folder seen as a harvest source and a filing target.
// Item ids are UIDs; the listing cursor is the exclusive UID upper bound of
// the next page, so pages run newest first like the Gmail listing.
type Mailbox struct {
	opts Options

	mu     sync.Mutex
	client *imapclient.Client
}

func New(opts Options) *Mailbox {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	return &Mailbox{opts: opts}
}

func (m *Mailbox) addr() string {
	return net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))
}

// connLocked returns the open session, dialing and selecting the mailbox
// on first use or after a dropped connection. m.mu must be held.
func (m *Mailbox) connLocked(ctx context.Context) (*imapclient.Client, error) {
	if m.client != nil {
		return m.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		c   *imapclient.Client
		err error
	)
	switch m.opts.Security {
	case SecurityTLS:
		c, err = imapclient.DialTLS(m.addr(), &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: m.opts.Host},
		})
	case SecurityStartTLS:
		c, err = imapclient.DialStartTLS(m.addr(), &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: m.opts.Host},
		})
	default:
		c, err = imapclient.DialInsecure(m.addr(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", m.addr(), err)
	}
	if err := c.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("imap login %s: %w", m.opts.Username, mapError(err))
	}
	if _, err := c.Select(m.opts.Mailbox, nil).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("imap select %s: %w", m.opts.Mailbox, mapError(err))
	}
	m.client = c
	return c, nil
}

// await runs a blocking IMAP wait and gives up when ctx ends. The connection
// is dropped in that case, since the server may still answer the command.
func await[T any](ctx context.Context, m *Mailbox, wait func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := wait()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && !isServerError(r.err) {
			m.dropLocked()
		}
		return r.v, r.err
	case <-ctx.Done():
		m.dropLocked()
		var zero T
		return zero, ctx.Err()
	}
}

func (m *Mailbox) dropLocked() {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// ListInboxPage returns up to pageSize UIDs below the cursor, highest first.
func (m *Mailbox) ListInboxPage(ctx context.Context, pageSize int, cursor, filter string) (model.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connLocked(ctx)
	if err != nil {
		return model.Page{}, err
	}
	criteria := searchCriteria(filter)
	if cursor != "" {
		below, err := strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return model.Page{}, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		if below <= 1 {
			return model.Page{}, nil
		}
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: 1, Stop: imap.UID(below - 1)}}}
	}
	data, err := await(ctx, m, func() (*imap.SearchData, error) {
		return c.UIDSearch(criteria, nil).Wait()
	})
	if err != nil {
		return model.Page{}, fmt.Errorf("imap search: %w", mapError(err))
	}
	return pageFromUIDs(data.AllUIDs(), pageSize), nil
}

// pageFromUIDs takes the pageSize highest uids, highest first.
func pageFromUIDs(uids []imap.UID, pageSize int) model.Page {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	slices.Reverse(sorted)

	var page model.Page
	n := min(pageSize, len(sorted))
	for _, uid := range sorted[:n] {
		page.Refs = append(page.Refs, model.ItemRef{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	if n < len(sorted) {
		page.NextCursor = strconv.FormatUint(uint64(sorted[n-1]), 10)
	}
	return page
}

// searchCriteria understands the few Gmail-style terms that have an IMAP
// equivalent; anything else matches all messages.
func searchCriteria(filter string) *imap.SearchCriteria {
	c := &imap.SearchCriteria{}
	for _, term := range strings.Fields(strings.ToLower(filter)) {
		switch term {
		case "is:unread":
			c.NotFlag = append(c.NotFlag, imap.FlagSeen)
		case "is:read":
			c.Flag = append(c.Flag, imap.FlagSeen)
		case "is:starred":
			c.Flag = append(c.Flag, imap.FlagFlagged)
		}
	}
	return c
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, &harvest.ProviderError{StatusCode: http.StatusBadRequest, Message: "invalid uid " + id}
	}
	return imap.UID(n), nil
}

func (m *Mailbox) fetch(ctx context.Context, id string, section *imap.FetchItemBodySection) (*imapclient.FetchMessageBuffer, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	c, err := m.connLocked(ctx)
	if err != nil {
		return nil, err
	}
	bufs, err := await(ctx, m, func() ([]*imapclient.FetchMessageBuffer, error) {
		return c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
	})
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, mapError(err))
	}
	if len(bufs) == 0 {
		return nil, &harvest.ProviderError{StatusCode: http.StatusNotFound, Message: "no message with uid " + id}
	}
	return bufs[0], nil
}

// GetItemDetail fetches the envelope and derives a snippet from the body.
func (m *Mailbox) GetItemDetail(ctx context.Context, id string) (model.EnrichedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	section := &imap.FetchItemBodySection{Peek: true}
	buf, err := m.fetch(ctx, id, section)
	if err != nil {
		return model.EnrichedItem{}, err
	}
	it := model.EnrichedItem{ID: id, ReceivedAt: buf.InternalDate.UTC()}
	if env := buf.Envelope; env != nil {
		it.Subject = env.Subject
		it.ThreadID = env.MessageID
		if len(env.From) > 0 {
			from := env.From[0]
			it.Sender = formatAddress(from.Name, from.Addr())
			it.SenderEmail = util.NormalizeSender(from.Addr())
		}
		if it.ReceivedAt.IsZero() {
			it.ReceivedAt = env.Date.UTC()
		}
	}
	it.Snippet = util.Snippet(bodyText(buf.FindBodySection(section)), 200)
	return it, nil
}

// GetProfile reselects the mailbox to read its current message count.
func (m *Mailbox) GetProfile(ctx context.Context) (model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connLocked(ctx)
	if err != nil {
		return model.Profile{}, err
	}
	data, err := await(ctx, m, func() (*imap.SelectData, error) {
		return c.Select(m.opts.Mailbox, nil).Wait()
	})
	if err != nil {
		return model.Profile{}, fmt.Errorf("imap select %s: %w", m.opts.Mailbox, mapError(err))
	}
	return model.Profile{Address: m.opts.Username, TotalCount: int(data.NumMessages)}, nil
}

// Body returns the readable text of a message.
func (m *Mailbox) Body(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	section := &imap.FetchItemBodySection{Peek: true}
	buf, err := m.fetch(ctx, id, section)
	if err != nil {
		return "", err
	}
	if text := bodyText(buf.FindBodySection(section)); text != "" {
		return text, nil
	}
	return "(no content)", nil
}

// WebURL is empty: IMAP has no canonical web client.
func (m *Mailbox) WebURL(string) string { return "" }

// FileMessages moves the messages into folder, creating it if needed.
// Servers without MOVE get COPY, flag \Deleted and expunge.
func (m *Mailbox) FileMessages(ctx context.Context, folder string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uid, err := parseUID(id)
		if err != nil {
			return err
		}
		uids = append(uids, uid)
	}
	set := imap.UIDSetNum(uids...)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.connLocked(ctx)
	if err != nil {
		return err
	}
	_, err = await(ctx, m, func() (struct{}, error) {
		return struct{}{}, c.Create(folder, nil).Wait()
	})
	if err != nil && !hasCode(err, imap.ResponseCodeAlreadyExists) {
		return fmt.Errorf("imap create %s: %w", folder, mapError(err))
	}

	if c.Caps().Has(imap.CapMove) {
		_, err := await(ctx, m, func() (*imapclient.MoveData, error) {
			return c.Move(set, folder).Wait()
		})
		if err != nil {
			return fmt.Errorf("imap move to %s: %w", folder, mapError(err))
		}
		return nil
	}

	_, err = await(ctx, m, func() (*imap.CopyData, error) {
		return c.Copy(set, folder).Wait()
	})
	if err != nil {
		return fmt.Errorf("imap copy to %s: %w", folder, mapError(err))
	}
	_, err = await(ctx, m, func() (struct{}, error) {
		return struct{}{}, c.Store(set, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
	})
	if err != nil {
		return fmt.Errorf("imap flag deleted: %w", mapError(err))
	}
	_, err = await(ctx, m, func() (struct{}, error) {
		if c.Caps().Has(imap.CapUIDPlus) {
			return struct{}{}, c.UIDExpunge(set).Close()
		}
		return struct{}{}, c.Expunge().Close()
	})
	if err != nil {
		return fmt.Errorf("imap expunge: %w", mapError(err))
	}
	return nil
}

// Close logs out and closes the connection.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	_ = m.client.Logout().Wait()
	err := m.client.Close()
	m.client = nil
	return err
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

func isServerError(err error) bool {
	var ierr *imap.Error
	return errors.As(err, &ierr)
}

func hasCode(err error, code imap.ResponseCode) bool {
	var ierr *imap.Error
	return errors.As(err, &ierr) && ierr.Code == code
}

// mapError turns tagged NO/BAD responses into harvest.ProviderError. LIMIT
// and UNAVAILABLE are the servers' throttling signals and become 429.
func mapError(err error) error {
	var ierr *imap.Error
	if !errors.As(err, &ierr) {
		return err
	}
	code := http.StatusBadGateway
	switch ierr.Code {
	case imap.ResponseCodeLimit, imap.ResponseCodeUnavailable:
		code = http.StatusTooManyRequests
	case imap.ResponseCodeNonExistent:
		code = http.StatusNotFound
	case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed:
		code = http.StatusUnauthorized
	}
	return &harvest.ProviderError{StatusCode: code, Message: ierr.Text}
}
