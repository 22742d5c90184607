// Package imapclient wraps the IMAP connection used by the poll cycle:
// connect, list unseen messages, fetch headers and bodies, mark as read.
package imapclient

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/mediaflux/mailrelay/internal/dedup"
)

// Config holds the IMAP connection settings.
type Config struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
}

// Message is one fetched mail, reduced to what the cycle needs. It lives
// for the duration of one cycle only.
type Message struct {
	UID         uint32
	MessageID   string
	Subject     string
	SenderRaw   string
	SenderEmail string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	ContentHash string
}

// Client is a live IMAP session.
type Client struct {
	cfg    Config
	conn   *client.Client
	logger *slog.Logger
}

// New prepares a client; Connect establishes the session.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Connect dials the server over TLS and logs in.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Server, c.cfg.Port)

	conn, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	if err := conn.Login(c.cfg.Email, c.cfg.Password); err != nil {
		conn.Logout()
		return fmt.Errorf("failed to login as %s: %w", c.cfg.Email, err)
	}

	c.conn = conn
	return nil
}

// Close logs out. Safe on an unconnected client.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}

// FetchUnseen returns the unseen messages of the configured folder in
// server-reported (arrival) order, bodies included but flags untouched.
func (c *Client) FetchUnseen() ([]Message, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	if _, err := c.conn.Select(c.cfg.Folder, false); err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", c.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search unseen messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Peek keeps the \Seen flag untouched; messages are marked read only
	// after the cycle decides their outcome.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqSet, items, messages)
	}()

	var out []Message
	for msg := range messages {
		parsed, err := c.parseMessage(msg, section)
		if err != nil {
			c.logger.Warn("failed to parse message, skipping", "error", err)
			continue
		}
		if parsed != nil {
			out = append(out, *parsed)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}

// MarkSeen flags one message as read.
func (c *Client) MarkSeen(uid uint32) error {
	if c.conn == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.conn.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message %d as read: %w", uid, err)
	}
	return nil
}

func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	out := &Message{
		UID:       msg.Uid,
		MessageID: msg.Envelope.MessageId,
		Subject:   msg.Envelope.Subject,
		Date:      msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		out.SenderEmail = strings.ToLower(from.Address())
		if from.PersonalName != "" {
			out.SenderRaw = fmt.Sprintf("%s <%s>", from.PersonalName, from.Address())
		} else {
			out.SenderRaw = from.Address()
		}
	}
	out.ContentHash = dedup.ContentHash(out.MessageID, out.Subject, out.Date.Format(time.RFC3339))

	r := msg.GetBody(section)
	if r == nil {
		return out, nil
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		// Headers alone still allow dedup and subject classification.
		return out, nil
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, _ := io.ReadAll(p.Body)
		switch {
		case strings.HasPrefix(ct, "text/plain") && out.BodyText == "":
			out.BodyText = string(body)
		case strings.HasPrefix(ct, "text/html") && out.BodyHTML == "":
			out.BodyHTML = string(body)
		}
	}
	return out, nil
}
