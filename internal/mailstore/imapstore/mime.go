package imapstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/mailwatch/internal/model"
)

// parsedMessage holds the parts of an RFC 5322 message the watcher uses.
type parsedMessage struct {
	Subject     string
	Sender      string
	SenderName  string
	TextBody    string
	HTMLBody    string
	Attachments []parsedAttachment
}

// parsedAttachment is one attachment with its decoded content.
type parsedAttachment struct {
	Filename string
	MIMEType string
	Kind     model.AttachmentKind
	Content  []byte
}

// parseMessage parses a raw message with go-message and extracts the
// subject, sender, text/plain and text/html bodies and every attachment.
// Attachments keep their order of appearance; their index is their ID.
func parseMessage(raw []byte) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	msg := &parsedMessage{}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].Address
		msg.SenderName = from[0].Name
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return msg, fmt.Errorf("reading part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return msg, fmt.Errorf("reading inline part: %w", readErr)
			}

			switch {
			case contentType == "message/rfc822":
				msg.Attachments = append(msg.Attachments, parsedAttachment{
					Filename: "message.eml",
					MIMEType: contentType,
					Kind:     model.AttachmentItem,
					Content:  body,
				})
			case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
				msg.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				return msg, fmt.Errorf("reading attachment %q: %w", filename, readErr)
			}

			kind := model.AttachmentFile
			if contentType == "message/rfc822" {
				kind = model.AttachmentItem
			}
			msg.Attachments = append(msg.Attachments, parsedAttachment{
				Filename: filename,
				MIMEType: contentType,
				Kind:     kind,
				Content:  body,
			})
		}
	}

	return msg, nil
}

// rewriteSubject returns raw with its Subject header replaced. The body
// is copied byte for byte.
func rewriteSubject(raw []byte, subject string) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	mh.SetSubject(subject)

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(subject))
	if err := textproto.WriteHeader(&buf, mh.Header.Header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, fmt.Errorf("copying body: %w", err)
	}
	return buf.Bytes(), nil
}

// changeKey summarises the mutable state of a message: its flags. Two
// fetches with the same key saw the same version.
func changeKey(flags []imap.Flag) string {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.EqualFold(string(f), `\Recent`) {
			continue
		}
		names = append(names, strings.ToLower(string(f)))
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func hasFlag(flags []imap.Flag, want imap.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(want)) {
			return true
		}
	}
	return false
}

// bodyOf returns the full-message body section from a fetch buffer.
func bodyOf(buf *imapclient.FetchMessageBuffer) []byte {
	return buf.FindBodySection(fullBody)
}

// fullBody is BODY.PEEK[]: the whole message without setting \Seen.
var fullBody = &imap.FetchItemBodySection{Peek: true}
