package mailbox

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
)

const previewLimit = 500

// ParseInbound reduces a raw RFC 5322 message to sender, decoded subject and
// a short plain-text preview.
func ParseInbound(raw []byte) (*Inbound, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("could not parse message, %w", err)
	}

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	return &Inbound{
		Sender:  AddressOf(msg.Header.Get("From")),
		Subject: subject,
		Preview: preview(msg),
	}, nil
}

// AddressOf unwraps a display-name form like `Ada Lovelace <ada@example.com>`
// to the bare address, lowercased.
func AddressOf(header string) string {
	a, err := mail.ParseAddress(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(a.Address)
}

// preview returns the first text/plain part, truncated. Multipart messages
// are walked one level deep; anything marked as an attachment is skipped.
func preview(msg *mail.Message) string {
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		if strings.HasPrefix(mediaType, "text/") {
			return clip(msg.Body)
		}
		return ""
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			continue
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil || !strings.HasPrefix(partType, "text/plain") {
			continue
		}
		return clip(part)
	}
}

func clip(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, previewLimit))
	return strings.TrimSpace(string(b))
}
