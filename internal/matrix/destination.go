// ABOUTME: platform.Destination over a Matrix room, optionally scoped to a thread
// ABOUTME: Renders markdown, uploads attachments as m.file events and redacts on delete

package matrix

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/platform"
)

// Destination is a Matrix room timeline or a thread within it.
type Destination struct {
	client     *Client
	roomID     id.RoomID
	threadRoot id.EventID // set for threads
	anchor     id.EventID // event new threads are rooted at, for room timelines
}

// ID returns the thread root event id for threads, otherwise the room id.
func (d *Destination) ID() string {
	if d.threadRoot != "" {
		return d.threadRoot.String()
	}
	return d.roomID.String()
}

// RoomID returns the room the destination belongs to.
func (d *Destination) RoomID() string {
	return d.roomID.String()
}

// Send posts the message text followed by one m.file event per attachment.
// The returned id is that of the text event.
func (d *Destination) Send(ctx context.Context, msg platform.Message) (string, error) {
	var first id.EventID
	if msg.Text != "" {
		evtID, err := d.client.send(ctx, d.roomID, d.textContent(msg.Text, msg.Notice))
		if err != nil {
			return "", fmt.Errorf("sending message to %s: %w", d.roomID, err)
		}
		first = evtID
	}

	for _, a := range msg.Attachments {
		content, err := d.fileContent(ctx, a)
		if err != nil {
			return first.String(), fmt.Errorf("uploading %s: %w", a.Name, err)
		}
		evtID, err := d.client.send(ctx, d.roomID, content)
		if err != nil {
			return first.String(), fmt.Errorf("sending %s: %w", a.Name, err)
		}
		if first == "" {
			first = evtID
		}
	}
	return first.String(), nil
}

// Delete redacts a message.
func (d *Destination) Delete(ctx context.Context, messageID string) error {
	if err := d.client.redact(ctx, d.roomID, id.EventID(messageID)); err != nil {
		return fmt.Errorf("redacting %s: %w", messageID, err)
	}
	return nil
}

// CreateSubthread opens a thread. From a room timeline with an anchor event the
// thread is rooted at that event; otherwise a root message carrying name is posted.
func (d *Destination) CreateSubthread(ctx context.Context, name string) (platform.Destination, error) {
	root := d.threadRoot
	if root == "" {
		root = d.anchor
	}
	if root == "" {
		evtID, err := d.client.send(ctx, d.roomID, &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    "🧵 " + name,
		})
		if err != nil {
			return nil, fmt.Errorf("posting thread root: %w", err)
		}
		root = evtID
	}
	return &Destination{client: d.client, roomID: d.roomID, threadRoot: root}, nil
}

func (d *Destination) textContent(text string, notice bool) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if notice {
		content.MsgType = event.MsgNotice
	}
	if formatted, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	d.relate(content)
	return content
}

func (d *Destination) fileContent(ctx context.Context, a platform.Attachment) (*event.MessageEventContent, error) {
	data := a.Data
	if data == nil && a.Path != "" {
		var err error
		if data, err = os.ReadFile(a.Path); err != nil {
			return nil, err
		}
	}
	name := a.Name
	if name == "" {
		name = filepath.Base(a.Path)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uri, err := d.client.upload(ctx, data, contentType, name)
	if err != nil {
		return nil, err
	}

	content := &event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     name,
		FileName: name,
		URL:      uri,
		Info: &event.FileInfo{
			MimeType: contentType,
			Size:     len(data),
		},
	}
	d.relate(content)
	return content, nil
}

// relate places content in the destination's thread.
func (d *Destination) relate(content *event.MessageEventContent) {
	if d.threadRoot == "" {
		return
	}
	content.RelatesTo = &event.RelatesTo{
		Type:    event.RelThread,
		EventID: d.threadRoot,
		InReplyTo: &event.InReplyTo{
			EventID: d.threadRoot,
		},
		IsFallingBack: true,
	}
}

var _ platform.Destination = (*Destination)(nil)
