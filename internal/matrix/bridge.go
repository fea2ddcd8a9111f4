// ABOUTME: Matrix sync bridge turning room messages into relay turns
// ABOUTME: Filters own, duplicate, edited and non-text events and shows typing while a turn runs

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/relay"
)

// typingTimeout is how long one typing notification lasts.
const typingTimeout = 30 * time.Second

// networkTimeout bounds Matrix API calls made outside a turn.
const networkTimeout = 10 * time.Second

const (
	seenTTL  = time.Hour
	seenSize = 10000
)

// Submitter accepts turns for processing.
type Submitter interface {
	Submit(ctx context.Context, turn relay.Turn) <-chan error
}

// Bridge syncs with the homeserver and submits every accepted message.
type Bridge struct {
	client  *Client
	relay   Submitter
	seen    *dedupe.Cache
	allowed []string
	typing  bool
	logger  *slog.Logger
}

// NewBridge creates a bridge for client that submits turns to r.
func NewBridge(client *Client, r Submitter, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:  client,
		relay:   r,
		seen:    dedupe.New(seenTTL, seenSize),
		allowed: client.cfg.AllowedRooms,
		typing:  client.cfg.TypingIndicator,
		logger:  logger.With("component", "matrix-bridge"),
	}
}

// Run syncs until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	mx := b.client.Mautrix()
	b.logger.Info("starting matrix bridge",
		"homeserver", b.client.cfg.Homeserver,
		"user_id", b.client.UserID(),
		"allowed_rooms", len(b.allowed))

	syncer, ok := mx.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", mx.Syncer)
	}
	syncer.OnSync(mx.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		b.handleMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
		b.handleMembership(ctx, evt)
	})

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- mx.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		mx.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

func (b *Bridge) handleMessage(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	self := id.UserID(b.client.UserID())
	turn, ok := turnFromEvent(evt, content, self)
	if !ok {
		return
	}
	if !b.isRoomAllowed(turn.ChannelID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", turn.ChannelID)
		return
	}
	if b.seen.Seen(turn.MessageID) {
		b.logger.Debug("ignoring duplicate event", "event_id", turn.MessageID)
		return
	}

	if turn.ThreadID != "" {
		turn.Destination = &Destination{client: b.client, roomID: evt.RoomID, threadRoot: id.EventID(turn.ThreadID)}
	} else {
		turn.Destination = b.client.Room(turn.ChannelID, turn.MessageID)
	}

	b.logger.Info("received message",
		"room", turn.ChannelID,
		"thread_id", turn.ThreadID,
		"sender", turn.SenderID,
		"content", platform.Truncate(turn.Text, 50))

	done := b.relay.Submit(ctx, turn)
	if b.typing {
		go b.typeUntil(evt.RoomID, done)
	}
}

// handleMembership joins rooms the relay is invited to, when they are allowed.
func (b *Bridge) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != b.client.UserID() {
		return
	}
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || member.Membership != event.MembershipInvite {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Info("declining invite to non-allowed room", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := b.client.Mautrix().JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// typeUntil keeps the typing indicator on until done yields.
func (b *Bridge) typeUntil(roomID id.RoomID, done <-chan error) {
	ticker := time.NewTicker(typingTimeout / 2)
	defer ticker.Stop()

	b.setTyping(roomID, true)
	for {
		select {
		case <-done:
			b.setTyping(roomID, false)
			return
		case <-ticker.C:
			b.setTyping(roomID, true)
		}
	}
}

func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.client.Mautrix().UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// isRoomAllowed checks if the room is in the allowed list. An empty list allows every room.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	return len(b.allowed) == 0 || slices.Contains(b.allowed, roomID)
}

// turnFromEvent maps a text message to a turn. ok is false for events the
// relay ignores: its own messages, edits, non-text messages and empty bodies.
func turnFromEvent(evt *event.Event, content *event.MessageEventContent, self id.UserID) (relay.Turn, bool) {
	if evt.Sender == self {
		return relay.Turn{}, false
	}
	if content.MsgType != event.MsgText {
		return relay.Turn{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.GetReplaceID() != "" {
		return relay.Turn{}, false
	}

	body := strings.TrimSpace(stripReplyFallback(content.Body))
	if body == "" {
		return relay.Turn{}, false
	}

	turn := relay.Turn{
		MessageID: evt.ID.String(),
		ChannelID: evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Text:      body,
	}
	if rel := content.RelatesTo; rel != nil {
		turn.ThreadID = rel.GetThreadParent().String()
		// Thread events carry a fallback reply to the previous event; only real replies count
		if !rel.IsFallingBack {
			turn.ReplyToID = rel.GetReplyTo().String()
		}
	}
	return turn, true
}

// stripReplyFallback removes the "> quoted" lines clients prepend to replies.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
