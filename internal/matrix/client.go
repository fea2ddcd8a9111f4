// ABOUTME: Matrix client wrapper: login, rate-limited sends, display name cache
// ABOUTME: Also implements platform.Directory for rooms and threads

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/platform"
)

const deviceDisplayName = "coven-relay"

// api is the subset of *mautrix.Client used to deliver messages.
type api interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
	UploadBytesWithName(ctx context.Context, data []byte, contentType, fileName string) (*mautrix.RespMediaUpload, error)
}

// Client wraps a mautrix client for the relay.
type Client struct {
	cfg     config.MatrixConfig
	mx      *mautrix.Client
	api     api
	limiter *rate.Limiter
	logger  *slog.Logger

	namesMu sync.RWMutex
	names   map[id.UserID]string
}

// NewClient creates a Matrix client. Call Login before use when no access token is configured.
func NewClient(cfg config.MatrixConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mx, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if cfg.DeviceID != "" {
		mx.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	return newClient(cfg, mx, mx, logger), nil
}

func newClient(cfg config.MatrixConfig, mx *mautrix.Client, a api, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		mx:      mx,
		api:     a,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "matrix"),
		names:   make(map[id.UserID]string),
	}
}

// Login authenticates with username and password unless an access token is set.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.AccessToken != "" {
		whoami, err := c.mx.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("checking access token: %w", err)
		}
		c.mx.UserID = whoami.UserID
		if whoami.DeviceID != "" {
			c.mx.DeviceID = whoami.DeviceID
		}
		c.logger.Info("using access token", "user_id", whoami.UserID, "device_id", c.mx.DeviceID)
		return nil
	}

	resp, err := c.mx.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: c.cfg.Username,
		},
		Password:                 c.cfg.Password,
		DeviceID:                 id.DeviceID(c.cfg.DeviceID),
		InitialDeviceDisplayName: deviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}
	c.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// UserID returns the logged-in account.
func (c *Client) UserID() string {
	return c.mx.UserID.String()
}

// Mautrix exposes the underlying client for sync and crypto setup.
func (c *Client) Mautrix() *mautrix.Client {
	return c.mx
}

// DisplayName returns a cached display name for userID, or "" when it cannot be found.
func (c *Client) DisplayName(userID string) string {
	uid := id.UserID(userID)
	c.namesMu.RLock()
	name, ok := c.names[uid]
	c.namesMu.RUnlock()
	if ok {
		return name
	}
	if c.mx == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	resp, err := c.mx.GetDisplayName(ctx, uid)
	if err != nil {
		c.logger.Debug("display name lookup failed", "user_id", userID, "error", err)
		return ""
	}

	c.namesMu.Lock()
	c.names[uid] = resp.DisplayName
	c.namesMu.Unlock()
	return resp.DisplayName
}

// Destination implements platform.Directory.
func (c *Client) Destination(ctx context.Context, channelID, threadID string) (platform.Destination, error) {
	if !strings.HasPrefix(channelID, "!") {
		return nil, fmt.Errorf("%q is not a room id", channelID)
	}
	if threadID != "" && !strings.HasPrefix(threadID, "$") {
		return nil, fmt.Errorf("%q is not an event id", threadID)
	}
	return &Destination{
		client:     c,
		roomID:     id.RoomID(channelID),
		threadRoot: id.EventID(threadID),
	}, nil
}

// Room returns a destination for the room's main timeline. Threads created
// from it are rooted at anchor when set.
func (c *Client) Room(roomID string, anchor string) *Destination {
	return &Destination{client: c, roomID: id.RoomID(roomID), anchor: id.EventID(anchor)}
}

func (c *Client) send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.api.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := c.api.RedactEvent(ctx, roomID, eventID)
	return err
}

func (c *Client) upload(ctx context.Context, data []byte, contentType, name string) (id.ContentURIString, error) {
	resp, err := c.api.UploadBytesWithName(ctx, data, contentType, name)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty upload response")
	}
	return resp.ContentURI.CUString(), nil
}

var _ platform.Directory = (*Client)(nil)
