// ABOUTME: Unattended batch invocations used by schedulers and the admin API
// ABOUTME: Only the final response unit is delivered, with any queued attachments

package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/session"
)

// BatchRequest describes one unattended invocation.
type BatchRequest struct {
	ChannelID string
	// ThreadID continues an existing conversation thread. When empty the run
	// uses the channel's own session, keyed by the channel id.
	ThreadID string
	Prompt   string

	Prefix      string
	Suffix      string
	Attachments []platform.Attachment

	// WorkingDir is used when the session is created by this run. Defaults to the room setting.
	WorkingDir string

	// Destination overrides the Directory lookup.
	Destination platform.Destination
}

// RunBatch runs an unattended invocation under the thread's gate.
func (r *Relay) RunBatch(ctx context.Context, req BatchRequest) (*dispatch.Result, error) {
	if req.ChannelID == "" {
		return nil, errors.New("channel_id is required")
	}
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	dest := req.Destination
	if dest == nil {
		if r.cfg.Directory == nil {
			return nil, platform.ErrNoDestination
		}
		var err error
		dest, err = r.cfg.Directory.Destination(ctx, req.ChannelID, req.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("finding destination: %w", err)
		}
	}

	key := req.ThreadID
	if key == "" {
		key = req.ChannelID
	}

	var result *dispatch.Result
	err := r.cfg.Gate.Do(ctx, key, func(ctx context.Context) error {
		room := r.room(req.ChannelID)
		workingDir := req.WorkingDir
		if workingDir == "" {
			workingDir = room.WorkingDir
		}

		res, err := r.cfg.Router.Resolve(ctx, session.ResolveRequest{
			ThreadID:           key,
			ChannelID:          req.ChannelID,
			WorkingDirFallback: workingDir,
		})
		if err != nil {
			return fmt.Errorf("resolving session: %w", err)
		}

		result, err = r.run(ctx, runRequest{
			threadID:   key,
			channelID:  req.ChannelID,
			resolution: res,
			dest:       dest,
			prompt:     req.Prompt,
			opts: dispatch.Options{
				Batch:       true,
				Prefix:      req.Prefix,
				Suffix:      req.Suffix,
				Attachments: req.Attachments,
			},
		})
		return err
	})
	if err != nil {
		r.logger.Error("batch run failed", "error", err, "channel_id", req.ChannelID, "thread_id", req.ThreadID)
		return result, err
	}
	return result, nil
}
