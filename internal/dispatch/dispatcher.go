// Package dispatch connects platform adapters to the router. Every observed
// message feeds the channel history; forwarded ones go through the lane
// queue, with a tool-status tracker posting progress and the reply delivered
// back to the originating channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/gopherbridge/internal/delivery"
	"github.com/user/gopherbridge/internal/gateway"
	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/toolstatus"
	"github.com/user/gopherbridge/internal/types"
)

// GenericFailureNotice is the only failure text chat users ever see.
const GenericFailureNotice = "Sorry, something went wrong processing your message."

const deliveryTimeout = 30 * time.Second

// Options wires a Dispatcher.
type Options struct {
	Registry *delivery.Registry
	History  types.ChannelHistory
	Sessions types.SessionStore
	// Route processes a regular message; router.Router.Process.
	Route gateway.ProcessFunc

	Gateway           gateway.Options
	ToolStatus        toolstatus.Options
	DisableToolStatus bool
}

// Dispatcher owns the lane gateway and the adapter event path.
type Dispatcher struct {
	registry   *delivery.Registry
	history    types.ChannelHistory
	sessions   types.SessionStore
	route      gateway.ProcessFunc
	gateway    *gateway.Gateway
	toolStatus toolstatus.Options
	noStatus   bool
	logger     *slog.Logger
}

// New creates a Dispatcher and its gateway. History may be nil.
func New(opts Options) *Dispatcher {
	if opts.Registry == nil {
		opts.Registry = delivery.NewRegistry()
	}
	d := &Dispatcher{
		registry:   opts.Registry,
		history:    opts.History,
		sessions:   opts.Sessions,
		route:      opts.Route,
		toolStatus: opts.ToolStatus,
		noStatus:   opts.DisableToolStatus,
		logger:     slog.Default().With("component", "dispatch"),
	}
	d.gateway = gateway.New(d.process, opts.Gateway)
	return d
}

// Gateway returns the lane gateway for lifecycle control and direct
// submissions.
func (d *Dispatcher) Gateway() *gateway.Gateway { return d.gateway }

// Registry returns the delivery registry adapters are attached to.
func (d *Dispatcher) Registry() *delivery.Registry { return d.registry }

// Attach registers adapter for delivery and subscribes to its events.
func (d *Dispatcher) Attach(adapter platform.Adapter) {
	d.registry.Register(adapter)
	adapter.OnEvent(d.Handle)
}

// Handle processes one adapter event.
func (d *Dispatcher) Handle(ctx context.Context, ev platform.Event) {
	msg := ev.Message
	d.record(ctx, ev)
	if !ev.Forward {
		return
	}

	adapter, ok := d.registry.Get(msg.Source)
	if !ok {
		d.logger.Error("event from unregistered source", "source", msg.Source)
		return
	}

	var tracker *toolstatus.Tracker
	var observer types.ToolObserver
	if !d.noStatus && msg.Metadata[platform.MetaCommand] == "" {
		tracker = toolstatus.New(adapter, msg.ChannelID, d.toolStatus)
		observer = tracker
	}

	_, err := d.gateway.Submit(msg, observer, func(run *gateway.Run) {
		dctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if tracker != nil {
			tracker.Cleanup(dctx)
		}
		d.complete(dctx, adapter, run)
	})
	if err != nil {
		if tracker != nil {
			tracker.Cleanup(ctx)
		}
		if errors.Is(err, gateway.ErrNotAccepting) {
			d.logger.Info("dropping message during shutdown", "source", msg.Source, "channel", msg.ChannelID)
			return
		}
		d.logger.Warn("message not queued", "source", msg.Source, "channel", msg.ChannelID, "error", err)
		d.notify(ctx, adapter, msg.ChannelID)
	}
}

func (d *Dispatcher) record(ctx context.Context, ev platform.Event) {
	if d.history == nil || ev.MessageID == "" || strings.TrimSpace(ev.Message.Text) == "" {
		return
	}
	entry := types.ChannelHistoryEntry{
		MessageID: ev.MessageID,
		Sender:    ev.SenderName,
		UserID:    ev.Message.UserID,
		Body:      ev.Message.Text,
		Timestamp: ev.Timestamp,
		IsBot:     ev.IsBot,
	}
	if err := d.history.Record(ctx, ev.Message.ChannelID, entry); err != nil {
		d.logger.Warn("record channel history failed", "channel", ev.Message.ChannelID, "error", err)
	}
}

func (d *Dispatcher) complete(ctx context.Context, adapter platform.Adapter, run *gateway.Run) {
	msg := run.Message
	if run.Error != nil {
		d.notify(ctx, adapter, msg.ChannelID)
		return
	}
	if run.Result == nil {
		return
	}
	if err := d.reply(ctx, adapter, msg.ChannelID, "run-"+string(run.ID), run.Result.Response); err != nil {
		d.logger.Error("send reply failed", "source", msg.Source, "channel", msg.ChannelID, "error", err)
	}
}

// reply sends response in platform-sized chunks and records it in the
// channel history under messageID.
func (d *Dispatcher) reply(ctx context.Context, adapter platform.Adapter, channelID, messageID, response string) error {
	if strings.TrimSpace(response) == "" {
		return nil
	}
	for _, chunk := range platform.Split(adapter, response) {
		if err := adapter.SendMessage(ctx, channelID, chunk); err != nil {
			return err
		}
	}
	if d.history != nil {
		err := d.history.Record(ctx, channelID, types.ChannelHistoryEntry{
			MessageID: messageID,
			Sender:    adapter.Name(),
			Body:      response,
			Timestamp: time.Now(),
			IsBot:     true,
		})
		if err != nil {
			d.logger.Warn("record reply failed", "channel", channelID, "error", err)
		}
	}
	return nil
}

// Inject processes msg on its lane as though it arrived from its platform,
// then delivers the reply to the originating channel. Scheduled tasks use
// it. It blocks until the reply is sent.
func (d *Dispatcher) Inject(ctx context.Context, msg types.NormalizedMessage) (*types.ProcessResult, error) {
	adapter, ok := d.registry.Get(msg.Source)
	if !ok {
		return nil, fmt.Errorf("no adapter for source %q", msg.Source)
	}
	res, err := d.gateway.Process(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := d.reply(ctx, adapter, msg.ChannelID, "inject-"+uuid.NewString(), res.Response); err != nil {
		return res, fmt.Errorf("deliver reply: %w", err)
	}
	return res, nil
}

func (d *Dispatcher) notify(ctx context.Context, adapter platform.Adapter, channelID string) {
	if err := adapter.SendMessage(ctx, channelID, GenericFailureNotice); err != nil {
		d.logger.Error("send failure notice failed", "channel", channelID, "error", err)
	}
}

// process runs on the message's lane. Commands are answered here so they
// stay ordered with the conversation they act on.
func (d *Dispatcher) process(ctx context.Context, msg types.NormalizedMessage, observer types.ToolObserver) (*types.ProcessResult, error) {
	if cmd := msg.Metadata[platform.MetaCommand]; cmd != "" {
		return d.command(ctx, cmd, msg)
	}
	if d.route == nil {
		return nil, errors.New("dispatch: no route")
	}
	return d.route(ctx, msg, observer)
}

func (d *Dispatcher) command(ctx context.Context, cmd string, msg types.NormalizedMessage) (*types.ProcessResult, error) {
	switch cmd {
	case "start":
		return &types.ProcessResult{
			Response: "Hi! Send me a message to get started. Use /new to start a fresh conversation and /status to see the current session.",
		}, nil
	case "new":
		sess, err := d.sessions.GetOrCreate(ctx, msg.Source, msg.ChannelID, msg.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		d.sessions.ClearContext(ctx, sess.ID)
		return &types.ProcessResult{Response: "Started a new conversation.", SessionID: sess.ID}, nil
	case "status":
		sess, err := d.sessions.GetOrCreate(ctx, msg.Source, msg.ChannelID, msg.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Session: %s\n", sess.ID)
		fmt.Fprintf(&b, "Turns: %d\n", len(sess.Turns))
		fmt.Fprintf(&b, "Last active: %s\n", sess.LastActive.Format(time.RFC3339))
		fmt.Fprintf(&b, "Queued: %d", d.gateway.Queue.Pending()-1)
		return &types.ProcessResult{Response: b.String(), SessionID: sess.ID}, nil
	default:
		return &types.ProcessResult{Response: fmt.Sprintf("Unknown command /%s", cmd)}, nil
	}
}
