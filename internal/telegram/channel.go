// Package telegram implements the thin Telegram ingress/egress transport
// named by spec §6: long-polling ingress, allow-list filtering, and
// reply/typing egress, and download of inbound media files. Slash-command
// parsing happens in internal/engine; transcription and formatting are
// delegated to narrow collaborators (internal/transcribe, internal/format)
// rather than implemented in depth here, per §1's "treated as external
// collaborator" scoping for those concerns.
//
// Grounded on vanducng-goclaw/internal/channels/{channel.go,telegram/
// channel.go}: BaseChannel's allow-list/IsAllowed compound-id matching and
// the long-polling bot setup, trimmed of multi-channel pairing, group
// writer ACLs, and streaming-preview features this spec's scope does not
// name.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw-dispatch/internal/bus"
	"github.com/nextlevelbuilder/goclaw-dispatch/internal/config"
)

// Channel is the Telegram messaging transport.
type Channel struct {
	bot       *telego.Bot
	allowFrom map[string]bool // empty = allow all, per spec §6
	bus       *bus.MessageBus

	downloadDir string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from cfg, wired to publish inbound
// messages onto msgBus and subscribing to msgBus's outbound messages for
// this channel.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, downloadDir string) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}

	c := &Channel{bot: bot, allowFrom: allow, bus: msgBus, downloadDir: downloadDir}
	msgBus.SubscribeOutbound(c.deliverOutbound)
	return c, nil
}

// IsAllowed reports whether userID may use the bot. An empty allow-list
// permits everyone, per spec §6.
func (c *Channel) IsAllowed(userID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[userID]
}

// Start begins long-polling for updates and dispatching them onto the bus.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the polling goroutine to exit.
func (c *Channel) Stop() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram: polling goroutine did not exit within timeout")
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	if !c.IsAllowed(userID) {
		slog.Warn("telegram: dropping message from disallowed user", "user", userID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	topicID := ""
	if msg.MessageThreadID != 0 {
		topicID = strconv.Itoa(msg.MessageThreadID)
	}

	inbound := bus.InboundMessage{
		Channel:  "telegram",
		SenderID: userID,
		UserID:   userID,
		ChatID:   chatID,
		TopicID:  topicID,
		PeerKind: peerKind(msg.Chat.Type),
	}

	switch {
	case msg.Voice != nil:
		inbound.Content = msg.Caption
		inbound.Media = append(inbound.Media, c.downloadAttachment(ctx, bus.KindVoice, msg.Voice.FileID, msg.Caption))
	case msg.Audio != nil:
		inbound.Content = msg.Caption
		inbound.Media = append(inbound.Media, c.downloadAttachment(ctx, bus.KindAudio, msg.Audio.FileID, msg.Caption))
	case len(msg.Photo) > 0:
		// Open Question 1 decision (DESIGN.md): image takes priority over
		// document when a single attachment could be classified as either.
		largest := msg.Photo[len(msg.Photo)-1]
		inbound.Content = msg.Caption
		inbound.Media = append(inbound.Media, c.downloadAttachment(ctx, bus.KindImage, largest.FileID, msg.Caption))
	case msg.Document != nil:
		inbound.Content = msg.Caption
		inbound.Media = append(inbound.Media, c.downloadAttachment(ctx, bus.KindDocument, msg.Document.FileID, msg.Caption))
	default:
		inbound.Content = msg.Text
	}

	c.bus.PublishInbound(inbound)
}

func peerKind(chatType string) string {
	if chatType == telego.ChatTypePrivate {
		return "direct"
	}
	return "group"
}

// downloadAttachment resolves a Telegram file id to a local path under
// downloadDir. Errors are logged and yield an attachment with an empty
// URL, matching the teacher's "file download failed earlier; nothing to
// transcribe" fail-soft posture for downstream consumers.
func (c *Channel) downloadAttachment(ctx context.Context, kind, fileID, caption string) bus.MediaAttachment {
	att := bus.MediaAttachment{Kind: kind, Caption: caption}

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		slog.Warn("telegram: get file failed", "error", err, "kind", kind)
		return att
	}

	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		slog.Warn("telegram: create download dir failed", "error", err)
		return att
	}
	destPath := filepath.Join(c.downloadDir, filepath.Base(file.FilePath))
	// Reject any attempt to escape downloadDir via a crafted FilePath.
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(c.downloadDir)) {
		slog.Warn("telegram: rejected attachment path outside sanctioned directory", "path", file.FilePath)
		return att
	}

	url := c.bot.FileDownloadURL(file.FilePath)
	resp, err := http.Get(url)
	if err != nil {
		slog.Warn("telegram: download file failed", "error", err)
		return att
	}
	defer resp.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		slog.Warn("telegram: create local file failed", "error", err)
		return att
	}
	defer out.Close()
	if _, err := out.ReadFrom(resp.Body); err != nil {
		slog.Warn("telegram: write local file failed", "error", err)
		return att
	}

	att.URL = destPath
	return att
}

// deliverOutbound sends one outbound message, selected by channel == "telegram".
func (c *Channel) deliverOutbound(msg bus.OutboundMessage) {
	if msg.Channel != "" && msg.Channel != "telegram" {
		return
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		slog.Warn("telegram: invalid chat id", "chat", msg.ChatID, "error", err)
		return
	}

	if msg.Content != "" {
		params := tu.Message(tu.ID(chatID), msg.Content)
		if topicID, ok := parseTopicID(msg.TopicID); ok {
			params.MessageThreadID = topicID
		}
		if _, err := c.bot.SendMessage(context.Background(), params); err != nil {
			slog.Error("telegram: send message failed", "error", err)
		}
	}

	for _, media := range msg.Media {
		c.deliverMedia(chatID, msg.TopicID, media)
	}
}

// deliverMedia sends a local file (already downloaded or produced by an
// agent) as a reply attachment, per spec §6's "reply(... | image path |
// document path)".
func (c *Channel) deliverMedia(chatID int64, topicID string, media bus.MediaAttachment) {
	f, err := os.Open(media.URL)
	if err != nil {
		slog.Error("telegram: open media file failed", "path", media.URL, "error", err)
		return
	}
	defer f.Close()

	ctx := context.Background()
	switch media.Kind {
	case bus.KindImage:
		photo := tu.Photo(tu.ID(chatID), tu.File(f))
		photo.Caption = media.Caption
		if id, ok := parseTopicID(topicID); ok {
			photo.MessageThreadID = id
		}
		if _, err := c.bot.SendPhoto(ctx, photo); err != nil {
			slog.Error("telegram: send photo failed", "error", err)
		}
	default:
		doc := tu.Document(tu.ID(chatID), tu.File(f))
		doc.Caption = media.Caption
		if id, ok := parseTopicID(topicID); ok {
			doc.MessageThreadID = id
		}
		if _, err := c.bot.SendDocument(ctx, doc); err != nil {
			slog.Error("telegram: send document failed", "error", err)
		}
	}
}

func parseTopicID(topicID string) (int, bool) {
	if topicID == "" || topicID == "root" {
		return 0, false
	}
	id, err := strconv.Atoi(topicID)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Typing refreshes the typing indicator for (chatID, topicID). Idempotent
// per spec §6: Telegram's own sendChatAction already de-duplicates rapid
// repeat calls at the protocol level.
func (c *Channel) Typing(chatID, topicID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	action := tu.ChatAction(tu.ID(id), telego.ChatActionTyping)
	if tid, ok := parseTopicID(topicID); ok {
		action.MessageThreadID = tid
	}
	if err := c.bot.SendChatAction(context.Background(), action); err != nil {
		slog.Debug("telegram: typing indicator failed", "error", err)
	}
}
