// Package telegram runs the picture-store commands as a long-polling
// Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/yan-zero/savepic/ai"
	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/plugin/savepic"
	"github.com/yan-zero/savepic/plugin/savepic/metrics"
	"github.com/yan-zero/savepic/store"
)

const helpText = `/savepic [-g] [-ac] <name> - save the attached picture
/savepic -d <name> - shorthand for /rmpic
/rmpic [-g] <name> - delete a picture
/mvpic [-lg] <old> <new> - rename or re-scope a picture
/randpic [keyword] - random picture by keyword
/repic <regex> - random picture by regular expression
/simpic [-i] - find the picture most similar to the attached one
/countpic [regex] - count pictures
/listpic [pattern] [page] - list picture names
Sending a bare picture name posts that picture.`

// Bot is the Telegram front end. Each update is handled on its own
// goroutine; the underlying handler is safe for concurrent use.
type Bot struct {
	api        *tgbotapi.BotAPI
	profile    *profile.Profile
	handler    *savepic.Handler
	backfiller *ai.Backfiller
	metrics    *metrics.Metrics
	client     *http.Client
}

// New creates a Telegram bot from the profile's token.
func New(p *profile.Profile, handler *savepic.Handler, backfiller *ai.Backfiller, m *metrics.Metrics) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(p.TelegramToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	return &Bot{
		api:        api,
		profile:    p,
		handler:    handler,
		backfiller: backfiller,
		metrics:    m,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
	}, nil
}

// Start long-polls for updates until the context is canceled.
func (b *Bot) Start(ctx context.Context) error {
	slog.Info("telegram bot started", "username", b.api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	chat := store.GroupScope(fmt.Sprintf("telegram:%d", msg.Chat.ID))
	caller := fmt.Sprintf("telegram:%d", msg.From.ID)

	var reply *savepic.Reply
	var err error
	if strings.HasPrefix(text, "/") {
		command, args := splitCommand(text)
		start := time.Now()
		reply, err = b.dispatch(ctx, command, args, msg, chat, caller)
		if b.metrics != nil {
			b.metrics.ObserveCommand(command, time.Since(start), err)
		}
		if err != nil {
			slog.Error("command failed", "command", command, "chat", chat.String(), "err", err)
			reply = &savepic.Reply{Text: "something went wrong, please try again later."}
		}
	} else if isLookupCandidate(text) {
		// A bare message that looks like a picture name posts that picture;
		// a miss stays silent.
		reply, err = b.handler.Lookup(ctx, text, chat)
		if err != nil {
			slog.Warn("name lookup failed", "err", err)
			return
		}
	}

	if reply != nil {
		b.send(msg.Chat.ID, reply)
	}
}

func (b *Bot) dispatch(ctx context.Context, command, args string, msg *tgbotapi.Message, chat store.Scope, caller string) (*savepic.Reply, error) {
	flags, rest := splitFlags(args)

	switch command {
	case "savepic":
		if hasFlag(flags, "d") {
			return b.handler.Delete(ctx, &savepic.DeleteRequest{
				Name:       rest,
				Chat:       chat,
				Caller:     caller,
				WantGlobal: hasFlag(flags, "g"),
			})
		}
		image, err := b.attachedPhoto(ctx, msg)
		if err != nil {
			return nil, err
		}
		return b.handler.Save(ctx, &savepic.SaveRequest{
			Name:           rest,
			Image:          image,
			Chat:           chat,
			Caller:         caller,
			WantGlobal:     hasFlag(flags, "g"),
			AllowCollision: hasFlag(flags, "ac"),
		})

	case "rmpic":
		return b.handler.Delete(ctx, &savepic.DeleteRequest{
			Name:       rest,
			Chat:       chat,
			Caller:     caller,
			WantGlobal: hasFlag(flags, "g"),
		})

	case "mvpic":
		oldName, newName := splitNames(rest)
		if oldName == "" {
			return &savepic.Reply{Text: "usage: /mvpic [-lg] <old> <new>"}, nil
		}
		if newName == "" {
			newName = oldName
		}
		srcGlobal, dstGlobal := scopeFlags(flags)
		return b.handler.Rename(ctx, &savepic.RenameRequest{
			OldName:   oldName,
			NewName:   newName,
			Chat:      chat,
			Caller:    caller,
			SrcGlobal: srcGlobal,
			DstGlobal: dstGlobal,
		})

	case "randpic":
		return b.handler.Random(ctx, &savepic.RandomRequest{Keyword: rest, Chat: chat})

	case "repic":
		return b.handler.RegexpPick(ctx, rest, chat)

	case "simpic":
		image, err := b.attachedPhoto(ctx, msg)
		if err != nil {
			return nil, err
		}
		// -i lifts the match floor; admin only, it surfaces arbitrarily
		// weak matches.
		ignoreFloor := hasFlag(flags, "i") && b.profile.IsAdmin(caller)
		return b.handler.Similar(ctx, image, chat, ignoreFloor)

	case "countpic":
		return b.handler.Count(ctx, rest, chat)

	case "listpic":
		pattern, page := splitPage(rest)
		return b.handler.List(ctx, &savepic.ListRequest{Pattern: pattern, Chat: chat, Page: page})

	case "backfill":
		if !b.profile.IsAdmin(caller) {
			return &savepic.Reply{Text: "admin only."}, nil
		}
		if b.backfiller == nil {
			return &savepic.Reply{Text: "embedding backend is not configured."}, nil
		}
		count, err := b.backfiller.Run(ctx)
		if err != nil {
			return nil, err
		}
		return &savepic.Reply{Text: fmt.Sprintf("backfilled %d embeddings.", count)}, nil

	case "help", "start":
		return &savepic.Reply{Text: helpText}, nil

	default:
		return nil, nil
	}
}

// attachedPhoto returns the largest photo attached to the message or to the
// message it replies to.
func (b *Bot) attachedPhoto(ctx context.Context, msg *tgbotapi.Message) ([]byte, error) {
	photos := msg.Photo
	if len(photos) == 0 && msg.ReplyToMessage != nil {
		photos = msg.ReplyToMessage.Photo
	}
	if len(photos) == 0 {
		return nil, nil
	}

	// Telegram orders sizes ascending; take the largest.
	largest := photos[len(photos)-1]

	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: largest.FileID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve telegram file")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download telegram file")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to download telegram file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Bot) send(chatID int64, reply *savepic.Reply) {
	var err error
	if len(reply.Image) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  reply.ImageName,
			Bytes: reply.Image,
		})
		photo.Caption = reply.Text
		_, err = b.api.Send(photo)
	} else if reply.Text != "" {
		_, err = b.api.Send(tgbotapi.NewMessage(chatID, reply.Text))
	}
	if err != nil {
		slog.Error("failed to send telegram reply", "chat_id", chatID, "err", err)
	}
}

// splitCommand splits "/savepic@bot rest" into ("savepic", "rest").
func splitCommand(text string) (string, string) {
	command, args, _ := strings.Cut(text[1:], " ")
	if at := strings.Index(command, "@"); at >= 0 {
		command = command[:at]
	}
	return strings.ToLower(command), strings.TrimSpace(args)
}

// splitFlags peels leading "-x" tokens off the argument string.
func splitFlags(args string) ([]string, string) {
	var flags []string
	for {
		args = strings.TrimSpace(args)
		if !strings.HasPrefix(args, "-") {
			return flags, args
		}
		var flag string
		flag, args, _ = strings.Cut(args, " ")
		flags = append(flags, strings.TrimPrefix(flag, "-"))
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// scopeFlags interprets rename scope options: each flag character addresses
// one side, source first ("-lg" reads local, writes global); a single
// character applies to both sides.
func scopeFlags(flags []string) (srcGlobal, dstGlobal bool) {
	letters := strings.Join(flags, "")
	if letters == "" {
		return false, false
	}
	srcGlobal = letters[0] == 'g'
	dstGlobal = srcGlobal
	if len(letters) > 1 {
		dstGlobal = letters[1] == 'g'
	}
	return srcGlobal, dstGlobal
}

// splitNames splits "old new" on the last space so names with spaces keep
// working when only one name is given.
func splitNames(rest string) (string, string) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 1 {
		return fields[0], ""
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}

// splitPage splits a trailing page number off a listpic argument.
func splitPage(rest string) (string, int) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 1
	}
	if page, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
		return strings.Join(fields[:len(fields)-1], " "), page
	}
	return rest, 1
}

// isLookupCandidate filters bare messages worth a catalog lookup: short
// single-line text, so ordinary conversation does not hammer the database.
func isLookupCandidate(text string) bool {
	return len(text) <= 64 && !strings.ContainsAny(text, "\n")
}
