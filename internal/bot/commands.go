package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/watermark-relay/internal/publish"
	"github.com/fpang/watermark-relay/internal/telegram"
)

// Replies shared with tests.
const (
	msgStart         = "Hello! Send me a photo and I will watermark it for you."
	msgMarkUsage     = "Usage: /mark <ratio between 0 and 1>"
	msgAddUsage      = "Usage: /add <channel>"
	msgPostUsage     = "Usage: /postnow [count]"
	msgNothingStaged = "No images to publish."
	msgNoChannels    = "No channels registered. Use /add <channel> first."
)

type commandFunc func(b *Bot, ctx context.Context, chat telegram.ChatID, args string)

var commands = map[string]commandFunc{
	"start":    (*Bot).cmdStart,
	"mark":     (*Bot).cmdMark,
	"header":   (*Bot).cmdHeader,
	"footer":   (*Bot).cmdFooter,
	"add":      (*Bot).cmdAdd,
	"channels": (*Bot).cmdChannels,
	"postnow":  (*Bot).cmdPostNow,
	"stats":    (*Bot).cmdStats,
}

func (b *Bot) runCommand(ctx context.Context, chat telegram.ChatID, name, args string) {
	fn, ok := commands[name]
	if !ok {
		log.Debug().Str("command", name).Msg("Ignoring unknown command")
		return
	}
	log.Debug().Str("command", name).Str("chatId", string(chat)).Msg("Running command")
	fn(b, ctx, chat, args)
}

func (b *Bot) cmdStart(ctx context.Context, chat telegram.ChatID, _ string) {
	b.reply(ctx, chat, msgStart)
}

func (b *Bot) cmdMark(ctx context.Context, chat telegram.ChatID, args string) {
	ratio, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil {
		b.reply(ctx, chat, msgMarkUsage)
		return
	}
	if err := b.settings.SetMarkRatio(ratio); err != nil {
		b.reply(ctx, chat, msgMarkUsage)
		return
	}
	log.Info().Float64("ratio", ratio).Msg("Watermark ratio updated")
	b.reply(ctx, chat, fmt.Sprintf("Watermark ratio set to %g", ratio))
}

func (b *Bot) cmdHeader(ctx context.Context, chat telegram.ChatID, args string) {
	b.settings.SetHeader(args)
	if args == "" {
		b.reply(ctx, chat, "Header cleared.")
		return
	}
	b.reply(ctx, chat, "Header updated.")
}

func (b *Bot) cmdFooter(ctx context.Context, chat telegram.ChatID, args string) {
	b.settings.SetFooter(args)
	if args == "" {
		b.reply(ctx, chat, "Footer cleared.")
		return
	}
	b.reply(ctx, chat, "Footer updated.")
}

func (b *Bot) cmdAdd(ctx context.Context, chat telegram.ChatID, args string) {
	name, added, err := b.settings.AddChannel(args)
	if err != nil {
		b.reply(ctx, chat, msgAddUsage)
		return
	}
	if !added {
		b.reply(ctx, chat, fmt.Sprintf("Channel @%s is already registered.", name))
		return
	}
	log.Info().Str("channel", name).Msg("Channel registered")
	b.reply(ctx, chat, fmt.Sprintf("Channel @%s added.", name))
}

func (b *Bot) cmdChannels(ctx context.Context, chat telegram.ChatID, _ string) {
	channels := b.settings.Channels()
	if len(channels) == 0 {
		b.reply(ctx, chat, msgNoChannels)
		return
	}
	var sb strings.Builder
	sb.WriteString("Registered channels:")
	for _, ch := range channels {
		sb.WriteString("\n@")
		sb.WriteString(ch)
	}
	b.reply(ctx, chat, sb.String())
}

func (b *Bot) cmdPostNow(ctx context.Context, chat telegram.ChatID, args string) {
	requested := 0
	if args = strings.TrimSpace(args); args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			b.reply(ctx, chat, msgPostUsage)
			return
		}
		requested = n
	}

	opts, err := b.publisher.Begin(chat, requested)
	switch {
	case errors.Is(err, publish.ErrNothingStaged):
		b.reply(ctx, chat, msgNothingStaged)
		return
	case errors.Is(err, publish.ErrNoChannels):
		b.reply(ctx, chat, msgNoChannels)
		return
	case err != nil:
		log.Error().Err(err).Msg("Publish could not start")
		b.reply(ctx, chat, "Publishing is unavailable right now.")
		return
	}

	keyboard := &telegram.InlineKeyboardMarkup{InlineKeyboard: make([][]telegram.InlineKeyboardButton, len(opts))}
	for i, o := range opts {
		keyboard.InlineKeyboard[i] = []telegram.InlineKeyboardButton{{Text: o.Label, CallbackData: o.Request.Encode()}}
	}

	prompt := "Select a channel to publish all staged images:"
	if count := opts[0].Request.Count; count > 0 {
		prompt = fmt.Sprintf("Select a channel to publish %d image(s):", count)
	}
	b.send(ctx, chat, prompt, keyboard)
}

func (b *Bot) cmdStats(ctx context.Context, chat telegram.ChatID, _ string) {
	msg := fmt.Sprintf("Processed images: %d", b.counters.Processed())
	if n, err := b.staged.Size(); err == nil {
		msg += fmt.Sprintf("\nStaged images: %d", n)
	}
	b.reply(ctx, chat, msg)
}
