// Package chat turns chat lines such as "/stock=aapl" into bot commands and
// renders the bot's replies as chat messages.
package chat

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cuongceg/stockbot/internal/protocol"
	"github.com/cuongceg/stockbot/internal/quote"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var commandPattern = regexp.MustCompile(`^/([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Parse reports whether line is a command. day_range arguments holding a
// comma are split into a trimmed list.
func Parse(line string) (protocol.Request, bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return protocol.Request{}, false
	}
	name, arg := m[1], strings.TrimSpace(m[2])
	if name == "day_range" && strings.Contains(arg, ",") {
		parts := strings.Split(arg, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return protocol.Request{Type: name, Arg: parts}, true
	}
	return protocol.Request{Type: name, Arg: arg}, true
}

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// BotUser authors every bot message.
var BotUser = User{ID: 0, Username: "Bot"}

type Message struct {
	Text      string    `json:"text"`
	User      User      `json:"user"`
	Type      string    `json:"type"`
	Error     bool      `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender is the caller-facing half of the gateway.
type Sender interface {
	Send(ctx context.Context, req protocol.Request) (*protocol.Response, error)
}

type Bot struct {
	sender Sender
	log    zerolog.Logger
	now    func() time.Time
}

type Option func(*Bot)

func WithLogger(l zerolog.Logger) Option { return func(b *Bot) { b.log = l } }

func WithClock(now func() time.Time) Option { return func(b *Bot) { b.now = now } }

func NewBot(s Sender, opts ...Option) *Bot {
	b := &Bot{sender: s, log: log.Logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reply sends req and formats the answer. A rejected command yields a single
// error message; Reply itself does not fail.
func (b *Bot) Reply(ctx context.Context, req protocol.Request) []Message {
	resp, err := b.sender.Send(ctx, req)
	if err != nil {
		b.log.Warn().Err(err).Str("command", req.Type).Msg("bot command rejected")
		text := "The bot could not answer your command"
		if f, ok := protocol.AsFailure(err); ok && f.Message != "" {
			text = f.Message
		}
		return []Message{b.message(text, true)}
	}

	if req.Type == "day_range" {
		var res quote.RangeResult
		if err := resp.Decode(&res); err != nil {
			b.log.Error().Err(err).Msg("unexpected day_range reply")
			return []Message{b.message("Unexpected reply from the bot", true)}
		}
		out := make([]Message, 0, len(res.Results))
		for _, item := range res.Results {
			out = append(out, b.message(item.Message, item.Error))
		}
		return out
	}
	return []Message{b.message(resp.Message, false)}
}

func (b *Bot) message(text string, failed bool) Message {
	return Message{Text: text, User: BotUser, Type: "command", Error: failed, Timestamp: b.now().UTC()}
}
