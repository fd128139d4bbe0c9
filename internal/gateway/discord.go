package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// discordLimit is the longest message Discord accepts.
const discordLimit = 2000

// DiscordGateway serves goals in Discord channels. Chat IDs are channel
// IDs.
type DiscordGateway struct {
	Session *discordgo.Session
	Router  *Router
	// Prefix, when set, is required at the start of messages that start
	// a goal. Answers to questions never need it.
	Prefix string
	log    zerolog.Logger
}

func NewDiscordGateway(token, prefix string, handler Handler, log zerolog.Logger) (*DiscordGateway, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	dg := &DiscordGateway{
		Session: session,
		Prefix:  prefix,
		log:     log.With().Str("component", "discord").Logger(),
	}
	dg.Router = NewRouter(func(ctx context.Context, chatID, text string) {
		if dg.Prefix != "" {
			rest, ok := strings.CutPrefix(text, dg.Prefix)
			if !ok {
				return
			}
			text = strings.TrimSpace(rest)
		}
		handler(ctx, chatID, text)
	})
	return dg, nil
}

// Start opens the session and receives messages until ctx is done.
func (dg *DiscordGateway) Start(ctx context.Context) error {
	dg.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		dg.log.Info().Str("user", s.State.User.Username).Msg("Logged in")
	})
	dg.Session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		dg.Router.Deliver(ctx, m.ChannelID, strings.TrimSpace(m.Content))
	})

	if err := dg.Session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	<-ctx.Done()
	return dg.Session.Close()
}

func (dg *DiscordGateway) Send(chatID string, text string) error {
	_, err := dg.Session.ChannelMessageSend(chatID, text)
	return err
}

// Sink returns the output sink of one channel.
func (dg *DiscordGateway) Sink(chatID string) Sink {
	return NewChatSink(chatID, dg, dg.Router, discordLimit)
}

func (dg *DiscordGateway) Stop() error {
	return dg.Session.Close()
}
