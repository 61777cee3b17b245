// Package discord provides the Discord bot layer for livevoice. It owns the
// discordgo.Session lifecycle, exposes the configured voice channel as an
// audio device, and routes the /voice slash command.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	discordaudio "github.com/MrWong99/livevoice/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token, without the "Bot " prefix.
	Token string

	GuildID string

	// ChannelID is the voice channel joined by [Bot.Device].
	ChannelID string

	// OperatorRoleID is the role allowed to run privileged commands. Empty
	// disables the check.
	OperatorRoleID string
}

func (c Config) validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.GuildID == "" {
		errs = append(errs, errors.New("guild id is required"))
	}
	if c.ChannelID == "" {
		errs = append(errs, errors.New("channel id is required"))
	}
	return errors.Join(errs...)
}

// Bot is a connected gateway session scoped to one guild and voice channel.
type Bot struct {
	cfg     Config
	session *discordgo.Session
	router  *CommandRouter
	perms   *PermissionChecker

	mu     sync.Mutex
	synced bool
	closed bool
}

// New validates cfg and opens the gateway connection. Interactions are
// dispatched through [Bot.Router] from the moment the session is open.
func New(_ context.Context, cfg Config) (*Bot, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}

	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := &Bot{
		cfg:     cfg,
		session: s,
		router:  NewCommandRouter(),
		perms:   NewPermissionChecker(cfg.OperatorRoleID),
	}
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		slog.Info("discord gateway ready", "user", r.User.Username, "session_id", r.SessionID)
	})
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.GuildID != "" && i.GuildID != cfg.GuildID {
			return
		}
		b.router.Handle(s, i)
	})

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Device returns an audio device bound to the configured voice channel. The
// channel is joined when the device is opened.
func (b *Bot) Device(opts ...discordaudio.Option) *discordaudio.Device {
	return discordaudio.New(b.session, b.cfg.GuildID, b.cfg.ChannelID, opts...)
}

func (b *Bot) GuildID() string { return b.cfg.GuildID }

// Router returns the command router interactions are dispatched to.
func (b *Bot) Router() *CommandRouter { return b.router }

func (b *Bot) Permissions() *PermissionChecker { return b.perms }

// SyncCommands replaces the guild's slash commands with the ones currently
// registered on the router. Call it once all handlers are registered.
func (b *Bot) SyncCommands() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("discord: bot is closed")
	}

	cmds := b.router.ApplicationCommands()
	if _, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, cmds); err != nil {
		return fmt.Errorf("discord: sync commands: %w", err)
	}
	b.synced = true
	slog.Info("discord commands synced", "guild_id", b.cfg.GuildID, "count", len(cmds))
	return nil
}

// Close removes the synced slash commands from the guild and disconnects
// from the gateway. Calls after the first are no-ops.
func (b *Bot) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.synced {
		_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.cfg.GuildID, nil)
		if err != nil {
			slog.Warn("discord: failed to remove slash commands", "err", err)
		}
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}
