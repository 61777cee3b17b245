package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/livevoice/internal/session"
)

// SessionControl is the view of the voice session the /voice command needs.
// *session.Controller satisfies it.
type SessionControl interface {
	State() session.State
	Err() error
	Interrupted() bool
	Stop() error
}

// Embed colours by session health.
const (
	colorActive = 0x2ecc71
	colorIdle   = 0x95a5a6
	colorFailed = 0xe74c3c
)

// VoiceCommands serves /voice status and /voice stop.
type VoiceCommands struct {
	ctrl  SessionControl
	perms *PermissionChecker
}

// NewVoiceCommands creates the /voice handlers for ctrl.
func NewVoiceCommands(ctrl SessionControl, perms *PermissionChecker) *VoiceCommands {
	return &VoiceCommands{ctrl: ctrl, perms: perms}
}

// Register adds the /voice command and its subcommands to r.
func (v *VoiceCommands) Register(r *CommandRouter) error {
	return r.Add(Command{
		Definition: v.Definition(),
		Subcommands: map[string]HandlerFunc{
			"status": v.handleStatus,
			"stop":   v.handleStop,
		},
	})
}

// Definition returns the /voice application command.
func (v *VoiceCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "voice",
		Description: "Inspect or control the live voice session",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the session state",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "End the voice session",
			},
		},
	}
}

func (v *VoiceCommands) handleStatus(r Responder, i *discordgo.InteractionCreate) {
	st := v.ctrl.State()
	embed := &discordgo.MessageEmbed{
		Title: "Voice session",
		Color: colorIdle,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: st.String(), Inline: true},
		},
	}
	if st == session.StateActive {
		embed.Color = colorActive
		interrupted := "no"
		if v.ctrl.Interrupted() {
			interrupted = "yes"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Interrupted", Value: interrupted, Inline: true,
		})
	}
	if err := v.ctrl.Err(); err != nil {
		embed.Color = colorFailed
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Last error", Value: err.Error(),
		})
	}
	RespondEmbed(r, i, embed)
}

func (v *VoiceCommands) handleStop(r Responder, i *discordgo.InteractionCreate) {
	if !v.perms.IsOperator(i) {
		RespondEphemeral(r, i, "You need the operator role to stop the session.")
		return
	}
	st := v.ctrl.State()
	if st != session.StateActive && st != session.StateConnecting {
		RespondEphemeral(r, i, fmt.Sprintf("No session to stop (state: %s).", st))
		return
	}
	if err := v.ctrl.Stop(); err != nil {
		RespondError(r, i, err)
		return
	}
	slog.Info("voice session stopped from discord", "user", userID(i))
	RespondEphemeral(r, i, "Voice session stopped.")
}

func userID(i *discordgo.InteractionCreate) string {
	switch {
	case i.Member != nil && i.Member.User != nil:
		return i.Member.User.ID
	case i.User != nil:
		return i.User.ID
	}
	return ""
}
