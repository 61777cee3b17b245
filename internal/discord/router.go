package discord

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc answers one slash command interaction.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

// Command pairs a slash command definition with its handlers. When the
// invocation names a subcommand it is routed through Subcommands, otherwise
// to Handler.
type Command struct {
	Definition  *discordgo.ApplicationCommand
	Handler     HandlerFunc
	Subcommands map[string]HandlerFunc
}

// CommandRouter dispatches application command interactions by command name.
type CommandRouter struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func NewCommandRouter() *CommandRouter {
	return &CommandRouter{commands: make(map[string]Command)}
}

// Add registers cmd under its definition's name. Names must be unique.
func (r *CommandRouter) Add(cmd Command) error {
	if cmd.Definition == nil || cmd.Definition.Name == "" {
		return errors.New("discord: command definition with a name is required")
	}
	if cmd.Handler == nil && len(cmd.Subcommands) == 0 {
		return fmt.Errorf("discord: command %q has no handlers", cmd.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[cmd.Definition.Name]; dup {
		return fmt.Errorf("discord: command %q already registered", cmd.Definition.Name)
	}
	r.commands[cmd.Definition.Name] = cmd
	return nil
}

// ApplicationCommands returns the registered definitions sorted by name,
// ready for a bulk overwrite.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, c := range r.commands {
		defs = append(defs, c.Definition)
	}
	slices.SortFunc(defs, func(a, b *discordgo.ApplicationCommand) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return defs
}

// Handle routes i to its handler. Anything that is not an application
// command is ignored; unknown commands get an ephemeral notice.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()

	r.mu.RLock()
	cmd, ok := r.commands[data.Name]
	r.mu.RUnlock()

	h := cmd.Handler
	if sub := subcommand(data); ok && sub != "" {
		h = cmd.Subcommands[sub]
	}
	if h == nil {
		slog.Warn("discord: no handler for interaction", "command", data.Name, "subcommand", subcommand(data))
		RespondEphemeral(resp, i, "Unknown command.")
		return
	}
	h(resp, i)
}

func subcommand(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return ""
	}
	return data.Options[0].Name
}
