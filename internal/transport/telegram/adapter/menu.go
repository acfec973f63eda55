package adapter

import (
	"context"
	"slices"

	tele "gopkg.in/telebot.v4"

	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// UpdateMenuCommands publishes the bot command menu. Publishing the list
// that was last accepted is skipped.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, cmds) {
		return nil
	}

	out := make([]tele.Command, 0, min(len(cmds), maxMenuCommands))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > maxMenuDescription {
			desc = desc[:maxMenuDescription]
		}
		out = append(out, tele.Command{Text: c.Command, Description: desc})
		if len(out) == maxMenuCommands {
			break
		}
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menu = slices.Clone(cmds)
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
