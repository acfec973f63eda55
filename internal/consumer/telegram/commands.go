package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"notibridge/internal/bridge"
	"notibridge/internal/consumer"
	"notibridge/internal/mirror"
	kit "notibridge/internal/transport"
	logx "notibridge/pkg/logx"
)

var menu = []kit.BotCommand{
	{Command: "status", Description: "Show the forwarding policy"},
	{Command: "listen", Description: "on|off: forward posted notifications"},
	{Command: "retract", Description: "on|off: clear forwarded notifications from the tray"},
	{Command: "clear", Description: "Clear all notifications from the tray"},
	{Command: "test", Description: "[title]: post a test notification"},
}

const usage = "/status\n/listen on|off\n/retract on|off\n/clear\n/test [title]"

func (c *Channel) allowed(chatID, fromID int64) bool {
	if len(c.owners) == 0 {
		return chatID == c.target.ChatID
	}
	return c.owners[fromID]
}

func (c *Channel) caller(fromID int64) consumer.Caller {
	return consumer.Caller{Transport: transportName, Actor: strconv.FormatInt(fromID, 10)}
}

func (c *Channel) handleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			c.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			c.handleCallback(ctx, up.Callback)
		}
	}
}

func (c *Channel) handleCallback(ctx context.Context, cb *kit.Callback) {
	answer := func(text string) {
		if err := c.adapter.AnswerCallback(ctx, cb.ID, text); err != nil {
			c.log.Debug("answer callback failed", logx.Err(err))
		}
	}
	h, ok := strings.CutPrefix(cb.Data, dismissPrefix)
	if !ok {
		answer("")
		return
	}
	if !c.allowed(cb.ChatID, cb.FromID) {
		answer("Not allowed")
		return
	}
	params, ok := c.lookup(h)
	if !ok {
		answer("Already gone")
		return
	}
	if _, err := c.disp.Call(ctx, c.caller(cb.FromID), consumer.MethodRemoveNotification, params); err != nil {
		answer("Failed: " + consumer.Code(err))
		return
	}
	answer("Dismissed")
}

// command is a parsed "/name args" message.
type command struct {
	name string
	args []string
}

// parseCommand accepts "/name@bot arg...". ok is false for plain text.
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	return command{name: strings.ToLower(name), args: fields[1:]}, true
}

func parseSwitch(args []string) (bool, bool) {
	if len(args) != 1 {
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1", "yes":
		return true, true
	case "off", "false", "0", "no":
		return false, true
	}
	return false, false
}

func (c *Channel) handleMessage(ctx context.Context, m *kit.Message) {
	cmd, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	if !c.allowed(m.ChatID, m.FromID) {
		c.log.Debug("command from non-owner ignored", logx.Int64("from", m.FromID), logx.String("cmd", cmd.name))
		return
	}
	reply := c.runCommand(ctx, c.caller(m.FromID), cmd)
	if reply == "" {
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if err := c.out.Enqueue(ctx, mirror.Message{Target: to, Text: reply, Options: &kit.SendOptions{ParseMode: "HTML"}}); err != nil {
		c.log.Debug("reply enqueue failed", logx.Err(err))
	}
}

// runCommand executes cmd through the dispatcher and returns the HTML
// reply.
func (c *Channel) runCommand(ctx context.Context, caller consumer.Caller, cmd command) string {
	call := func(method string, params any) (any, error) {
		var raw json.RawMessage
		if params != nil {
			b, err := json.Marshal(params)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		return c.disp.Call(ctx, caller, method, raw)
	}

	switch cmd.name {
	case "start", "help":
		return html.EscapeString(usage)

	case "status":
		res, err := call(consumer.MethodGetPolicy, nil)
		if err != nil {
			return failure(err)
		}
		p, _ := res.(bridge.Policy)
		text := formatPolicy(p)
		if c.state != nil {
			text += "\nsource: <b>" + attachedLabel(c.state.Attached()) + "</b>"
		}
		return text

	case "listen", "retract":
		on, ok := parseSwitch(cmd.args)
		if !ok {
			return "usage: /" + cmd.name + " on|off"
		}
		method := consumer.MethodSetListening
		if cmd.name == "retract" {
			method = consumer.MethodSetRetractOnForward
		}
		if _, err := call(method, map[string]bool{"enabled": on}); err != nil {
			return failure(err)
		}
		return fmt.Sprintf("%s: <b>%s</b>", cmd.name, onOff(on))

	case "clear":
		if _, err := call(consumer.MethodClearAll, nil); err != nil {
			return failure(err)
		}
		return "tray cleared"

	case "test":
		title := "notibridge"
		if len(cmd.args) > 0 {
			title = strings.Join(cmd.args, " ")
		}
		res, err := call(consumer.MethodSendTest, map[string]string{"title": title, "body": "test notification"})
		if err != nil {
			return failure(err)
		}
		if ok, _ := res.(bool); !ok {
			return "test notification was not posted"
		}
		return "test notification posted"

	default:
		return "unknown command\n" + html.EscapeString(usage)
	}
}

func failure(err error) string {
	return "<b>" + consumer.Code(err) + "</b>: " + html.EscapeString(err.Error())
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func attachedLabel(on bool) string {
	if on {
		return "attached"
	}
	return "detached"
}

func formatPolicy(p bridge.Policy) string {
	return fmt.Sprintf("listening: <b>%s</b>\nretract on forward: <b>%s</b>", onOff(p.Listening), onOff(p.RetractOnForward))
}

// formatReceived renders a received record as Telegram HTML.
func formatReceived(data map[string]any) string {
	str := func(k string) string {
		v, _ := data[k].(string)
		return strings.TrimSpace(v)
	}
	var b strings.Builder
	app := str("appName")
	if app == "" {
		app = str("sourceApplicationId")
	}
	b.WriteString("<b>" + html.EscapeString(app) + "</b>")
	if t := str("title"); t != "" {
		b.WriteString("\n<b>" + html.EscapeString(t) + "</b>")
	}
	if body := str("body"); body != "" {
		b.WriteString("\n" + html.EscapeString(body))
	}
	return b.String()
}
