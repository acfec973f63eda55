package adapter

import (
	"context"

	tele "gopkg.in/telebot.v4"

	kit "notibridge/internal/transport"
)

func inlineKeyboard(buttons []kit.Button) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tele.InlineButton, len(buttons))
	for i, b := range buttons {
		row[i] = tele.InlineButton{Text: b.Text, Data: b.Data}
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
}

func teleOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: threadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

// SendText sends text, split into as many messages as needed. Buttons are
// attached to the first part and its reference is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var parseMode string
	var buttons []kit.Button
	if opt != nil {
		parseMode, buttons = opt.ParseMode, opt.Buttons
	}
	chat := &tele.Chat{ID: to.ChatID}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range splitText(text, maxMessageRunes, parseMode) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		so := teleOptions(opt, to.ThreadID)
		if i == 0 {
			so.ReplyMarkup = inlineKeyboard(buttons)
		}
		msg, err := a.bot.Send(chat, part, so)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// EditText replaces the message text and its buttons; no buttons in opt
// clears the keyboard. Text beyond one message is sent as follow-ups.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	var parseMode string
	var buttons []kit.Button
	if opt != nil {
		parseMode, buttons = opt.ParseMode, opt.Buttons
	}
	parts := splitText(text, maxMessageRunes, parseMode)

	so := teleOptions(opt, 0)
	so.ReplyMarkup = inlineKeyboard(buttons)
	if so.ReplyMarkup == nil {
		so.ReplyMarkup = &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{}}
	}
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(msg, parts[0], so); err != nil {
		return err
	}
	for _, part := range parts[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(msg.Chat, part, teleOptions(opt, ref.ThreadID)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}
