package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline accumulates rows for an inline keyboard. Call Markup() after
// the last Row; it renders the rows collected so far.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends one keyboard row.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	return i
}

// Markup renders the collected rows as telebot reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup {
	i.rm.Inline(i.rows...)
	return i.rm
}

// Btn builds a callback button. The data string goes out verbatim;
// compose it with Data() so the dispatcher can split it back into
// scope, action and payload.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

// URLBtn builds a button that opens a link instead of firing a callback.
func URLBtn(text, url string) tele.Btn {
	return tele.Btn{Text: text, URL: url}
}

// ConfirmInline is the two-button keyboard shown before destructive
// actions.
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}

// Grid2 lays buttons out two per row.
func Grid2(buttons []tele.Btn) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Split(2, buttons)...)
	return rm
}
