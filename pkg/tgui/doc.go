// Package tgui builds Telegram replies: inline keyboards, callback
// data in scope:action:payload form, and a line-oriented message
// builder that escapes for HTML parse mode by default and splits
// content that cannot fit one message.
package tgui
