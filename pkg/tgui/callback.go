package tgui

import "strings"

// Data formats inline callback data as "scope:action:payload"; a blank
// payload yields just "scope:action". The dispatcher splits at the
// first two colons, so the payload itself may contain ":". Telegram
// caps the whole string at 64 bytes; keep payloads short.
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}
