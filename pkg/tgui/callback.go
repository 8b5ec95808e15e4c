package tgui

import "strings"

// Data formats inline callback data as "scope:action:payload".
// Payload is kept as-is (no escaping).
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// CheckData verifies data fits Telegram's callback_data byte limit.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}

// ParseData splits callback data built by Data. ok is false when the
// string has no scope or action part.
func ParseData(data string) (scope, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	scope, action = parts[0], parts[1]
	if len(parts) == 3 {
		payload = parts[2]
	}
	return scope, action, payload, true
}
