package tgui

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

// Data joins a callback namespace, action and optional payload with ":".
// The router dispatches on the namespace, handlers switch on the action.
func Data(ns, action, payload string) string {
	d := strings.TrimSpace(ns) + ":" + strings.TrimSpace(action)
	if payload != "" {
		d += ":" + payload
	}
	return d
}

// ParseData splits callback data built by Data. The payload may contain ":".
func ParseData(data string) (ns, action, payload string) {
	parts := strings.SplitN(data, ":", 3)
	ns = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		payload = parts[2]
	}
	return ns, action, payload
}

// PackJSON encodes v as unpadded base64url JSON so it fits in callback data.
func PackJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func UnpackJSON(payload string, v any) error {
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
