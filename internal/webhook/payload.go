// Package webhook decodes WhatsApp Cloud API webhook deliveries.
package webhook

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"whatsapp-relay/internal/domain"
)

// ErrMalformed reports a delivery that is not the expected envelope.
var ErrMalformed = errors.New("webhook: malformed payload")

// Extract returns the first message of a delivery. found is false when the
// delivery carries no messages, e.g. a delivery-status callback.
func Extract(body []byte) (ev domain.InboundEvent, found bool, err error) {
	if !gjson.ValidBytes(body) {
		return domain.InboundEvent{}, false, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	root := gjson.ParseBytes(body)

	entry := root.Get("entry.0")
	if !entry.Exists() {
		return domain.InboundEvent{}, false, fmt.Errorf("%w: no entry", ErrMalformed)
	}
	change := entry.Get("changes.0")
	if !change.Exists() {
		return domain.InboundEvent{}, false, fmt.Errorf("%w: no changes", ErrMalformed)
	}

	msg := change.Get("value.messages.0")
	if !msg.Exists() {
		return domain.InboundEvent{}, false, nil
	}
	if !msg.IsObject() {
		return domain.InboundEvent{}, false, fmt.Errorf("%w: message is not an object", ErrMalformed)
	}
	return decodeMessage(msg), true, nil
}

// decodeMessage never fails; shapes it does not recognize become EventOther
// so the router drops them.
func decodeMessage(msg gjson.Result) domain.InboundEvent {
	ev := domain.InboundEvent{
		UserID:    stringField(msg, "from"),
		MessageID: stringField(msg, "id"),
		Type:      stringField(msg, "type"),
		Kind:      domain.EventOther,
	}

	switch ev.Type {
	case "text":
		if body := msg.Get("text.body"); body.Type == gjson.String {
			ev.Kind = domain.EventText
			ev.Text = body.Str
		}
	case "interactive":
		sub := stringField(msg, "interactive.type")
		if sub == "" {
			return ev
		}
		ev.Kind = domain.EventInteractive
		ev.InteractiveType = sub
		reply := msg.Get("interactive." + gjson.Escape(sub))
		ev.ReplyID = stringField(reply, "id")
		ev.ReplyTitle = stringField(reply, "title")
	}
	return ev
}

func stringField(r gjson.Result, path string) string {
	v := r.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}
