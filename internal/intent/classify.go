// Package intent maps a normalized inbound event to the router branch that
// handles it. Classification is pure: no I/O, no clock.
package intent

import (
	"strings"

	"whatsapp-relay/internal/domain"
)

type Kind int

const (
	Ignored Kind = iota
	Menu
	ButtonSelection
	FreeText
)

func (k Kind) String() string {
	switch k {
	case Menu:
		return "menu"
	case ButtonSelection:
		return "button_selection"
	case FreeText:
		return "free_text"
	default:
		return "ignored"
	}
}

// Intent is the classified meaning of an event. Text is set for
// ButtonSelection (the button's display title) and FreeText (the body).
type Intent struct {
	Kind Kind
	Text string
}

// menuTriggers are matched against the whole trimmed, lower-cased body.
var menuTriggers = map[string]struct{}{
	"start":   {},
	"menu":    {},
	"hi":      {},
	"hello":   {},
	"namaste": {},
	"नमस्ते":  {},
	"नमस्कार": {},
	"मेनु":    {},
}

// IsMenuTrigger reports whether text asks for the greeting menu.
func IsMenuTrigger(text string) bool {
	_, ok := menuTriggers[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

// Classify is total: every event maps to exactly one Kind.
func Classify(ev domain.InboundEvent) Intent {
	switch ev.Kind {
	case domain.EventInteractive:
		if ev.InteractiveType != domain.InteractiveButtonReply {
			return Intent{Kind: Ignored}
		}
		if strings.TrimSpace(ev.ReplyTitle) == "" {
			return Intent{Kind: Ignored}
		}
		return Intent{Kind: ButtonSelection, Text: ev.ReplyTitle}
	case domain.EventText:
		// Blank bodies are free text too.
		if IsMenuTrigger(ev.Text) {
			return Intent{Kind: Menu}
		}
		return Intent{Kind: FreeText, Text: ev.Text}
	default:
		return Intent{Kind: Ignored}
	}
}
