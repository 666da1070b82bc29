package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"whatsapp-relay/internal/domain"
)

func textEvent(body string) domain.InboundEvent {
	return domain.InboundEvent{UserID: "977", MessageID: "wamid.1", Kind: domain.EventText, Type: "text", Text: body}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ev   domain.InboundEvent
		want Intent
	}{
		{name: "hi", ev: textEvent("Hi"), want: Intent{Kind: Menu}},
		{name: "menu upper", ev: textEvent("MENU"), want: Intent{Kind: Menu}},
		{name: "start padded", ev: textEvent("  start\n"), want: Intent{Kind: Menu}},
		{name: "namaste devanagari", ev: textEvent("नमस्ते"), want: Intent{Kind: Menu}},
		{name: "trigger inside sentence", ev: textEvent("hi, what about Malta?"), want: Intent{Kind: FreeText, Text: "hi, what about Malta?"}},
		{name: "free text", ev: textEvent("Poland work permit fees?"), want: Intent{Kind: FreeText, Text: "Poland work permit fees?"}},
		{name: "blank text", ev: textEvent("   "), want: Intent{Kind: FreeText, Text: "   "}},
		{
			name: "button reply uses title",
			ev: domain.InboundEvent{
				Kind: domain.EventInteractive, InteractiveType: domain.InteractiveButtonReply,
				ReplyID: "btn_poland", ReplyTitle: "Poland Visa 🇵🇱",
			},
			want: Intent{Kind: ButtonSelection, Text: "Poland Visa 🇵🇱"},
		},
		{
			name: "button reply without title",
			ev:   domain.InboundEvent{Kind: domain.EventInteractive, InteractiveType: domain.InteractiveButtonReply, ReplyID: "btn_poland"},
			want: Intent{Kind: Ignored},
		},
		{
			name: "list reply",
			ev:   domain.InboundEvent{Kind: domain.EventInteractive, InteractiveType: domain.InteractiveListReply, ReplyTitle: "Row"},
			want: Intent{Kind: Ignored},
		},
		{name: "image", ev: domain.InboundEvent{Kind: domain.EventOther, Type: "image"}, want: Intent{Kind: Ignored}},
		{name: "zero value", ev: domain.InboundEvent{}, want: Intent{Kind: Ignored}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.ev))
		})
	}
}

func TestClassify_ButtonTitleMatchingTriggerIsStillSelection(t *testing.T) {
	ev := domain.InboundEvent{Kind: domain.EventInteractive, InteractiveType: domain.InteractiveButtonReply, ReplyTitle: "Menu"}
	require.Equal(t, Intent{Kind: ButtonSelection, Text: "Menu"}, Classify(ev))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "menu", Menu.String())
	require.Equal(t, "button_selection", ButtonSelection.String())
	require.Equal(t, "free_text", FreeText.String())
	require.Equal(t, "ignored", Ignored.String())
}
