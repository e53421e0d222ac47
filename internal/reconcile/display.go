package reconcile

import (
	"strings"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Messages are the admin-configured fallbacks shown when there is no text.
type Messages struct {
	Inactive  string
	Listening string
}

// DisplayText picks the caption to show: translated text when it is usable,
// then the original, then the inactive message when not listening, then the
// listening message. The listening message may be empty, which is a valid
// blank display.
func DisplayText(state protocol.CaptionState, dissolved bool, msgs Messages) string {
	if !dissolved {
		if usableTranslation(state) {
			return strings.TrimSpace(state.TranslatedText)
		}
		if original := strings.TrimSpace(state.OriginalText); original != "" {
			return original
		}
	}
	if !state.IsListening {
		return msgs.Inactive
	}
	return msgs.Listening
}

func usableTranslation(state protocol.CaptionState) bool {
	translated := strings.TrimSpace(state.TranslatedText)
	switch translated {
	case "", "undefined", "null":
		return false
	}
	return translated != strings.TrimSpace(state.OriginalText)
}
