package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// CaptionState is the synchronized caption payload shared by every surface.
type CaptionState struct {
	OriginalText   string          `json:"originalText"`
	TranslatedText string          `json:"translatedText"`
	IsListening    bool            `json:"isListening"`
	IsTranslating  bool            `json:"isTranslating"`
	SourceLanguage string          `json:"sourceLanguage"`
	TargetLanguage string          `json:"targetLanguage"`
	Status         string          `json:"status"`
	Timestamp      int64           `json:"timestamp"`
	Error          string          `json:"error,omitempty"`
	LayoutSettings *LayoutSettings `json:"layoutSettings,omitempty"`
}

// LayoutSettings holds presentation parameters for overlay surfaces.
type LayoutSettings struct {
	Position        string  `json:"position" yaml:"position"`
	Orientation     string  `json:"orientation" yaml:"orientation"`
	TextAlign       string  `json:"textAlign" yaml:"text_align"`
	FontSize        float64 `json:"fontSize" yaml:"font_size"`
	BackgroundColor string  `json:"backgroundColor" yaml:"background_color"`
	TextColor       string  `json:"textColor" yaml:"text_color"`
	BorderRadius    float64 `json:"borderRadius" yaml:"border_radius"`
	Padding         float64 `json:"padding" yaml:"padding"`
	Margin          float64 `json:"margin" yaml:"margin"`
	Opacity         float64 `json:"opacity" yaml:"opacity"`
	OffsetX         float64 `json:"offsetX" yaml:"offset_x"`
	OffsetY         float64 `json:"offsetY" yaml:"offset_y"`
	FontFamily      string  `json:"fontFamily,omitempty" yaml:"font_family,omitempty"`
	FontWeight      string  `json:"fontWeight,omitempty" yaml:"font_weight,omitempty"`
	LineHeight      float64 `json:"lineHeight,omitempty" yaml:"line_height,omitempty"`
	TextShadow      string  `json:"textShadow,omitempty" yaml:"text_shadow,omitempty"`
}

// DefaultLayout mirrors the control page defaults.
func DefaultLayout() LayoutSettings {
	return LayoutSettings{
		Position:        "bottom",
		Orientation:     "horizontal",
		TextAlign:       "center",
		FontSize:        24,
		BackgroundColor: "rgba(0,0,0,0.8)",
		TextColor:       "#ffffff",
		BorderRadius:    8,
		Padding:         16,
		Margin:          32,
		Opacity:         1,
	}
}

var (
	ErrFontSize = errors.New("layout: fontSize must be positive")
	ErrOpacity  = errors.New("layout: opacity must be within [0,1]")
	ErrOffset   = errors.New("layout: offsets must be within [-100,100]")
	ErrPosition = errors.New("layout: position must be one of bottom|top|center")
)

// Validate checks the numeric ranges the overlay relies on.
func (l LayoutSettings) Validate() error {
	if l.FontSize <= 0 {
		return ErrFontSize
	}
	if l.Opacity < 0 || l.Opacity > 1 {
		return ErrOpacity
	}
	if l.OffsetX < -100 || l.OffsetX > 100 || l.OffsetY < -100 || l.OffsetY > 100 {
		return ErrOffset
	}
	switch l.Position {
	case "", "bottom", "top", "center":
	default:
		return ErrPosition
	}
	return nil
}

// LayoutPatch carries the layout fields present in an update. A present
// zero, such as opacity 0 or a centered offset, is applied like any other
// value.
type LayoutPatch struct {
	Position        *string  `json:"position,omitempty"`
	Orientation     *string  `json:"orientation,omitempty"`
	TextAlign       *string  `json:"textAlign,omitempty"`
	FontSize        *float64 `json:"fontSize,omitempty"`
	BackgroundColor *string  `json:"backgroundColor,omitempty"`
	TextColor       *string  `json:"textColor,omitempty"`
	BorderRadius    *float64 `json:"borderRadius,omitempty"`
	Padding         *float64 `json:"padding,omitempty"`
	Margin          *float64 `json:"margin,omitempty"`
	Opacity         *float64 `json:"opacity,omitempty"`
	OffsetX         *float64 `json:"offsetX,omitempty"`
	OffsetY         *float64 `json:"offsetY,omitempty"`
	FontFamily      *string  `json:"fontFamily,omitempty"`
	FontWeight      *string  `json:"fontWeight,omitempty"`
	LineHeight      *float64 `json:"lineHeight,omitempty"`
	TextShadow      *string  `json:"textShadow,omitempty"`
}

// Patch returns a layout patch with every field of l present.
func (l LayoutSettings) Patch() LayoutPatch {
	return LayoutPatch{
		Position:        &l.Position,
		Orientation:     &l.Orientation,
		TextAlign:       &l.TextAlign,
		FontSize:        &l.FontSize,
		BackgroundColor: &l.BackgroundColor,
		TextColor:       &l.TextColor,
		BorderRadius:    &l.BorderRadius,
		Padding:         &l.Padding,
		Margin:          &l.Margin,
		Opacity:         &l.Opacity,
		OffsetX:         &l.OffsetX,
		OffsetY:         &l.OffsetY,
		FontFamily:      &l.FontFamily,
		FontWeight:      &l.FontWeight,
		LineHeight:      &l.LineHeight,
		TextShadow:      &l.TextShadow,
	}
}

// Merge overlays the present fields of patch onto l.
func (l LayoutSettings) Merge(patch LayoutPatch) LayoutSettings {
	out := l
	setString(&out.Position, patch.Position)
	setString(&out.Orientation, patch.Orientation)
	setString(&out.TextAlign, patch.TextAlign)
	setFloat(&out.FontSize, patch.FontSize)
	setString(&out.BackgroundColor, patch.BackgroundColor)
	setString(&out.TextColor, patch.TextColor)
	setFloat(&out.BorderRadius, patch.BorderRadius)
	setFloat(&out.Padding, patch.Padding)
	setFloat(&out.Margin, patch.Margin)
	setFloat(&out.Opacity, patch.Opacity)
	setFloat(&out.OffsetX, patch.OffsetX)
	setFloat(&out.OffsetY, patch.OffsetY)
	setString(&out.FontFamily, patch.FontFamily)
	setString(&out.FontWeight, patch.FontWeight)
	setFloat(&out.LineHeight, patch.LineHeight)
	setString(&out.TextShadow, patch.TextShadow)
	return out
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// DefaultState is what a session looks like before its first update.
func DefaultState() CaptionState {
	return CaptionState{
		SourceLanguage: "ko-KR",
		TargetLanguage: "en",
		Status:         StatusIdle,
	}
}

const (
	StatusIdle         = "idle"
	StatusListening    = "listening"
	StatusTranslating  = "translating"
	StatusReconnecting = "reconnecting"
	StatusStopped      = "stopped"
	StatusError        = "error"
)

// HasText reports whether either caption field carries text.
func (c CaptionState) HasText() bool {
	return strings.TrimSpace(c.OriginalText) != "" || strings.TrimSpace(c.TranslatedText) != ""
}

// Cleared returns a copy with the caption text removed.
func (c CaptionState) Cleared() CaptionState {
	c.OriginalText = ""
	c.TranslatedText = ""
	c.IsTranslating = false
	return c
}

// ContentHash identifies the caption content that matters for de-duplication:
// both text fields and the listening flag. Timestamps and status are excluded.
func (c CaptionState) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(c.OriginalText))
	h.Write([]byte{0})
	h.Write([]byte(c.TranslatedText))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(c.IsListening)))
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// Time converts the millisecond timestamp.
func (c CaptionState) Time() time.Time {
	if c.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.Timestamp)
}

// NowMillis returns the epoch millisecond timestamp used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Patch is a partial CaptionState; nil fields are left untouched on merge.
type Patch struct {
	OriginalText   *string      `json:"originalText,omitempty"`
	TranslatedText *string      `json:"translatedText,omitempty"`
	IsListening    *bool        `json:"isListening,omitempty"`
	IsTranslating  *bool        `json:"isTranslating,omitempty"`
	SourceLanguage *string      `json:"sourceLanguage,omitempty"`
	TargetLanguage *string      `json:"targetLanguage,omitempty"`
	Status         *string      `json:"status,omitempty"`
	Error          *string      `json:"error,omitempty"`
	Timestamp      int64        `json:"timestamp,omitempty"`
	LayoutSettings *LayoutPatch `json:"layoutSettings,omitempty"`
}

// Apply merges the present fields of p onto base.
func (p Patch) Apply(base CaptionState) CaptionState {
	out := base
	if p.OriginalText != nil {
		out.OriginalText = *p.OriginalText
	}
	if p.TranslatedText != nil {
		out.TranslatedText = *p.TranslatedText
	}
	if p.IsListening != nil {
		out.IsListening = *p.IsListening
	}
	if p.IsTranslating != nil {
		out.IsTranslating = *p.IsTranslating
	}
	if p.SourceLanguage != nil {
		out.SourceLanguage = *p.SourceLanguage
	}
	if p.TargetLanguage != nil {
		out.TargetLanguage = *p.TargetLanguage
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Error != nil {
		out.Error = *p.Error
	}
	if p.LayoutSettings != nil {
		base := DefaultLayout()
		if out.LayoutSettings != nil {
			base = *out.LayoutSettings
		}
		merged := base.Merge(*p.LayoutSettings)
		out.LayoutSettings = &merged
	}
	return out
}

// PatchFrom builds a patch carrying every field of s.
func PatchFrom(s CaptionState) Patch {
	p := Patch{
		OriginalText:   &s.OriginalText,
		TranslatedText: &s.TranslatedText,
		IsListening:    &s.IsListening,
		IsTranslating:  &s.IsTranslating,
		SourceLanguage: &s.SourceLanguage,
		TargetLanguage: &s.TargetLanguage,
		Status:         &s.Status,
		Error:          &s.Error,
		Timestamp:      s.Timestamp,
	}
	if s.LayoutSettings != nil {
		layout := s.LayoutSettings.Patch()
		p.LayoutSettings = &layout
	}
	return p
}

// Event types carried on the event stream and in direct messages.
const (
	EventSubtitleUpdate = "SUBTITLE_UPDATE"
	EventPing           = "PING"
)

// StreamEvent is the JSON object written as one SSE/WebSocket message.
// Caption fields are flattened next to the type so browser consumers can
// spread it straight into their state.
type StreamEvent struct {
	Type string `json:"type"`
	CaptionState
}

// NewUpdateEvent wraps a caption state as a SUBTITLE_UPDATE event.
func NewUpdateEvent(state CaptionState) StreamEvent {
	return StreamEvent{Type: EventSubtitleUpdate, CaptionState: state}
}

// PingEvent carries only a type and timestamp.
type PingEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewPingEvent builds a keep-alive event stamped now.
func NewPingEvent() PingEvent {
	return PingEvent{Type: EventPing, Timestamp: NowMillis()}
}

// DirectMessage is the same-host broadcast published by producers; it mirrors
// the window.postMessage payload of the browser control page.
type DirectMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	CaptionState
}

// Heartbeat is published by producers while they are running.
type Heartbeat struct {
	SessionID  string    `json:"sessionId"`
	ProducerID string    `json:"producerId"`
	Timestamp  time.Time `json:"timestamp"`
}

// BroadcastMessage carries applied session states between server nodes.
type BroadcastMessage struct {
	Origin    string       `json:"origin"`
	SessionID string       `json:"sessionId"`
	State     CaptionState `json:"state"`
}

const (
	SubjectDirectPrefix    = "captions.direct"
	SubjectBroadcastPrefix = "captions.broadcast"
	SubjectPresencePrefix  = "captions.presence"

	// SyncFileName is the on-disk analogue of the subtitle_sync_data storage key.
	SyncFileName = "subtitle_sync_data.json"
	StorageKey   = "subtitle_sync_data"
)

// Subject joins a prefix with a session id, replacing NATS token separators
// so arbitrary client tokens stay a single subject token.
func Subject(prefix, sessionID string) string {
	return prefix + "." + SubjectToken(sessionID)
}

// SubjectToken sanitizes a session id for use as one NATS subject token.
func SubjectToken(sessionID string) string {
	token := strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(sessionID))
	if token == "" {
		return "_"
	}
	return token
}

// StatusResponse is the body of GET and POST /api/subtitle-status: the
// session's caption state flattened next to the outcome flags.
type StatusResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	Applied          bool   `json:"applied,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
	Stale            bool   `json:"stale,omitempty"`
	ControllerActive *bool  `json:"controllerActive,omitempty"`
	CaptionState
}
