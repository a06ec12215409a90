// Package platform classifies the client device from its user-agent string and
// describes the user-gesture events that may unlock restricted host APIs.
package platform

import (
	"errors"
	"fmt"

	"github.com/mileusna/useragent"
)

// OS is the coarse operating-system family the gate cares about.
type OS string

// OS families.
const (
	OSAndroid OS = "android"
	OSIOS     OS = "ios"
	OSOther   OS = "other"
)

// InteractionMode is how the user produced the unlocking gesture.
type InteractionMode string

// Interaction modes.
const (
	ModeMouse InteractionMode = "mouse"
	ModeTouch InteractionMode = "touch"
)

// Info describes the client platform. It is computed once per gate.
type Info struct {
	Mobile          bool            `json:"mobile"`
	OS              OS              `json:"os"`
	InteractionMode InteractionMode `json:"interactionMode,omitempty"`
}

// Detect classifies a user-agent string. Phones and tablets both count as mobile.
func Detect(userAgent string) Info {
	ua := useragent.Parse(userAgent)

	info := Info{
		Mobile: ua.Mobile || ua.Tablet,
		OS:     OSOther,
	}

	switch ua.OS {
	case useragent.Android:
		info.OS = OSAndroid
	case useragent.IOS:
		info.OS = OSIOS
	}

	return info
}

// Event types accepted as user gestures. A click is the modern contract;
// mouseup and touchend are accepted for hosts that still bind those, and the
// gate's once-only guard absorbs the duplicate pair a single tap can produce.
const (
	EventClick    = "click"
	EventMouseUp  = "mouseup"
	EventTouchEnd = "touchend"
)

// ErrInvalidGesture is returned for events that cannot unlock restricted APIs.
var ErrInvalidGesture = errors.New("invalid user gesture")

// Event is the subset of a DOM event the gate needs.
type Event struct {
	Type string `json:"type"`
	// PointerType is "mouse", "touch" or "pen" for pointer-originated clicks.
	PointerType string `json:"pointerType,omitempty"`
}

// Mode validates the event and returns the interaction mode it implies.
func (e Event) Mode() (InteractionMode, error) {
	switch e.Type {
	case EventMouseUp:
		return ModeMouse, nil
	case EventTouchEnd:
		return ModeTouch, nil
	case EventClick:
		if e.PointerType == "touch" || e.PointerType == "pen" {
			return ModeTouch, nil
		}
		return ModeMouse, nil
	default:
		return "", fmt.Errorf("%w: %q must be one of %q, %q or %q",
			ErrInvalidGesture, e.Type, EventClick, EventMouseUp, EventTouchEnd)
	}
}
