package domain

import (
	"encoding/json"
	"fmt"
)

// ActionKind identifies one of the closed set of browser actions the
// proposer may request. Coordinates are normalized to a 0-1000 grid and
// scaled to the viewport by the executor.
type ActionKind string

const (
	ActionClickAt   ActionKind = "click_at"
	ActionTypeAt    ActionKind = "type_at"
	ActionScroll    ActionKind = "scroll"
	ActionNavigate  ActionKind = "navigate"
	ActionKeyCombo  ActionKind = "key_combo"
	ActionGoBack    ActionKind = "go_back"
	ActionGoForward ActionKind = "go_forward"
	ActionHoverAt   ActionKind = "hover_at"
)

// Action is the closed union of browser actions. Each variant carries only
// the fields it needs. Decode via DecodeAction; an unrecognized kind is a
// typed error, never a silent no-op.
type Action interface {
	Kind() ActionKind
}

// ClickAt clicks at a normalized viewport position.
type ClickAt struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// TypeAt clicks at a normalized position to focus it, then types text.
type TypeAt struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Text string `json:"text"`
}

// Scroll scrolls the page by the given normalized deltas.
type Scroll struct {
	DeltaX int `json:"delta_x"`
	DeltaY int `json:"delta_y"`
}

// Navigate loads a URL in the current tab.
type Navigate struct {
	URL string `json:"url"`
}

// KeyCombo sends a key or key combination (e.g. "Enter", "Tab").
type KeyCombo struct {
	Keys string `json:"keys"`
}

// GoBack navigates one entry back in history.
type GoBack struct{}

// GoForward navigates one entry forward in history.
type GoForward struct{}

// HoverAt moves the mouse to a normalized position without clicking.
type HoverAt struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (ClickAt) Kind() ActionKind   { return ActionClickAt }
func (TypeAt) Kind() ActionKind    { return ActionTypeAt }
func (Scroll) Kind() ActionKind    { return ActionScroll }
func (Navigate) Kind() ActionKind  { return ActionNavigate }
func (KeyCombo) Kind() ActionKind  { return ActionKeyCombo }
func (GoBack) Kind() ActionKind    { return ActionGoBack }
func (GoForward) Kind() ActionKind { return ActionGoForward }
func (HoverAt) Kind() ActionKind   { return ActionHoverAt }

// actionEnvelope is the wire form of an action: a kind tag plus the
// variant's own fields inlined in args.
type actionEnvelope struct {
	Kind ActionKind      `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DecodeAction parses the wire form of an action. An unrecognized kind
// returns ErrUnknownAction.
func DecodeAction(data []byte) (Action, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if len(env.Args) == 0 {
		env.Args = json.RawMessage("{}")
	}

	decode := func(v Action) (Action, error) {
		if err := json.Unmarshal(env.Args, v); err != nil {
			return nil, fmt.Errorf("decode %s args: %w", env.Kind, err)
		}
		return v, nil
	}

	switch env.Kind {
	case ActionClickAt:
		a, err := decode(&ClickAt{})
		return deref(a, err)
	case ActionTypeAt:
		a, err := decode(&TypeAt{})
		return deref(a, err)
	case ActionScroll:
		a, err := decode(&Scroll{})
		return deref(a, err)
	case ActionNavigate:
		a, err := decode(&Navigate{})
		return deref(a, err)
	case ActionKeyCombo:
		a, err := decode(&KeyCombo{})
		return deref(a, err)
	case ActionGoBack:
		return GoBack{}, nil
	case ActionGoForward:
		return GoForward{}, nil
	case ActionHoverAt:
		a, err := decode(&HoverAt{})
		return deref(a, err)
	default:
		return nil, NewDomainError("DecodeAction", ErrUnknownAction, string(env.Kind))
	}
}

// deref converts the pointer variants produced during decoding back to
// value types so callers can type-switch on values.
func deref(a Action, err error) (Action, error) {
	if err != nil {
		return nil, err
	}
	switch v := a.(type) {
	case *ClickAt:
		return *v, nil
	case *TypeAt:
		return *v, nil
	case *Scroll:
		return *v, nil
	case *Navigate:
		return *v, nil
	case *KeyCombo:
		return *v, nil
	case *HoverAt:
		return *v, nil
	default:
		return a, nil
	}
}

// EncodeAction renders an action in wire form.
func EncodeAction(a Action) ([]byte, error) {
	args, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}
	return json.Marshal(actionEnvelope{Kind: a.Kind(), Args: args})
}

// ValidCoordinate reports whether a normalized coordinate is on the 0-1000 grid.
func ValidCoordinate(c int) bool { return c >= 0 && c <= 1000 }
