package rules

import (
	"encoding/json"
	"fmt"
)

type ActionType string

const (
	ActionShowElement ActionType = "show_element"
	ActionHideElement ActionType = "hide_element"
	ActionRedirect    ActionType = "redirect"
	ActionShowPopup   ActionType = "show_popup"
	ActionAddTag      ActionType = "add_tag"
	ActionSwapVariant ActionType = "swap_variant"
	ActionCustom      ActionType = "custom"
)

// Action is what a page does when a condition selects it. The set of
// implementations is closed; Custom carries free-form integration payloads.
type Action interface {
	Type() ActionType
	isAction()
}

type ShowElement struct{ ElementID string }

type HideElement struct{ ElementID string }

type Redirect struct {
	URL       string
	Permanent bool
}

type ShowPopup struct {
	PopupID      string
	DelaySeconds int
}

type AddTag struct{ Tag string }

// SwapVariant renders the page as another variant's content.
type SwapVariant struct{ VariantKey string }

type Custom struct {
	Name    string
	Payload map[string]any
}

func (ShowElement) Type() ActionType { return ActionShowElement }
func (HideElement) Type() ActionType { return ActionHideElement }
func (Redirect) Type() ActionType    { return ActionRedirect }
func (ShowPopup) Type() ActionType   { return ActionShowPopup }
func (AddTag) Type() ActionType      { return ActionAddTag }
func (SwapVariant) Type() ActionType { return ActionSwapVariant }
func (Custom) Type() ActionType      { return ActionCustom }

func (ShowElement) isAction() {}
func (HideElement) isAction() {}
func (Redirect) isAction()    {}
func (ShowPopup) isAction()   {}
func (AddTag) isAction()      {}
func (SwapVariant) isAction() {}
func (Custom) isAction()      {}

// Actions is an ordered action list encoded as JSON objects with a "type"
// discriminator.
type Actions []Action

type actionJSON struct {
	Type         ActionType     `json:"type"`
	ElementID    string         `json:"element_id,omitempty"`
	URL          string         `json:"url,omitempty"`
	Permanent    bool           `json:"permanent,omitempty"`
	PopupID      string         `json:"popup_id,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
	Tag          string         `json:"tag,omitempty"`
	VariantKey   string         `json:"variant_key,omitempty"`
	Name         string         `json:"name,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func encodeAction(a Action) actionJSON {
	switch a := a.(type) {
	case ShowElement:
		return actionJSON{Type: a.Type(), ElementID: a.ElementID}
	case HideElement:
		return actionJSON{Type: a.Type(), ElementID: a.ElementID}
	case Redirect:
		return actionJSON{Type: a.Type(), URL: a.URL, Permanent: a.Permanent}
	case ShowPopup:
		return actionJSON{Type: a.Type(), PopupID: a.PopupID, DelaySeconds: a.DelaySeconds}
	case AddTag:
		return actionJSON{Type: a.Type(), Tag: a.Tag}
	case SwapVariant:
		return actionJSON{Type: a.Type(), VariantKey: a.VariantKey}
	case Custom:
		return actionJSON{Type: a.Type(), Name: a.Name, Payload: a.Payload}
	default:
		panic(fmt.Sprintf("rules: unhandled action %T", a))
	}
}

func decodeAction(j actionJSON) (Action, error) {
	switch j.Type {
	case ActionShowElement:
		return ShowElement{ElementID: j.ElementID}, nil
	case ActionHideElement:
		return HideElement{ElementID: j.ElementID}, nil
	case ActionRedirect:
		return Redirect{URL: j.URL, Permanent: j.Permanent}, nil
	case ActionShowPopup:
		return ShowPopup{PopupID: j.PopupID, DelaySeconds: j.DelaySeconds}, nil
	case ActionAddTag:
		return AddTag{Tag: j.Tag}, nil
	case ActionSwapVariant:
		return SwapVariant{VariantKey: j.VariantKey}, nil
	case ActionCustom:
		return Custom{Name: j.Name, Payload: j.Payload}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", j.Type)
	}
}

func (as Actions) MarshalJSON() ([]byte, error) {
	out := make([]actionJSON, len(as))
	for i, a := range as {
		out[i] = encodeAction(a)
	}
	return json.Marshal(out)
}

func (as *Actions) UnmarshalJSON(data []byte) error {
	var raw []actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode actions: %w", err)
	}
	decoded := make(Actions, 0, len(raw))
	for _, j := range raw {
		a, err := decodeAction(j)
		if err != nil {
			return err
		}
		decoded = append(decoded, a)
	}
	*as = decoded
	return nil
}
