// Package hmi defines the operator command events shared by every
// input surface. The web interface and the serial pendant both
// translate their inputs into the same Event values; the host drains
// them on the control loop during the input scan so that operation
// state is only ever touched from one goroutine.
package hmi

// Action identifies one operator command.
type Action int

const (
	ActionNone Action = iota

	// ActionSelectMode selects an operation mode. Value carries the
	// mode number.
	ActionSelectMode

	// ActionDigit pushes one digit (Value 0-9) onto the numpad.
	ActionDigit

	// ActionBackspace removes the most recent numpad digit.
	ActionBackspace

	// ActionEnter confirms the current entry, or begins parameter
	// setup when nothing is being entered.
	ActionEnter

	// ActionCancel aborts the current entry or setup sequence.
	ActionCancel

	// ActionTouchOff begins the touch-off sequence.
	ActionTouchOff

	// ActionStart starts the configured operation.
	ActionStart

	// ActionStop stops the running operation.
	ActionStop

	// ActionMeasure cycles the display units (metric, inch, TPI).
	ActionMeasure

	// ActionPitch sets the pitch. Value carries deci-microns per
	// revolution, signed.
	ActionPitch

	// ActionDirection flips the directional choice of the current
	// mode: carriage travel for TURN and THREAD, bore side for CONE.
	ActionDirection

	// ActionJog moves an axis by Value steps. Axis names the axis.
	ActionJog

	// ActionSetParking starts parking capture: jog to the spot, then
	// enter latches it as the parking point.
	ActionSetParking

	// ActionGoParking moves both axes to the parking point.
	ActionGoParking

	// ActionEStop toggles the emergency stop. Value 1 engages,
	// 0 releases.
	ActionEStop
)

var actionNames = map[Action]string{
	ActionNone:       "none",
	ActionSelectMode: "select_mode",
	ActionDigit:      "digit",
	ActionBackspace:  "backspace",
	ActionEnter:      "enter",
	ActionCancel:     "cancel",
	ActionTouchOff:   "touch_off",
	ActionStart:      "start",
	ActionStop:       "stop",
	ActionMeasure:    "measure",
	ActionPitch:      "pitch",
	ActionDirection:  "direction",
	ActionJog:        "jog",
	ActionSetParking: "set_parking",
	ActionGoParking:  "go_parking",
	ActionEStop:      "estop",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAction maps a wire name back to an Action. Unknown names map
// to ActionNone.
func ParseAction(s string) Action {
	for a, name := range actionNames {
		if name == s {
			return a
		}
	}
	return ActionNone
}

// Event is one operator command from an input surface.
type Event struct {
	// Source names the surface the event came from ("web",
	// "pendant").
	Source string

	// Action is the command.
	Action Action

	// Axis names the axis for ActionJog ("x" or "z").
	Axis string

	// Value carries the action argument, if any.
	Value int64
}
