package eventbus

// Kind identifies an event variant
type Kind int

const (
	KindStateUpdated Kind = iota + 1
	KindButtonPressed
	KindMotionPushed
	KindDeviceInfoUpdated
	KindReconfigurationRequested
)

func (k Kind) String() string {
	switch k {
	case KindStateUpdated:
		return "state_updated"
	case KindButtonPressed:
		return "button_pressed"
	case KindMotionPushed:
		return "motion_pushed"
	case KindDeviceInfoUpdated:
		return "device_info_updated"
	case KindReconfigurationRequested:
		return "reconfiguration_requested"
	default:
		return "unknown"
	}
}

// Event is the closed set of bus events. Only types in this package implement it,
// so a type switch over the variants below is exhaustive.
type Event interface {
	Kind() Kind
	Device() string
	isEvent()
}

// StateUpdated signals that a channel's live state was refreshed.
// Subscribers re-read the live state; the event carries no value.
type StateUpdated struct {
	DeviceID  string
	ChannelID string
}

// ButtonAction is the press type reported by a device button
type ButtonAction string

const (
	ButtonSingle  ButtonAction = "single"
	ButtonDouble  ButtonAction = "double"
	ButtonLong    ButtonAction = "long"
	ButtonPress   ButtonAction = "press"
	ButtonRelease ButtonAction = "release"
)

// ButtonPressed is pushed by a device when a physical button is used
type ButtonPressed struct {
	DeviceID string
	Button   int
	Action   ButtonAction
}

// MotionPushed is pushed by a device's PIR sensor in push mode
type MotionPushed struct {
	DeviceID string
	Motion   bool
}

// DeviceInfoUpdated carries a fresh network address for a known device
type DeviceInfoUpdated struct {
	DeviceID string
	Address  string
	Model    string
}

// ReconfigurationRequested asks the device's reconciler to run now
type ReconfigurationRequested struct {
	DeviceID string
	Reason   string
}

func (StateUpdated) Kind() Kind             { return KindStateUpdated }
func (ButtonPressed) Kind() Kind            { return KindButtonPressed }
func (MotionPushed) Kind() Kind             { return KindMotionPushed }
func (DeviceInfoUpdated) Kind() Kind        { return KindDeviceInfoUpdated }
func (ReconfigurationRequested) Kind() Kind { return KindReconfigurationRequested }

func (e StateUpdated) Device() string             { return e.DeviceID }
func (e ButtonPressed) Device() string            { return e.DeviceID }
func (e MotionPushed) Device() string             { return e.DeviceID }
func (e DeviceInfoUpdated) Device() string        { return e.DeviceID }
func (e ReconfigurationRequested) Device() string { return e.DeviceID }

func (StateUpdated) isEvent()             {}
func (ButtonPressed) isEvent()            {}
func (MotionPushed) isEvent()             {}
func (DeviceInfoUpdated) isEvent()        {}
func (ReconfigurationRequested) isEvent() {}
