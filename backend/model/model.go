package model

// AlertEntry is a catalog record describing how an alert is displayed.
type AlertEntry struct {
	ID              string  `json:"id"`
	Message         string  `json:"message"`
	BackgroundColor string  `json:"bg"`
	MediaURL        *string `json:"gif_url"`
}

// PeerRecord is one entry of the roster pushed by the relay.
type PeerRecord struct {
	ID          int    `json:"id"`
	DisplayName string `json:"username"`
	Address     string `json:"address,omitempty"` // filled by relay only
}

// Message is a parsed wire payload. Concrete variants are listed below.
type Message interface {
	MessageType() string
}

// Wire discriminants.
const (
	TypeSetUsername        = "SET_USERNAME"
	TypeCustom             = "CUSTOM"
	TypeLegacyAlert        = "LEGACY_ALERT"
	TypeClientListRequest  = "CLIENT_LIST_REQUEST"
	TypeClientListResponse = "CLIENT_LIST_RESPONSE"
)

type SetUsername struct {
	Username string
}

type CustomAlert struct {
	Message         string
	BackgroundColor string
	MediaURL        *string
	TargetID        *int
}

// LegacyAlert travels as a bare identifier with no JSON envelope.
type LegacyAlert struct {
	AlertID string
}

type ClientListRequest struct{}

type ClientListResponse struct {
	Peers []PeerRecord
}

type IncomingCustom struct {
	SenderID        *int
	SenderName      string
	Message         string
	BackgroundColor string
	MediaURL        *string
}

type IncomingLegacy struct {
	SenderID   *int
	SenderName string
	AlertID    string
}

func (SetUsername) MessageType() string        { return TypeSetUsername }
func (CustomAlert) MessageType() string        { return TypeCustom }
func (LegacyAlert) MessageType() string        { return TypeLegacyAlert }
func (ClientListRequest) MessageType() string  { return TypeClientListRequest }
func (ClientListResponse) MessageType() string { return TypeClientListResponse }
func (IncomingCustom) MessageType() string     { return TypeCustom }
func (IncomingLegacy) MessageType() string     { return TypeLegacyAlert }

// ConnectionStatus is the controller's view of the session.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDevMode      ConnectionStatus = "dev_mode"
)

// SessionState is a point-in-time copy of the controller state.
type SessionState struct {
	Status   ConnectionStatus `json:"status"`
	Username string           `json:"username"`
	TargetID *int             `json:"target_id"`
	Sent     int              `json:"sent"`
	Received int              `json:"received"`
	Peers    []PeerRecord     `json:"peers"`
}

// Boundary event types that are sent to the UI.
const (
	EventTypeStatus   = "status"
	EventTypeCounters = "counters"
	EventTypeRoster   = "roster"
	EventTypeDisplay  = "display"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Counters struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// Display is what the UI renders for a raised alert. MediaURL is nil for "none".
type Display struct {
	Message         string  `json:"message"`
	BackgroundColor string  `json:"bg"`
	MediaURL        *string `json:"gif_url"`
}

// Wire is the outbound queue of one relay peer connection.
type Wire struct {
	TX chan []byte
}

func NewWire() Wire {
	return Wire{
		TX: make(chan []byte, 16),
	}
}
