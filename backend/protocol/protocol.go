// Package protocol maps typed messages to and from their wire form.
//
// Structured messages are JSON objects with a "type" discriminant. The legacy
// alert is the only un-enveloped form: its wire form is the bare alert id.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/alertbox/backend/model"
)

var (
	ErrMissingType     = errors.New("protocol: missing type")
	ErrUnknownType     = errors.New("protocol: unknown type")
	ErrInvalidPayload  = errors.New("protocol: invalid payload")
	ErrUnsupportedType = errors.New("protocol: message cannot be encoded")
)

type header struct {
	Type string `json:"type"`
}

type setUsernameWire struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type customWire struct {
	Type     string  `json:"type"`
	Message  string  `json:"message"`
	BG       string  `json:"bg"`
	GifURL   *string `json:"gif_url"`
	TargetID *int    `json:"target_id"`
}

type clientListResponseWire struct {
	Type    string             `json:"type"`
	Clients []model.PeerRecord `json:"clients"`
}

type incomingCustomWire struct {
	Type           string  `json:"type"`
	SenderID       *int    `json:"sender_id,omitempty"`
	SenderUsername string  `json:"sender_username"`
	Message        string  `json:"message"`
	BG             string  `json:"bg"`
	GifURL         *string `json:"gif_url"`
}

type incomingLegacyWire struct {
	Type           string `json:"type"`
	SenderID       *int   `json:"sender_id,omitempty"`
	SenderUsername string `json:"sender_username"`
	AlertType      string `json:"alert_type"`
}

// Encode returns the wire form of msg.
func Encode(msg model.Message) ([]byte, error) {
	var v any
	switch m := msg.(type) {
	case model.LegacyAlert:
		return []byte(m.AlertID), nil
	case model.SetUsername:
		v = setUsernameWire{Type: model.TypeSetUsername, Username: m.Username}
	case model.CustomAlert:
		v = customWire{
			Type:     model.TypeCustom,
			Message:  m.Message,
			BG:       m.BackgroundColor,
			GifURL:   m.MediaURL,
			TargetID: m.TargetID,
		}
	case model.ClientListRequest:
		v = header{Type: model.TypeClientListRequest}
	case model.ClientListResponse:
		clients := m.Peers
		if clients == nil {
			clients = []model.PeerRecord{}
		}
		v = clientListResponseWire{Type: model.TypeClientListResponse, Clients: clients}
	case model.IncomingCustom:
		v = incomingCustomWire{
			Type:           model.TypeCustom,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderName,
			Message:        m.Message,
			BG:             m.BackgroundColor,
			GifURL:         m.MediaURL,
		}
	case model.IncomingLegacy:
		v = incomingLegacyWire{
			Type:           model.TypeLegacyAlert,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderName,
			AlertType:      m.AlertID,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, msg)
	}
	return json.Marshal(v)
}

// DecodeInbound classifies an object received by the client from the relay.
func DecodeInbound(raw []byte) (model.Message, error) {
	typ, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case model.TypeCustom:
		var w incomingCustomWire
		if err = json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		return model.IncomingCustom{
			SenderID:        w.SenderID,
			SenderName:      w.SenderUsername,
			Message:         w.Message,
			BackgroundColor: w.BG,
			MediaURL:        w.GifURL,
		}, nil
	case model.TypeLegacyAlert:
		var w incomingLegacyWire
		if err = json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		return model.IncomingLegacy{
			SenderID:   w.SenderID,
			SenderName: w.SenderUsername,
			AlertID:    w.AlertType,
		}, nil
	case model.TypeClientListResponse:
		var w clientListResponseWire
		if err = json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		peers := w.Clients
		if peers == nil {
			peers = []model.PeerRecord{}
		}
		return model.ClientListResponse{Peers: peers}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// DecodeRequest classifies an object received by the relay from a client.
func DecodeRequest(raw []byte) (model.Message, error) {
	typ, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case model.TypeSetUsername:
		var w setUsernameWire
		if err = json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		return model.SetUsername{Username: w.Username}, nil
	case model.TypeCustom:
		var w customWire
		if err = json.Unmarshal(raw, &w); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		return model.CustomAlert{
			Message:         w.Message,
			BackgroundColor: w.BG,
			MediaURL:        w.GifURL,
			TargetID:        w.TargetID,
		}, nil
	case model.TypeClientListRequest:
		return model.ClientListRequest{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

func peekType(raw []byte) (string, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", errors.Join(ErrInvalidPayload, err)
	}
	if h.Type == "" {
		return "", ErrMissingType
	}
	return h.Type, nil
}
