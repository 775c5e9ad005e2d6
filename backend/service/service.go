// Package service implements the relay: roster bookkeeping and routing of
// alerts between connected clients.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adwski/alertbox/backend/model"
	"github.com/adwski/alertbox/backend/protocol"
)

var (
	ErrJoin        = errors.New("unable to join relay")
	ErrUnknownPeer = errors.New("peer is not registered")
	ErrEncode      = errors.New("unable to encode message")
	ErrUnsupported = errors.New("message is not handled by relay")
)

type (
	RosterStore interface {
		Register(address string) (model.PeerRecord, error)
		Rename(id int, name string) (model.PeerRecord, error)
		Remove(id int) bool
		Get(id int) (model.PeerRecord, error)
		List(exclude int) []model.PeerRecord
	}

	Switch interface {
		Connect(peerID int, wire model.Wire)
		Disconnect(peerID int)
		Send(ctx context.Context, dst int, payload []byte) bool
		Broadcast(ctx context.Context, src int, payload []byte) int
	}

	Service struct {
		store  RosterStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RosterStore RosterStore
		Switch      Switch
		Logger      *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RosterStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// Join registers a new connection, attaches its send queue and pushes fresh
// rosters to everyone.
func (svc *Service) Join(ctx context.Context, address string, wire model.Wire) (model.PeerRecord, error) {
	peer, err := svc.store.Register(address)
	if err != nil {
		return model.PeerRecord{}, errors.Join(ErrJoin, err)
	}
	svc.sw.Connect(peer.ID, wire)
	svc.logger.Info().
		Int("peer_id", peer.ID).
		Str("addr", address).
		Msg("peer joined")

	svc.pushRosters(ctx)
	return peer, nil
}

func (svc *Service) Leave(ctx context.Context, peerID int) {
	svc.sw.Disconnect(peerID)
	if !svc.store.Remove(peerID) {
		return
	}
	svc.logger.Info().Int("peer_id", peerID).Msg("peer left")

	svc.pushRosters(ctx)
}

// HandleLegacy rebroadcasts a bare alert id with the sender attached.
func (svc *Service) HandleLegacy(ctx context.Context, peerID int, alertID string) error {
	sender, err := svc.sender(peerID)
	if err != nil {
		return err
	}
	b, err := protocol.Encode(model.IncomingLegacy{
		SenderID:   &sender.ID,
		SenderName: sender.DisplayName,
		AlertID:    alertID,
	})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	n := svc.sw.Broadcast(ctx, peerID, b)
	svc.logger.Debug().
		Int("peer_id", peerID).
		Str("alert_id", alertID).
		Int("recipients", n).
		Msg("legacy alert relayed")
	return nil
}

// HandleRequest processes one structured message from peerID.
func (svc *Service) HandleRequest(ctx context.Context, peerID int, msg model.Message) error {
	sender, err := svc.sender(peerID)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case model.SetUsername:
		peer, err := svc.store.Rename(peerID, m.Username)
		if err != nil {
			return errors.Join(ErrUnknownPeer, err)
		}
		svc.logger.Info().
			Int("peer_id", peerID).
			Str("username", peer.DisplayName).
			Msg("peer renamed")
		svc.pushRosters(ctx)
	case model.CustomAlert:
		return svc.relayCustom(ctx, sender, m)
	case model.ClientListRequest:
		return svc.sendRoster(ctx, peerID)
	default:
		return errors.Join(ErrUnsupported, errors.New(msg.MessageType()))
	}
	return nil
}

// relayCustom delivers to the target when it is connected and to everyone
// but the sender otherwise.
func (svc *Service) relayCustom(ctx context.Context, sender model.PeerRecord, m model.CustomAlert) error {
	b, err := protocol.Encode(model.IncomingCustom{
		SenderID:        &sender.ID,
		SenderName:      sender.DisplayName,
		Message:         m.Message,
		BackgroundColor: m.BackgroundColor,
		MediaURL:        m.MediaURL,
	})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	logger := svc.logger.With().Int("peer_id", sender.ID).Logger()

	if m.TargetID != nil {
		if _, err = svc.store.Get(*m.TargetID); err == nil {
			sent := svc.sw.Send(ctx, *m.TargetID, b)
			logger.Debug().
				Int("dst", *m.TargetID).
				Bool("sent", sent).
				Msg("custom alert relayed to target")
			return nil
		}
		logger.Debug().Int("dst", *m.TargetID).Msg("target not found, broadcasting")
	}
	n := svc.sw.Broadcast(ctx, sender.ID, b)
	logger.Debug().Int("recipients", n).Msg("custom alert broadcast")
	return nil
}

func (svc *Service) sendRoster(ctx context.Context, peerID int) error {
	b, err := protocol.Encode(model.ClientListResponse{Peers: svc.store.List(peerID)})
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	svc.sw.Send(ctx, peerID, b)
	return nil
}

// pushRosters sends every peer the list of the others.
func (svc *Service) pushRosters(ctx context.Context) {
	for _, peer := range svc.store.List(0) {
		if err := svc.sendRoster(ctx, peer.ID); err != nil {
			svc.logger.Error().Err(err).Int("peer_id", peer.ID).Msg("roster push failed")
		}
	}
}

func (svc *Service) sender(peerID int) (model.PeerRecord, error) {
	peer, err := svc.store.Get(peerID)
	if err != nil {
		return model.PeerRecord{}, errors.Join(ErrUnknownPeer, err)
	}
	return peer, nil
}
