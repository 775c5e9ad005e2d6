package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adwski/alertbox/backend/model"
)

var (
	ErrRosterFull   = errors.New("roster is full")
	ErrPeerNotFound = errors.New("peer is not found")
)

// MemStore is the relay roster. Peer ids are assigned from 1 and never reused.
type MemStore struct {
	mx       *sync.Mutex
	db       map[int]model.PeerRecord
	lastID   int
	maxPeers int
}

// NewMemStore creates a roster; maxPeers of zero means no limit.
func NewMemStore(maxPeers int) *MemStore {
	return &MemStore{
		mx:       &sync.Mutex{},
		db:       make(map[int]model.PeerRecord),
		maxPeers: maxPeers,
	}
}

func DefaultName(id int) string {
	return fmt.Sprintf("Client_%d", id)
}

func (ms *MemStore) Register(address string) (model.PeerRecord, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if ms.maxPeers > 0 && len(ms.db) >= ms.maxPeers {
		return model.PeerRecord{}, ErrRosterFull
	}
	ms.lastID++
	peer := model.PeerRecord{
		ID:          ms.lastID,
		DisplayName: DefaultName(ms.lastID),
		Address:     address,
	}
	ms.db[peer.ID] = peer
	return peer, nil
}

// Rename sets the display name; an empty name restores the default one.
func (ms *MemStore) Rename(id int, name string) (model.PeerRecord, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	peer, ok := ms.db[id]
	if !ok {
		return model.PeerRecord{}, ErrPeerNotFound
	}
	if name == "" {
		name = DefaultName(id)
	}
	peer.DisplayName = name
	ms.db[id] = peer
	return peer, nil
}

func (ms *MemStore) Remove(id int) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, ok := ms.db[id]
	delete(ms.db, id)
	return ok
}

func (ms *MemStore) Get(id int) (model.PeerRecord, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	peer, ok := ms.db[id]
	if !ok {
		return model.PeerRecord{}, ErrPeerNotFound
	}
	return peer, nil
}

// List returns every peer except the one with id exclude, ordered by id.
func (ms *MemStore) List(exclude int) []model.PeerRecord {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	peers := make([]model.PeerRecord, 0, len(ms.db))
	for id, peer := range ms.db {
		if id != exclude {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID < peers[j].ID
	})
	return peers
}
