package api

import (
	"encoding/binary"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"
	"github.com/shamaton/msgpack/v2"

	"github.com/privacyresearch/tring/types"
)

var (
	peekClientPrefix  = []byte("peek/client/")
	peekRequestPrefix = []byte("peek/request/")
	peekLatestKey     = []byte("peek/latest")
)

// peekRecord is the stored form of a PeekInfo.
type peekRecord struct {
	Members     [][]byte `msgpack:"members"`
	Creator     []byte   `msgpack:"creator"`
	EraID       string   `msgpack:"era_id"`
	HasMax      bool     `msgpack:"has_max"`
	MaxDevices  uint64   `msgpack:"max_devices"`
	DeviceCount uint64   `msgpack:"device_count"`
}

func toPeekRecord(info types.PeekInfo) peekRecord {
	rec := peekRecord{EraID: info.EraID, DeviceCount: info.DeviceCount}
	rec.Members = make([][]byte, 0, len(info.JoinedMembers))
	for _, m := range info.JoinedMembers {
		rec.Members = append(rec.Members, append([]byte(nil), m[:]...))
	}
	if info.Creator != nil {
		rec.Creator = append([]byte(nil), info.Creator[:]...)
	}
	if info.MaxDevices != nil {
		rec.HasMax, rec.MaxDevices = true, *info.MaxDevices
	}
	return rec
}

func (rec peekRecord) info() (types.PeekInfo, error) {
	info := types.PeekInfo{EraID: rec.EraID, DeviceCount: rec.DeviceCount}
	info.JoinedMembers = make([]uuid.UUID, 0, len(rec.Members))
	for _, m := range rec.Members {
		id, err := uuid.FromBytes(m)
		if err != nil {
			return types.PeekInfo{}, fmt.Errorf("stored member: %w", err)
		}
		info.JoinedMembers = append(info.JoinedMembers, id)
	}
	if rec.Creator != nil {
		id, err := uuid.FromBytes(rec.Creator)
		if err != nil {
			return types.PeekInfo{}, fmt.Errorf("stored creator: %w", err)
		}
		info.Creator = &id
	}
	if rec.HasMax {
		max := rec.MaxDevices
		info.MaxDevices = &max
	}
	return info, nil
}

// PeekStore keeps the latest peek information per group client and per peek
// request. It holds current group state only.
type PeekStore struct {
	db dbm.DB
}

// NewMemPeekStore creates a store that lives in memory.
func NewMemPeekStore() *PeekStore {
	return &PeekStore{db: dbm.NewMemDB()}
}

// OpenPeekStore opens the store with the given cometbft-db backend in dir.
func OpenPeekStore(backend, dir string) (*PeekStore, error) {
	if backend == types.StoreMemDB {
		return NewMemPeekStore(), nil
	}
	db, err := dbm.NewDB("peeks", dbm.BackendType(backend), dir)
	if err != nil {
		return nil, fmt.Errorf("open peek store in %s: %w", dir, err)
	}
	return &PeekStore{db: db}, nil
}

func idKey(prefix []byte, id uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), prefix...), id)
}

func (s *PeekStore) put(key []byte, info types.PeekInfo) error {
	bz, err := msgpack.Marshal(toPeekRecord(info))
	if err != nil {
		return fmt.Errorf("encode peek info: %w", err)
	}
	if err := s.db.Set(key, bz); err != nil {
		return err
	}
	return s.db.Set(peekLatestKey, bz)
}

func (s *PeekStore) get(key []byte) (types.PeekInfo, bool, error) {
	bz, err := s.db.Get(key)
	if err != nil || bz == nil {
		return types.PeekInfo{}, false, err
	}
	var rec peekRecord
	if err := msgpack.Unmarshal(bz, &rec); err != nil {
		return types.PeekInfo{}, false, fmt.Errorf("decode peek info: %w", err)
	}
	info, err := rec.info()
	return info, err == nil, err
}

// PutClient stores info as the state seen by a group client.
func (s *PeekStore) PutClient(clientID int32, info types.PeekInfo) error {
	return s.put(idKey(peekClientPrefix, uint32(clientID)), info)
}

// PutRequest stores info as the answer to a peek request.
func (s *PeekStore) PutRequest(requestID uint32, info types.PeekInfo) error {
	return s.put(idKey(peekRequestPrefix, requestID), info)
}

func (s *PeekStore) Client(clientID int32) (types.PeekInfo, bool, error) {
	return s.get(idKey(peekClientPrefix, uint32(clientID)))
}

func (s *PeekStore) Request(requestID uint32) (types.PeekInfo, bool, error) {
	return s.get(idKey(peekRequestPrefix, requestID))
}

// Latest returns the most recently stored peek information of any source.
func (s *PeekStore) Latest() (types.PeekInfo, bool, error) {
	return s.get(peekLatestKey)
}

// Requests lists the ids of the peek requests with a stored answer, in order.
func (s *PeekStore) Requests() ([]uint32, error) {
	end := append([]byte(nil), peekRequestPrefix...)
	end[len(end)-1]++
	it, err := s.db.Iterator(peekRequestPrefix, end)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ids []uint32
	for ; it.Valid(); it.Next() {
		key := it.Key()
		ids = append(ids, binary.BigEndian.Uint32(key[len(peekRequestPrefix):]))
	}
	return ids, it.Error()
}

func (s *PeekStore) Close() error { return s.db.Close() }
