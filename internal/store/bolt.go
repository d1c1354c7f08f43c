package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCameras    = []byte("cameras")
	bucketReeds      = []byte("reeds")
	bucketPirs       = []byte("pirs")
	bucketGroups     = []byte("groups")
	bucketRecordings = []byte("recordings")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCameras, bucketReeds, bucketPirs, bucketGroups, bucketRecordings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- generic record helpers ---

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func getRecord[T any](tx *bolt.Tx, name []byte, key string) (*T, error) {
	b, err := bucket(tx, name)
	if err != nil {
		return nil, err
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, fmt.Errorf("%s %s: %w", name, key, ErrNotFound)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func putRecord(tx *bolt.Tx, name []byte, key string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// createRecord fails with ErrConflict when key already exists.
func createRecord(tx *bolt.Tx, name []byte, key string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) != nil {
		return fmt.Errorf("%s %s already exists: %w", name, key, ErrConflict)
	}
	return putRecord(tx, name, key, v)
}

// saveRecord fails with ErrNotFound when key does not exist yet.
func saveRecord(tx *bolt.Tx, name []byte, key string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) == nil {
		return fmt.Errorf("%s %s: %w", name, key, ErrNotFound)
	}
	return putRecord(tx, name, key, v)
}

func deleteRecord(tx *bolt.Tx, name []byte, key string) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) == nil {
		return fmt.Errorf("%s %s: %w", name, key, ErrNotFound)
	}
	return b.Delete([]byte(key))
}

func listRecords[T any](tx *bolt.Tx, name []byte) ([]*T, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, nil // no bucket = no records
	}
	list := make([]*T, 0, b.Stats().KeyN)
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		list = append(list, &item)
		return nil
	})
	return list, err
}

func (s *BoltStore) get(name []byte, key string, dst any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", name, key, ErrNotFound)
		}
		return json.Unmarshal(data, dst)
	})
}

func pinKey(pin int) string { return strconv.Itoa(pin) }

// --- cameras ---

func (s *BoltStore) GetCamera(ip string) (*Camera, error) {
	var c Camera
	if err := s.get(bucketCameras, ip, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCameras() ([]*Camera, error) {
	var list []*Camera
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = listRecords[Camera](tx, bucketCameras)
		return err
	})
	return list, err
}

func (s *BoltStore) CreateCamera(c *Camera) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createRecord(tx, bucketCameras, c.IP, c)
	})
}

func (s *BoltStore) SaveCamera(c *Camera) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveRecord(tx, bucketCameras, c.IP, c)
	})
}

func (s *BoltStore) DeleteCamera(ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := releaseFromGroup(tx, CameraRef(ip)); err != nil {
			return err
		}
		return deleteRecord(tx, bucketCameras, ip)
	})
}

// --- reeds ---

func (s *BoltStore) GetReed(pin int) (*Reed, error) {
	var r Reed
	if err := s.get(bucketReeds, pinKey(pin), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListReeds() ([]*Reed, error) {
	var list []*Reed
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = listRecords[Reed](tx, bucketReeds)
		return err
	})
	return list, err
}

func (s *BoltStore) CreateReed(r *Reed) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createRecord(tx, bucketReeds, pinKey(r.Pin), r)
	})
}

func (s *BoltStore) SaveReed(r *Reed) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveRecord(tx, bucketReeds, pinKey(r.Pin), r)
	})
}

func (s *BoltStore) DeleteReed(pin int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := releaseFromGroup(tx, ReedRef(pin)); err != nil {
			return err
		}
		return deleteRecord(tx, bucketReeds, pinKey(pin))
	})
}

// --- pirs ---

func (s *BoltStore) GetPir(pin int) (*Pir, error) {
	var p Pir
	if err := s.get(bucketPirs, pinKey(pin), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPirs() ([]*Pir, error) {
	var list []*Pir
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = listRecords[Pir](tx, bucketPirs)
		return err
	})
	return list, err
}

func (s *BoltStore) CreatePir(p *Pir) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createRecord(tx, bucketPirs, pinKey(p.Pin), p)
	})
}

func (s *BoltStore) SavePir(p *Pir) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveRecord(tx, bucketPirs, pinKey(p.Pin), p)
	})
}

func (s *BoltStore) DeletePir(pin int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := releaseFromGroup(tx, PirRef(pin)); err != nil {
			return err
		}
		return deleteRecord(tx, bucketPirs, pinKey(pin))
	})
}

// --- devices (tagged union) ---

func deviceBucket(kind DeviceKind) ([]byte, error) {
	switch kind {
	case KindCamera:
		return bucketCameras, nil
	case KindReed:
		return bucketReeds, nil
	case KindPir:
		return bucketPirs, nil
	}
	return nil, fmt.Errorf("unknown device kind %q", kind)
}

func getDevice(tx *bolt.Tx, ref DeviceRef) (*Device, error) {
	dev := &Device{Ref: ref}
	var err error
	switch ref.Kind {
	case KindCamera:
		dev.Camera, err = getRecord[Camera](tx, bucketCameras, ref.Key)
	case KindReed:
		dev.Reed, err = getRecord[Reed](tx, bucketReeds, ref.Key)
	case KindPir:
		dev.Pir, err = getRecord[Pir](tx, bucketPirs, ref.Key)
	default:
		err = fmt.Errorf("unknown device kind %q", ref.Kind)
	}
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func putDevice(tx *bolt.Tx, dev *Device) error {
	name, err := deviceBucket(dev.Ref.Kind)
	if err != nil {
		return err
	}
	switch dev.Ref.Kind {
	case KindCamera:
		return putRecord(tx, name, dev.Ref.Key, dev.Camera)
	case KindReed:
		return putRecord(tx, name, dev.Ref.Key, dev.Reed)
	default:
		return putRecord(tx, name, dev.Ref.Key, dev.Pir)
	}
}

func setDeviceListening(dev *Device, listening bool) {
	switch dev.Ref.Kind {
	case KindCamera:
		dev.Camera.Listening = listening
	case KindReed:
		dev.Reed.Listening = listening
	case KindPir:
		dev.Pir.Listening = listening
	}
}

func setDeviceGroup(dev *Device, groupID string) {
	switch dev.Ref.Kind {
	case KindCamera:
		dev.Camera.GroupID = groupID
	case KindReed:
		dev.Reed.GroupID = groupID
	case KindPir:
		dev.Pir.GroupID = groupID
	}
}

func (s *BoltStore) GetDevice(ref DeviceRef) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx, ref)
		return err
	})
	return dev, err
}

func (s *BoltStore) UpdateListening(listening bool, refs ...DeviceRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, ref := range refs {
			dev, err := getDevice(tx, ref)
			if err != nil {
				return err
			}
			setDeviceListening(dev, listening)
			if err := putDevice(tx, dev); err != nil {
				return err
			}
		}
		return nil
	})
}

// deviceWithGroup loads a device and the group owning it, nil when it has
// none or the group is gone.
func deviceWithGroup(tx *bolt.Tx, ref DeviceRef) (*Device, *DeviceGroup, error) {
	dev, err := getDevice(tx, ref)
	if err != nil {
		return nil, nil, err
	}
	if dev.GroupID() == "" {
		return dev, nil, nil
	}
	g, err := getRecord[DeviceGroup](tx, bucketGroups, dev.GroupID())
	if err != nil {
		return dev, nil, nil
	}
	return dev, g, nil
}

func (s *BoltStore) UpdateDevice(ref DeviceRef, fn func(dev *Device, g *DeviceGroup) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dev, g, err := deviceWithGroup(tx, ref)
		if err != nil {
			return err
		}
		listening, groupID := dev.Listening(), dev.GroupID()
		if err := fn(dev, g); err != nil {
			return err
		}
		dev.Ref = ref
		setDeviceListening(dev, listening)
		setDeviceGroup(dev, groupID)
		return putDevice(tx, dev)
	})
}

func (s *BoltStore) DeleteDevice(ref DeviceRef, check func(dev *Device, g *DeviceGroup) error) error {
	name, err := deviceBucket(ref.Kind)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		dev, g, err := deviceWithGroup(tx, ref)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(dev, g); err != nil {
				return err
			}
		}
		if err := releaseFromGroup(tx, ref); err != nil {
			return err
		}
		return deleteRecord(tx, name, ref.Key)
	})
}

// releaseFromGroup drops ref from the member list of the group owning it.
func releaseFromGroup(tx *bolt.Tx, ref DeviceRef) error {
	dev, err := getDevice(tx, ref)
	if err != nil || dev.GroupID() == "" {
		return nil
	}
	g, err := getRecord[DeviceGroup](tx, bucketGroups, dev.GroupID())
	if err != nil {
		return nil
	}
	removeMember(g, ref)
	return putRecord(tx, bucketGroups, g.ID, g)
}

func removeMember(g *DeviceGroup, ref DeviceRef) {
	switch ref.Kind {
	case KindCamera:
		g.Cameras = removeValue(g.Cameras, ref.Key)
	case KindReed:
		pin, _ := strconv.Atoi(ref.Key)
		g.Reeds = removeValue(g.Reeds, pin)
	case KindPir:
		pin, _ := strconv.Atoi(ref.Key)
		g.Pirs = removeValue(g.Pirs, pin)
	}
}

func removeValue[T comparable](list []T, v T) []T {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

// --- groups ---

func (s *BoltStore) GetGroup(id string) (*DeviceGroup, error) {
	var g DeviceGroup
	if err := s.get(bucketGroups, id, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListGroups() ([]*DeviceGroup, error) {
	var list []*DeviceGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = listRecords[DeviceGroup](tx, bucketGroups)
		return err
	})
	return list, err
}

func (s *BoltStore) CreateGroup(g *DeviceGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		if b.Get([]byte(g.ID)) != nil {
			return fmt.Errorf("group %s already exists: %w", g.ID, ErrConflict)
		}
		return syncMembership(tx, g)
	})
}

func (s *BoltStore) SaveGroup(g *DeviceGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketGroups)
		if err != nil {
			return err
		}
		if b.Get([]byte(g.ID)) == nil {
			return fmt.Errorf("group %s: %w", g.ID, ErrNotFound)
		}
		return syncMembership(tx, g)
	})
}

// syncMembership claims every member device for g, releases devices that
// left it, and writes the group record.
func syncMembership(tx *bolt.Tx, g *DeviceGroup) error {
	wanted := make(map[DeviceRef]bool)
	for _, ref := range g.Devices() {
		wanted[ref] = true
	}

	for _, name := range [][]byte{bucketCameras, bucketReeds, bucketPirs} {
		var refs []DeviceRef
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		kind := KindCamera
		switch string(name) {
		case string(bucketReeds):
			kind = KindReed
		case string(bucketPirs):
			kind = KindPir
		}
		if err := b.ForEach(func(k, _ []byte) error {
			refs = append(refs, DeviceRef{Kind: kind, Key: string(k)})
			return nil
		}); err != nil {
			return err
		}
		for _, ref := range refs {
			if wanted[ref] {
				continue
			}
			dev, err := getDevice(tx, ref)
			if err != nil {
				return err
			}
			if dev.GroupID() == g.ID {
				setDeviceGroup(dev, "")
				if err := putDevice(tx, dev); err != nil {
					return err
				}
			}
		}
	}

	for ref := range wanted {
		dev, err := getDevice(tx, ref)
		if err != nil {
			return err
		}
		if owner := dev.GroupID(); owner != "" && owner != g.ID {
			return fmt.Errorf("%s belongs to group %s: %w", ref, owner, ErrConflict)
		}
		setDeviceGroup(dev, g.ID)
		if err := putDevice(tx, dev); err != nil {
			return err
		}
	}

	return putRecord(tx, bucketGroups, g.ID, g)
}

func (s *BoltStore) UpdateGroup(id string, fn func(g *DeviceGroup) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		g, err := getRecord[DeviceGroup](tx, bucketGroups, id)
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}
		g.ID = id
		return putRecord(tx, bucketGroups, id, g)
	})
}

func (s *BoltStore) DeleteGroup(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		g, err := getRecord[DeviceGroup](tx, bucketGroups, id)
		if err != nil {
			return err
		}
		for _, ref := range g.Devices() {
			dev, err := getDevice(tx, ref)
			if err != nil {
				continue // dangling member
			}
			setDeviceGroup(dev, "")
			if err := putDevice(tx, dev); err != nil {
				return err
			}
		}
		return deleteRecord(tx, bucketGroups, id)
	})
}

// --- recordings ---

func (s *BoltStore) GetRecording(id string) (*Recording, error) {
	var r Recording
	if err := s.get(bucketRecordings, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRecordings() ([]*Recording, error) {
	var list []*Recording
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		list, err = listRecords[Recording](tx, bucketRecordings)
		return err
	})
	return list, err
}

func (s *BoltStore) CreateRecording(r *Recording) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createRecord(tx, bucketRecordings, r.ID, r)
	})
}

func (s *BoltStore) SaveRecording(r *Recording) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveRecord(tx, bucketRecordings, r.ID, r)
	})
}

func (s *BoltStore) DeleteRecording(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteRecord(tx, bucketRecordings, id)
	})
}
