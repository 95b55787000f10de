package guard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"
)

// ErrTampered is returned when a stored record's signature does not verify.
// Callers treat the record as absent.
var ErrTampered = errors.New("snapshot record signature mismatch")

const (
	bucketSnapshot = "snapshot"

	recClock      = "clock"
	recDecision   = "decision"
	recActivation = "activation"

	keyInfo = "labsync-guard-snapshot-v1"
)

// ClockPair is one observation of the server clock next to the local one.
type ClockPair struct {
	ServerTime time.Time `json:"server_time"`
	LocalTime  time.Time `json:"local_time"`
}

// Decision is the last answer the server gave to "is activation required".
type Decision struct {
	RequiresActivation bool      `json:"requires_activation"`
	ServerTime         time.Time `json:"server_time"`
}

// LocalActivation records a successful activation.  ServerTime is the
// instant the server consumed the code, never a local reading.
type LocalActivation struct {
	ActivationID string    `json:"activation_id"`
	Code         string    `json:"code"`
	ServerTime   time.Time `json:"server_time"`
}

type envelope struct {
	Value json.RawMessage `json:"v"`
	Sig   string          `json:"sig"`
}

// SnapshotStore persists the guard's records in a bbolt file.  Every record
// is HMAC-SHA256 signed with a key derived from the configured secret, so
// hand-editing the file is detected rather than trusted.
type SnapshotStore struct {
	db  *bbolt.DB
	key []byte
}

// OpenSnapshotStore opens (creating when needed) the snapshot file at path.
func OpenSnapshotStore(path, secret, installID string) (*SnapshotStore, error) {
	if secret == "" {
		return nil, errors.New("snapshot secret is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshot))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(installID), []byte(keyInfo)), key); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}
	return &SnapshotStore{db: db, key: key}, nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

func (s *SnapshotStore) LoadClock() (ClockPair, bool, error) {
	var v ClockPair
	ok, err := s.get(recClock, &v)
	return v, ok, err
}

func (s *SnapshotStore) SaveClock(v ClockPair) error { return s.put(recClock, v) }

func (s *SnapshotStore) LoadDecision() (Decision, bool, error) {
	var v Decision
	ok, err := s.get(recDecision, &v)
	return v, ok, err
}

func (s *SnapshotStore) SaveDecision(v Decision) error { return s.put(recDecision, v) }

func (s *SnapshotStore) LoadActivation() (LocalActivation, bool, error) {
	var v LocalActivation
	ok, err := s.get(recActivation, &v)
	return v, ok, err
}

func (s *SnapshotStore) SaveActivation(v LocalActivation) error { return s.put(recActivation, v) }

// ClearActivation drops the local activation record.
func (s *SnapshotStore) ClearActivation() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Delete([]byte(recActivation))
	})
}

// sign binds the record name into the MAC so a valid record cannot be
// copied under another name.
func (s *SnapshotStore) sign(name string, value []byte) string {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(name))
	m.Write([]byte{0})
	m.Write(value)
	return hex.EncodeToString(m.Sum(nil))
}

func (s *SnapshotStore) put(name string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(envelope{Value: value, Sig: s.sign(name, value)})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Put([]byte(name), buf)
	})
}

// get reports ok=false when the record is absent.  A record that fails to
// decode or verify yields ok=false and ErrTampered.
func (s *SnapshotStore) get(name string, v any) (bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(bucketSnapshot)).Get([]byte(name)); b != nil {
			raw = append([]byte(nil), b...)
		}
		return nil
	}); err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, ErrTampered
	}
	want, err := hex.DecodeString(env.Sig)
	if err != nil {
		return false, ErrTampered
	}
	got, _ := hex.DecodeString(s.sign(name, env.Value))
	if !hmac.Equal(want, got) {
		return false, ErrTampered
	}
	if err := json.Unmarshal(env.Value, v); err != nil {
		return false, ErrTampered
	}
	return true, nil
}
