// Package state persists the client session between runs: the logged
// in identity, a stable device id, and per-conversation read
// watermarks so unread badges survive a restart.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The session token lives here, so keep it owner-only.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket       = []byte("app")
	sessionBucket   = []byte("session")
	readMarksBucket = []byte("read_marks")

	deviceIDKey = []byte("device_id")
	sessionKey  = []byte("current")
)

// Session is the persisted login identity.
type Session struct {
	UserID  string `json:"user_id"`
	Token   string `json:"token"`
	Email   string `json:"email,omitempty"`
	SavedAt int64  `json:"saved_at"`
}

// ReadMark is the read watermark for one conversation: everything up
// to LastReadMessageID counts as read. Unread counters are derived
// from messages after the watermark, never decremented piecemeal.
type ReadMark struct {
	ConversationID    string `json:"conversation_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	LastReadAt        int64  `json:"last_read_at"`
	Preview           string `json:"preview,omitempty"`
}

// Store wraps a bbolt database for all persistent client state.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) and opens the state database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	path := filepath.Join(dir, "state.db")

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{appBucket, sessionBucket, readMarksBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns this install's stable device id, generating one on
// first use.
func (s *Store) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	return id, nil
}

// SaveSession persists the login identity.
func (s *Store) SaveSession(sess Session) error {
	sess.SavedAt = time.Now().UnixMilli()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshalling session: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	return nil
}

// Session returns the persisted session, or nil when none is stored.
func (s *Store) Session() (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	return sess, nil
}

// ClearSession removes the persisted session on logout.
func (s *Store) ClearSession() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(sessionKey)
	})
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return nil
}

// SetReadMark saves the read watermark for a conversation.
func (s *Store) SetReadMark(mark ReadMark) error {
	if mark.ConversationID == "" {
		return fmt.Errorf("read mark missing conversation id")
	}

	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("marshalling read mark: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(readMarksBucket).Put([]byte(mark.ConversationID), data)
	})
	if err != nil {
		return fmt.Errorf("persisting read mark: %w", err)
	}

	return nil
}

// ReadMark returns the watermark for a conversation, or nil when the
// conversation has never been opened on this device.
func (s *Store) ReadMark(conversationID string) (*ReadMark, error) {
	var mark *ReadMark

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(readMarksBucket).Get([]byte(conversationID))
		if v == nil {
			return nil
		}

		mark = &ReadMark{}

		return json.Unmarshal(v, mark)
	})
	if err != nil {
		return nil, fmt.Errorf("loading read mark: %w", err)
	}

	return mark, nil
}

// ReadMarks returns all persisted watermarks.
func (s *Store) ReadMarks() ([]ReadMark, error) {
	var marks []ReadMark

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(readMarksBucket).ForEach(func(_, v []byte) error {
			var m ReadMark
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			marks = append(marks, m)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading read marks: %w", err)
	}

	return marks, nil
}
