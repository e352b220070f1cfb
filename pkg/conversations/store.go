package conversations

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	bucketRecords      = []byte("records")
	bucketFingerprints = []byte("fingerprints")
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Record maps one local thread onto a remote conversation. The
// fingerprint indexes the last assistant reply so the next stateless
// request can find its way back.
type Record struct {
	ThreadID         string    `json:"thread_id"`
	RemoteChatID     string    `json:"remote_chat_id"`
	ParentResponseID string    `json:"parent_response_id"`
	Fingerprint      string    `json:"fingerprint"`
	Messages         []Message `json:"messages"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists conversation records in a bbolt file with a secondary
// fingerprint index. Commits to the same thread are serialized; commits
// to different threads are independent.
type Store struct {
	db  *bolt.DB
	log *log.Logger
	now func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func Open(path string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open conversations db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFingerprints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init conversations db: %w", err)
	}
	return &Store{
		db:    db,
		log:   logger,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) threadLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[threadID] = mu
	}
	return mu
}

// Match is the continuity decision for one incoming message list.
type Match struct {
	Found            bool
	ThreadID         string
	RemoteChatID     string
	ParentResponseID string
	// NewMessages are the turns appended after the matched assistant
	// reply; on a miss this is the full history.
	NewMessages []Message
}

// Resolve decides whether the history continues a known remote
// conversation. Ties on the fingerprint break toward the most recently
// updated record. Storage failures degrade to a miss; they never block
// the request.
func (s *Store) Resolve(history []Message) Match {
	lastAssistant := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleAssistant {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return Match{NewMessages: history}
	}
	fp := Fingerprint(RoleAssistant, history[lastAssistant].Content)

	var best *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFingerprints).Get([]byte(fp))
		if raw == nil {
			return nil
		}
		var threadIDs []string
		if err := json.Unmarshal(raw, &threadIDs); err != nil {
			return err
		}
		records := tx.Bucket(bucketRecords)
		for _, id := range threadIDs {
			b := records.Get([]byte(id))
			if b == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(b, &rec); err != nil {
				continue
			}
			if rec.Fingerprint != fp {
				continue
			}
			if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
				cp := rec
				best = &cp
			}
		}
		return nil
	})
	if err != nil {
		if s.log != nil {
			s.log.Warn("conversation lookup failed, starting fresh", "error", err)
		}
		return Match{NewMessages: history}
	}
	if best == nil {
		return Match{NewMessages: history}
	}
	return Match{
		Found:            true,
		ThreadID:         best.ThreadID,
		RemoteChatID:     best.RemoteChatID,
		ParentResponseID: best.ParentResponseID,
		NewMessages:      history[lastAssistant+1:],
	}
}

// CommitExchange upserts the record after a completed exchange. history
// must already include the new assistant reply as its final message. An
// empty threadID creates a fresh record and returns its generated ID.
func (s *Store) CommitExchange(threadID, remoteChatID, responseID string, history []Message) (string, error) {
	if threadID == "" {
		threadID = "thr-" + uuid.NewString()
	}
	if len(history) == 0 || history[len(history)-1].Role != RoleAssistant {
		return threadID, fmt.Errorf("commit requires an assistant reply as the final message")
	}
	fp := Fingerprint(RoleAssistant, history[len(history)-1].Content)

	mu := s.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		index := tx.Bucket(bucketFingerprints)

		rec := Record{ThreadID: threadID, CreatedAt: now}
		if b := records.Get([]byte(threadID)); b != nil {
			if err := json.Unmarshal(b, &rec); err == nil && rec.Fingerprint != "" && rec.Fingerprint != fp {
				if err := removeIndexEntry(index, rec.Fingerprint, threadID); err != nil {
					return err
				}
			}
		}
		rec.ThreadID = threadID
		rec.RemoteChatID = remoteChatID
		rec.ParentResponseID = responseID
		rec.Fingerprint = fp
		rec.Messages = history
		rec.UpdatedAt = now
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		b, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(threadID), b); err != nil {
			return err
		}
		return addIndexEntry(index, fp, threadID)
	})
	if err != nil {
		return threadID, fmt.Errorf("commit conversation: %w", err)
	}
	return threadID, nil
}

func addIndexEntry(index *bolt.Bucket, fp, threadID string) error {
	var threadIDs []string
	if raw := index.Get([]byte(fp)); raw != nil {
		if err := json.Unmarshal(raw, &threadIDs); err != nil {
			threadIDs = nil
		}
	}
	for _, id := range threadIDs {
		if id == threadID {
			return nil
		}
	}
	threadIDs = append(threadIDs, threadID)
	b, err := json.Marshal(threadIDs)
	if err != nil {
		return err
	}
	return index.Put([]byte(fp), b)
}

func removeIndexEntry(index *bolt.Bucket, fp, threadID string) error {
	raw := index.Get([]byte(fp))
	if raw == nil {
		return nil
	}
	var threadIDs []string
	if err := json.Unmarshal(raw, &threadIDs); err != nil {
		return index.Delete([]byte(fp))
	}
	kept := threadIDs[:0]
	for _, id := range threadIDs {
		if id != threadID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return index.Delete([]byte(fp))
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return index.Put([]byte(fp), b)
}

// DeleteByRemoteChatID removes every record bound to the given remote
// conversation, typically after the remote side was deleted.
func (s *Store) DeleteByRemoteChatID(remoteChatID string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		index := tx.Bucket(bucketFingerprints)
		var victims []Record
		err := records.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.RemoteChatID == remoteChatID {
				victims = append(victims, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range victims {
			if err := records.Delete([]byte(rec.ThreadID)); err != nil {
				return err
			}
			if err := removeIndexEntry(index, rec.Fingerprint, rec.ThreadID); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	return deleted, nil
}

// Count reports how many records the store holds.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}
