// Package store persists the tap state between runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/5amCurfew/xtap/models"
	util "github.com/5amCurfew/xtap/util"
	log "github.com/sirupsen/logrus"
)

// ErrCorruptState means the state file exists but cannot be decoded. The
// tap must not run in that case, since it would restart every stream.
var ErrCorruptState = errors.New("corrupt state file")

// FileStore keeps state in a JSON file. An empty path keeps state in memory
// only. Saves are serialized and never persist a regressed bookmark.
type FileStore struct {
	path string

	mu   sync.Mutex
	last models.State
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, last: models.NewState()}
}

func (s *FileStore) Path() string { return s.path }

// Load reads the state file, returning an empty state when it does not
// exist yet.
func (s *FileStore) Load() (models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return s.last.Copy(), nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"path": s.path}).Info("state file not found, starting from empty state")
		s.last = models.NewState()
		return s.last.Copy(), nil
	}
	if err != nil {
		return models.State{}, fmt.Errorf("error reading state file %s: %w", s.path, err)
	}

	state := models.NewState()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &state); err != nil {
			return models.State{}, fmt.Errorf("%w %s: %v", ErrCorruptState, s.path, err)
		}
	}
	if state.Bookmarks == nil {
		state.Bookmarks = map[string]models.StreamBookmark{}
	}

	s.last = state
	return state.Copy(), nil
}

// Save merges state with the last persisted state and writes the result
// atomically. It returns the state actually written.
func (s *FileStore) Save(state models.State) (models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, kept := state.Merge(s.last)
	for _, stream := range kept {
		log.WithFields(log.Fields{
			"stream":   stream,
			"incoming": state.Get(stream).String(),
			"kept":     merged.Get(stream).String(),
		}).Warn("refusing to regress bookmark")
	}

	if s.path != "" {
		if err := util.WriteJSON(s.path, merged); err != nil {
			return models.State{}, fmt.Errorf("error saving state: %w", err)
		}
	}
	s.last = merged
	return merged.Copy(), nil
}
