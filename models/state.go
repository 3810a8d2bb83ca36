package models

import (
	"fmt"

	"github.com/5amCurfew/xtap/bookmark"
)

// State maps each stream to its bookmark. Only the orchestrator mutates it,
// through Advance, which never moves a bookmark backwards.
type State struct {
	Bookmarks map[string]StreamBookmark `json:"bookmarks"`
}

type StreamBookmark struct {
	ReplicationKey string         `json:"replication_key,omitempty"`
	Value          bookmark.Value `json:"value"`
}

func NewState() State {
	return State{Bookmarks: map[string]StreamBookmark{}}
}

func (s State) Get(stream string) bookmark.Value {
	return s.Bookmarks[stream].Value
}

// Advance records v for stream if it is greater than the current bookmark.
// A different replication key replaces the bookmark outright. It reports
// whether the state changed.
func (s *State) Advance(stream, replicationKey string, v bookmark.Value) (bool, error) {
	if v.IsZero() {
		return false, nil
	}
	if s.Bookmarks == nil {
		s.Bookmarks = map[string]StreamBookmark{}
	}
	current, ok := s.Bookmarks[stream]
	if ok && current.ReplicationKey == replicationKey {
		c, err := bookmark.Compare(v, current.Value)
		if err != nil {
			return false, fmt.Errorf("stream %s: %w", stream, err)
		}
		if c <= 0 {
			return false, nil
		}
	}
	s.Bookmarks[stream] = StreamBookmark{ReplicationKey: replicationKey, Value: v}
	return true, nil
}

func (s State) Copy() State {
	out := NewState()
	for k, v := range s.Bookmarks {
		out.Bookmarks[k] = v
	}
	return out
}

// Merge returns s with every bookmark of previous that s lacks or that is
// greater than the one in s. Streams where s would have regressed are
// returned in the list. Bookmarks that are incomparable or belong to a
// different replication key keep the value from s.
func (s State) Merge(previous State) (State, []string) {
	out := s.Copy()
	var kept []string
	for stream, prev := range previous.Bookmarks {
		cur, ok := out.Bookmarks[stream]
		if !ok {
			out.Bookmarks[stream] = prev
			continue
		}
		if cur.ReplicationKey != prev.ReplicationKey {
			continue
		}
		c, err := bookmark.Compare(cur.Value, prev.Value)
		if err != nil {
			continue
		}
		if c < 0 {
			out.Bookmarks[stream] = prev
			kept = append(kept, stream)
		}
	}
	return out, kept
}
