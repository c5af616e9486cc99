package store

import (
	"strings"
	"sync"
)

// FilterSet is the in-memory mirror of the persisted filter words, kept hot
// because every relayed message consults it. Mutations write through to the
// database first and update memory only on success.
type FilterSet struct {
	store *Store

	mu    sync.RWMutex
	words map[string]struct{}
}

// LoadFilterSet builds the mirror from the database.
func LoadFilterSet(s *Store) (*FilterSet, error) {
	words, err := s.ListFilterWords()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[normalizeWord(w)] = struct{}{}
	}
	return &FilterSet{store: s, words: set}, nil
}

// Matches reports whether the message text begins with any filter word.
func (f *FilterSet) Matches(text string) bool {
	probe := strings.ToLower(strings.TrimSpace(text))
	if probe == "" {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for word := range f.words {
		if strings.HasPrefix(probe, word) {
			return true
		}
	}
	return false
}

func (f *FilterSet) Add(word string) error {
	word = normalizeWord(word)
	if word == "" {
		return nil
	}
	if err := f.store.AddFilterWord(word); err != nil {
		return err
	}
	f.mu.Lock()
	f.words[word] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (f *FilterSet) Remove(word string) error {
	word = normalizeWord(word)
	if err := f.store.RemoveFilterWord(word); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.words, word)
	f.mu.Unlock()
	return nil
}

func (f *FilterSet) Clear() error {
	if err := f.store.ClearFilterWords(); err != nil {
		return err
	}
	f.mu.Lock()
	f.words = make(map[string]struct{})
	f.mu.Unlock()
	return nil
}

func (f *FilterSet) List() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.words))
	for w := range f.words {
		out = append(out, w)
	}
	return out
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
