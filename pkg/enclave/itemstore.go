// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securestore.
//
// go-securestore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package enclave

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeremyhahn/go-securestore/pkg/storage"
)

// itemRecord is the JSON form of an Item in a storage.Backend.
type itemRecord struct {
	Tag       string       `json:"tag"`
	Class     string       `json:"class"`
	Provider  string       `json:"provider,omitempty"`
	PublicKey []byte       `json:"public_key,omitempty"`
	Ref       []byte       `json:"ref,omitempty"`
	Policy    AccessPolicy `json:"policy"`
	CreatedAt time.Time    `json:"created_at"`
}

// ItemStore persists key items for providers that have no native item
// database of their own. Records live under storage.ItemPath. Private
// records hold only the provider reference from the handle.
type ItemStore struct {
	mu       sync.Mutex
	backend  storage.Backend
	provider string
}

// NewItemStore returns an item store for the named provider.
func NewItemStore(backend storage.Backend, provider string) *ItemStore {
	return &ItemStore{backend: backend, provider: provider}
}

// Lookup loads the item for tag and class. A private record issued by a
// different provider is reported as ErrItemNotFound so the caller
// reprovisions over it.
func (s *ItemStore) Lookup(tag string, class KeyClass) (Item, error) {
	data, err := s.backend.Get(storage.ItemPath(class.String(), tag))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, fmt.Errorf("enclave: load item %q: %w", tag, err)
	}

	var rec itemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Item{}, fmt.Errorf("%w: decode item %q: %w", ErrInvalidItem, tag, err)
	}

	item := Item{
		Tag:       rec.Tag,
		Class:     class,
		Policy:    rec.Policy,
		CreatedAt: rec.CreatedAt,
	}
	switch class {
	case KeyClassPublic:
		item.PublicKey, err = NewPublicKey(rec.PublicKey)
		if err != nil {
			return Item{}, fmt.Errorf("%w: item %q: %w", ErrInvalidItem, tag, err)
		}
	case KeyClassPrivate:
		if rec.Provider != s.provider {
			return Item{}, fmt.Errorf("%w: item %q belongs to provider %q", ErrItemNotFound, tag, rec.Provider)
		}
		item.Private = NewPrivateKeyHandle(rec.Provider, rec.Tag, rec.Ref)
	}
	return item, nil
}

// Add stores item unless one already exists for its tag and class.
func (s *ItemStore) Add(item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.ItemPath(item.Class.String(), item.Tag)
	exists, err := s.backend.Exists(key)
	if err != nil {
		return fmt.Errorf("enclave: check item %q: %w", item.Tag, err)
	}
	if exists {
		return fmt.Errorf("%w: %s item %q", ErrDuplicateItem, item.Class, item.Tag)
	}

	rec := itemRecord{
		Tag:       item.Tag,
		Class:     item.Class.String(),
		Policy:    item.Policy,
		CreatedAt: item.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	switch item.Class {
	case KeyClassPublic:
		rec.PublicKey = item.PublicKey.Bytes()
	case KeyClassPrivate:
		rec.Provider = item.Private.Provider()
		rec.Ref = item.Private.Ref()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("enclave: encode item %q: %w", item.Tag, err)
	}
	if err := s.backend.Put(key, data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("enclave: store item %q: %w", item.Tag, err)
	}
	return nil
}

// Delete removes the item for tag and class.
func (s *ItemStore) Delete(tag string, class KeyClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(storage.ItemPath(class.String(), tag)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrItemNotFound
		}
		return fmt.Errorf("enclave: delete item %q: %w", tag, err)
	}
	return nil
}

// Tags lists the tags of all items of class.
func (s *ItemStore) Tags(class KeyClass) ([]string, error) {
	return storage.ListItems(s.backend, class.String())
}
