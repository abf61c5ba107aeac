// Package metastore persists one tablet replica's consensus control record
// (current term, voted-for, committed config) in its own pebble keyspace,
// separate from the tablet's row data and its log segments. The record is
// small, updated rarely (once per term/vote/config-commit), and never
// scanned, so it lives at a single fixed key rather than a log-entry
// keyspace.
package metastore

import (
	"encoding/json"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/tabletraft/tabletraft/internal/consensuserrors"
	"github.com/tabletraft/tabletraft/internal/tlog"
	"github.com/tabletraft/tabletraft/pkg/consensus/types"
)

var metadataKey = []byte("consensus-metadata")

// Store implements types.MetadataStore over a pebble database.
type Store struct {
	tlog.Logger

	db *pebble.DB
	wo *pebble.WriteOptions
}

// Open opens (creating if absent) the pebble database rooted at dataDir.
func Open(dataDir, tabletID string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(dataDir, tabletID, "meta"), &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	if err != nil {
		return nil, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "open metastore pebble db")
	}
	return &Store{
		Logger: tlog.New("metastore[" + tabletID + "]"),
		db:     db,
		wo:     &pebble.WriteOptions{Sync: true},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the zero-value ConsensusMetadata (term 0, no vote, empty
// config) if no record has ever been saved — the state a brand-new tablet
// replica starts in.
func (s *Store) Load() (types.ConsensusMetadata, error) {
	val, closer, err := s.db.Get(metadataKey)
	if err == pebble.ErrNotFound {
		return types.ConsensusMetadata{}, nil
	}
	if err != nil {
		return types.ConsensusMetadata{}, consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "load consensus metadata")
	}
	defer closer.Close()

	var md types.ConsensusMetadata
	if err := json.Unmarshal(val, &md); err != nil {
		return types.ConsensusMetadata{}, consensuserrors.Wrap(consensuserrors.KindCorruption, err, "unmarshal consensus metadata")
	}
	return md, nil
}

// Save persists md durably before returning: term/vote/config must never
// be visible to a peer before they survive a crash.
func (s *Store) Save(md types.ConsensusMetadata) error {
	val, err := json.Marshal(md)
	if err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "marshal consensus metadata")
	}
	if err := s.db.Set(metadataKey, val, s.wo); err != nil {
		return consensuserrors.Wrap(consensuserrors.KindIllegalState, err, "persist consensus metadata")
	}
	return nil
}

var _ types.MetadataStore = (*Store)(nil)
