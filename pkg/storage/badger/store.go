package badger

import (
	"encoding/json"
	"fmt"
	"strconv"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/fxamacker/cbor/v2"
)

const (
	roundPrefix = "round:"
	modelPrefix = "model:"
)

var _ fl.Storage = (*Store)(nil)

// Store keeps round history and checkpoints in one badger database. Model keys
// are zero padded so iteration order matches version order.
type Store struct {
	db *Database
}

func NewStore(db *Database) *Store {
	return &Store{db: db}
}

func (s *Store) SaveRound(roundID string, state *fl.RoundState) error {
	if roundID == "" {
		return pkgerrors.ErrEmptyKey
	}
	val, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return s.db.set([]byte(roundPrefix+roundID), val)
}

func (s *Store) LoadRound(roundID string) (*fl.RoundState, error) {
	val, err := s.db.get([]byte(roundPrefix + roundID))
	if err != nil {
		return nil, err
	}
	var state fl.RoundState
	if err := json.Unmarshal(val, &state); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}

	return &state, nil
}

func (s *Store) ListRounds() ([]string, error) {
	return s.db.keysWithPrefix([]byte(roundPrefix))
}

func (s *Store) DeleteRound(roundID string) error {
	return s.db.delete([]byte(roundPrefix + roundID))
}

func (s *Store) SaveModel(cp fl.Checkpoint) error {
	val, err := cbor.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return s.db.set(modelKey(cp.Version), val)
}

func (s *Store) LoadModel(version uint64) (*fl.Checkpoint, error) {
	val, err := s.db.get(modelKey(version))
	if err != nil {
		return nil, err
	}
	var cp fl.Checkpoint
	if err := cbor.Unmarshal(val, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}

	return &cp, nil
}

func (s *Store) ListModels() ([]uint64, error) {
	keys, err := s.db.keysWithPrefix([]byte(modelPrefix))
	if err != nil {
		return nil, err
	}
	versions := make([]uint64, 0, len(keys))
	for _, k := range keys {
		v, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: model key %q", pkgerrors.ErrInvalidData, k)
		}
		versions = append(versions, v)
	}

	return versions, nil
}

func modelKey(version uint64) []byte {
	return fmt.Appendf(nil, "%s%020d", modelPrefix, version)
}
