package fl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

var _ Storage = (*PersistentStorage)(nil)

// PersistentStorage keeps round history as JSON and checkpoints as CBOR files.
type PersistentStorage struct {
	roundsDir string
	modelsDir string
	mu        sync.RWMutex
}

func NewPersistentStorage(roundsDir, modelsDir string) (*PersistentStorage, error) {
	if err := os.MkdirAll(roundsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rounds directory: %w", err)
	}
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	return &PersistentStorage{
		roundsDir: roundsDir,
		modelsDir: modelsDir,
	}, nil
}

func (ps *PersistentStorage) SaveRound(roundID string, state *RoundState) error {
	roundFile, err := ps.roundPath(roundID)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal round state: %w", err)
	}

	if err := os.WriteFile(roundFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write round file: %w", err)
	}

	return nil
}

func (ps *PersistentStorage) LoadRound(roundID string) (*RoundState, error) {
	roundFile, err := ps.roundPath(roundID)
	if err != nil {
		return nil, err
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	data, err := os.ReadFile(roundFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: round %s", pkgerrors.ErrNotFound, roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read round file: %w", err)
	}

	var state RoundState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round state: %w", err)
	}

	return &state, nil
}

func (ps *PersistentStorage) ListRounds() ([]string, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entries, err := os.ReadDir(ps.roundsDir)
	if err != nil {
		return nil, err
	}

	var roundIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "round_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		roundIDs = append(roundIDs, strings.TrimSuffix(strings.TrimPrefix(name, "round_"), ".json"))
	}
	sort.Strings(roundIDs)

	return roundIDs, nil
}

func (ps *PersistentStorage) SaveModel(cp Checkpoint) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	data, err := cbor.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	modelFile := filepath.Join(ps.modelsDir, fmt.Sprintf("model_v%d.cbor", cp.Version))
	tmp := modelFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	if err := os.Rename(tmp, modelFile); err != nil {
		return fmt.Errorf("failed to commit model file: %w", err)
	}

	return nil
}

func (ps *PersistentStorage) LoadModel(version uint64) (*Checkpoint, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	modelFile := filepath.Join(ps.modelsDir, fmt.Sprintf("model_v%d.cbor", version))

	return ReadCheckpoint(modelFile)
}

func (ps *PersistentStorage) ListModels() ([]uint64, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entries, err := os.ReadDir(ps.modelsDir)
	if err != nil {
		return nil, err
	}

	var versions []uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cbor") {
			continue
		}
		var version uint64
		if _, err := fmt.Sscanf(entry.Name(), "model_v%d.cbor", &version); err == nil {
			versions = append(versions, version)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	return versions, nil
}

// ReadCheckpoint decodes a checkpoint file written by SaveModel.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var cp Checkpoint
	if err := cbor.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return &cp, nil
}

func (ps *PersistentStorage) roundPath(roundID string) (string, error) {
	id := sanitizeRoundID(roundID)
	if id == "" {
		return "", fmt.Errorf("%w: round id %q", pkgerrors.ErrInvalidData, roundID)
	}

	return filepath.Join(ps.roundsDir, "round_"+id+".json"), nil
}

// sanitizeRoundID keeps only characters that are safe in a file name, which
// also strips separators and parent references.
func sanitizeRoundID(roundID string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(roundID) {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}

	return b.String()
}
