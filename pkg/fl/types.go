package fl

import "time"

type Mode string

const (
	ModeAsync  Mode = "async"
	ModeRounds Mode = "rounds"
)

// RoundState records one synchronous round: the version it started from, the
// updates it collected and the version it produced.
type RoundState struct {
	RoundID      string    `json:"round_id"`
	Round        int       `json:"round"`
	KOfN         int       `json:"k_of_n"`
	StartVersion uint64    `json:"start_version"`
	EndVersion   uint64    `json:"end_version"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Updates      []Update  `json:"updates"`
	Completed    bool      `json:"completed"`
}

// Update describes one merged contribution. Params is omitted from round files.
type Update struct {
	RoundID    string    `json:"round_id,omitempty"`
	SessionID  string    `json:"session_id"`
	ShardID    int       `json:"shard_id"`
	NumSamples int       `json:"num_samples"`
	Params     []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Checkpoint is the persisted form of the global parameter state.
type Checkpoint struct {
	Version uint64            `cbor:"version" json:"version"`
	Mode    Mode              `cbor:"mode" json:"mode"`
	Config  string            `cbor:"config" json:"config"`
	Params  []byte            `cbor:"params" json:"-"`
	Meta    map[string]string `cbor:"meta,omitempty" json:"meta,omitempty"`
	SavedAt time.Time         `cbor:"saved_at" json:"saved_at"`
}

// Storage persists checkpoints and round history.
type Storage interface {
	SaveRound(roundID string, state *RoundState) error
	LoadRound(roundID string) (*RoundState, error)
	ListRounds() ([]string, error)
	SaveModel(cp Checkpoint) error
	LoadModel(version uint64) (*Checkpoint, error)
	ListModels() ([]uint64, error)
}

// Aggregator combines the parameter vectors returned within one round.
type Aggregator interface {
	Aggregate(updates []Update) ([]byte, error)
}
