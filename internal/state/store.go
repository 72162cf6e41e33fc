package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// StateFileName is the per-repository state file: three lines holding the
// session id, the decimal serial and the HTTP-date last-modified value.
const StateFileName = ".state"

// Store persists RepositoryState records under repository directories
type Store struct {
	log *utils.Logger
}

// NewStore creates a state store
func NewStore(logger *utils.Logger) *Store {
	if logger == nil {
		logger = utils.Nop()
	}
	return &Store{log: logger.WithComponent("state")}
}

// Load reads the state for the repository at dir. Returns
// domain.ErrStateNotFound when the repository has never synced.
func (s *Store) Load(dir string) (domain.RepositoryState, error) {
	var st domain.RepositoryState

	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if os.IsNotExist(err) {
		return st, domain.ErrStateNotFound
	}
	if err != nil {
		return st, err
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) < 3 {
		return st, domain.ErrStateCorrupted
	}
	if lines[0] == "" {
		return st, domain.ErrStateCorrupted
	}
	serial, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil || serial < 1 {
		return st, domain.ErrStateCorrupted
	}

	st.SessionID = lines[0]
	st.Serial = serial
	st.LastModified = lines[2]

	s.log.Debug().Str("dir", dir).Str("session_id", st.SessionID).
		Int64("serial", st.Serial).Msg("state loaded")
	return st, nil
}

// Save atomically replaces the state for the repository at dir
func (s *Store) Save(dir string, st domain.RepositoryState) error {
	if st.SessionID == "" || st.Serial < 1 {
		return fmt.Errorf("refusing to save incomplete state for %s", dir)
	}

	data := fmt.Sprintf("%s\n%d\n%s\n", st.SessionID, st.Serial, st.LastModified)
	if err := utils.WriteFileAtomic(filepath.Join(dir, StateFileName), []byte(data), 0o600); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", dir, err)
	}

	s.log.Debug().Str("dir", dir).Str("session_id", st.SessionID).
		Int64("serial", st.Serial).Msg("state saved")
	return nil
}
