package output

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// Stage applies one session's publish/withdraw records to a working
// directory next to the repository directory. Nothing touches the
// repository tree until Promote; a failed session is discarded wholesale.
type Stage struct {
	repoDir        string
	workDir        string
	ignoreWithdraw bool
	withdrawn      []string
	log            *utils.Logger
}

// StageOptions contains options for creating a Stage
type StageOptions struct {
	RepoDir string
	// IgnoreWithdraw applies publishes but leaves withdrawn objects in
	// place
	IgnoreWithdraw bool
	Logger         *utils.Logger
}

// NewStage creates the working directory for one sync of RepoDir
func NewStage(opts StageOptions) (*Stage, error) {
	log := opts.Logger
	if log == nil {
		log = utils.Nop()
	}

	workDir := opts.RepoDir + ".work-" + uuid.NewString()
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working dir: %w", err)
	}

	return &Stage{
		repoDir:        opts.RepoDir,
		workDir:        workDir,
		ignoreWithdraw: opts.IgnoreWithdraw,
		log:            log.WithComponent("output"),
	}, nil
}

// paths maps an object URI to its repository and staging locations
func (s *Stage) paths(uri string) (primary, staged string, err error) {
	primary, err = utils.LocalPath(s.repoDir, uri)
	if err != nil {
		return "", "", err
	}
	rel, err := filepath.Rel(s.repoDir, primary)
	if err != nil {
		return "", "", err
	}
	return primary, filepath.Join(s.workDir, rel), nil
}

// Publish stages one object body. For updates, expectedHash must match the
// SHA-256 of the object at its previous serial: the copy staged earlier in
// this chain, or failing that the one stored in the repository.
func (s *Stage) Publish(uri string, expectedHash, data []byte) error {
	primary, staged, err := s.paths(uri)
	if err != nil {
		return err
	}

	if expectedHash != nil {
		if err := verifyStored(staged, primary, expectedHash); err != nil {
			return fmt.Errorf("update of %s: %w", uri, err)
		}
	}

	if err := utils.EnsureDir(staged); err != nil {
		return err
	}
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage %s: %w", uri, err)
	}

	s.log.Debug().Str("uri", uri).Int("bytes", len(data)).Msg("staged")
	return nil
}

// Withdraw verifies and records one object removal, applied at Promote
func (s *Stage) Withdraw(uri string, expectedHash []byte) error {
	primary, staged, err := s.paths(uri)
	if err != nil {
		return err
	}
	if err := verifyStored(staged, primary, expectedHash); err != nil {
		return fmt.Errorf("withdraw of %s: %w", uri, err)
	}

	if s.ignoreWithdraw {
		s.log.Debug().Str("uri", uri).Msg("withdraw ignored")
		return nil
	}

	if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.withdrawn = append(s.withdrawn, primary)
	s.log.Debug().Str("uri", uri).Msg("withdraw staged")
	return nil
}

// Promote moves the staged tree into the repository directory and applies
// the recorded withdraws. With clear set the repository tree is replaced
// instead of overlaid, dropping objects from a previous session lineage.
func (s *Stage) Promote(clear bool) error {
	if clear {
		if err := clearTree(s.repoDir); err != nil {
			return fmt.Errorf("failed to clear repository dir: %w", err)
		}
	}

	if err := os.MkdirAll(s.repoDir, 0o755); err != nil {
		return err
	}
	if err := utils.MoveTree(s.workDir, s.repoDir); err != nil {
		return fmt.Errorf("failed to promote working dir: %w", err)
	}
	for _, p := range s.withdrawn {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to withdraw %s: %w", p, err)
		}
	}

	return s.Discard()
}

// Discard removes the working directory
func (s *Stage) Discard() error {
	return os.RemoveAll(s.workDir)
}

// verifyStored checks an object's current content against the expected
// digest carried by an update or withdraw record. The staged copy wins
// over the repository copy: it is the object's state at the previous
// serial of the chain being applied.
func verifyStored(staged, primary string, expectedHash []byte) error {
	h, err := utils.HashFile(staged)
	if os.IsNotExist(err) {
		h, err = utils.HashFile(primary)
	}
	if err != nil {
		return fmt.Errorf("stored object unreadable: %w", err)
	}
	if !bytes.Equal(h, expectedHash) {
		return domain.ErrHashMismatch
	}
	return nil
}

// clearTree empties dir without removing the directory itself. The state
// file goes too; it is rewritten right after promotion.
func clearTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
