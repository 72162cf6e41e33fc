package rrdp

import (
	"hash"

	"github.com/quantmind-br/rrdp-go/internal/domain"
)

// Task is the document a session is currently working through
type Task int

const (
	TaskNotification Task = iota
	TaskSnapshot
	TaskDelta
)

func (t Task) String() string {
	switch t {
	case TaskNotification:
		return "notification"
	case TaskSnapshot:
		return "snapshot"
	case TaskDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Phase is a session's position within the current task
type Phase int

const (
	// PhaseRequest means the session needs a fetch scheduled
	PhaseRequest Phase = iota
	// PhaseWaiting means a fetch request is out, no stream attached yet
	PhaseWaiting
	// PhaseParsing means body bytes are being streamed through the parser
	PhaseParsing
	// PhaseParsed means the stream finished without error
	PhaseParsed
	// PhaseError means parsing or digest verification failed; the rest of
	// the stream is drained without parsing
	PhaseError
	// PhaseDone means the fetch concluded and completion logic ran
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "req"
	case PhaseWaiting:
		return "waiting"
	case PhaseParsing:
		return "parsing"
	case PhaseParsed:
		return "parsed"
	case PhaseError:
		return "error"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// session tracks one repository sync. A session exclusively owns its
// notification document, hasher and (while parsing) the parse job servicing
// its body stream.
type session struct {
	id        uint64
	notifyURI string
	local     string

	repository domain.RepositoryState
	current    domain.RepositoryState

	task  Task
	phase Phase

	notification *notificationDoc

	// per-fetch state, reset by resetFetch
	expectedHash []byte
	deltaSerial  int64
	hasher       hash.Hash
	inFlight     bool
	streamDone   bool
	finReceived  bool
	digest       []byte
	parseErr     error
	docComplete  bool
	status       int
	lastMod      string

	filePending uint
	fileFailed  uint
}

// resetFetch clears the bookkeeping of the previous fetch before a new
// request is scheduled
func (s *session) resetFetch() {
	s.expectedHash = nil
	s.deltaSerial = 0
	s.hasher = nil
	s.inFlight = false
	s.streamDone = false
	s.finReceived = false
	s.digest = nil
	s.parseErr = nil
	s.docComplete = false
	s.status = 0
	s.lastMod = ""
}

// fetchConcluded reports whether both the stream EOF and the fetch result
// have been seen, in whichever order they arrived
func (s *session) fetchConcluded() bool {
	return s.streamDone && s.finReceived
}
