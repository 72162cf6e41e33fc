package rrdp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/message"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// DefaultMaxSessions caps how many sessions may hold an open body stream
// at once
const DefaultMaxSessions = 12

// Options contains options for creating a Scheduler
type Options struct {
	Conn        *message.Conn
	Logger      *utils.Logger
	MaxSessions int
	// DeltaLimit prefers a full snapshot over delta chains longer than
	// this; 0 means no limit
	DeltaLimit int
}

// Scheduler owns the worker side of the control channel and a set of
// sessions, all serviced by a single event loop. Session state never
// changes off the loop goroutine.
type Scheduler struct {
	conn        *message.Conn
	log         *utils.Logger
	maxSessions int
	deltaLimit  int

	sessions map[uint64]*session
	events   chan event
	outq     []message.Message
	inFlight int
}

// NewScheduler creates a scheduler for the worker end of conn
func NewScheduler(opts Options) *Scheduler {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	log := opts.Logger
	if log == nil {
		log = utils.Nop()
	}

	return &Scheduler{
		conn:        opts.Conn,
		log:         log.WithComponent("rrdp"),
		maxSessions: opts.MaxSessions,
		deltaLimit:  opts.DeltaLimit,
		sessions:    make(map[uint64]*session),
		events:      make(chan event, 16),
	}
}

// Run services the control channel and all sessions until the parent
// closes its end (clean shutdown, no draining) or a protocol violation
// makes the worker unusable.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	for {
		s.schedule()

		// enable the send case only while something is queued
		var (
			outCh chan<- message.Message
			next  message.Message
		)
		if len(s.outq) > 0 {
			outCh = s.conn.Out()
			next = s.outq[0]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-s.conn.In():
			if !ok {
				return nil
			}
			if err := s.dispatch(ctx, m); err != nil {
				return err
			}
		case outCh <- next:
			s.outq = s.outq[1:]
		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

// schedule turns sessions in the request phase into fetch requests, as
// long as stream slots are free
func (s *Scheduler) schedule() {
	for _, sess := range s.sessions {
		if sess.phase != PhaseRequest || s.inFlight >= s.maxSessions {
			continue
		}

		switch sess.task {
		case TaskNotification:
			s.log.Debug().Str("uri", sess.notifyURI).Msg("fetch")
			s.push(message.HTTPRequest{
				ID:              sess.id,
				URI:             sess.notifyURI,
				IfModifiedSince: sess.repository.LastModified,
			})
		case TaskSnapshot, TaskDelta:
			uri, hash, serial, err := sess.notification.nextFetch(sess.task)
			if err != nil {
				s.log.Warn().Str("local", sess.local).Err(err).Msg("no fetch target")
				s.failSession(sess)
				continue
			}
			sess.expectedHash = hash
			sess.deltaSerial = serial
			sess.hasher = sha256.New()
			s.log.Debug().Str("uri", uri).Msg("fetch")
			s.push(message.HTTPRequest{ID: sess.id, URI: uri})
		}

		sess.phase = PhaseWaiting
		sess.inFlight = true
		s.inFlight++
	}
}

func (s *Scheduler) dispatch(ctx context.Context, m message.Message) error {
	switch m := m.(type) {
	case message.Start:
		if _, ok := s.sessions[m.ID]; ok {
			return fmt.Errorf("rrdp session %d already exists", m.ID)
		}
		sess := &session{
			id:           m.ID,
			notifyURI:    m.NotifyURI,
			local:        m.LocalPath,
			repository:   m.State,
			task:         TaskNotification,
			phase:        PhaseRequest,
			notification: newNotificationDoc(m.State),
		}
		s.sessions[m.ID] = sess
		s.log.Debug().Uint64("session", m.ID).Str("local", m.LocalPath).
			Str("notify", m.NotifyURI).Msg("start")
		return nil

	case message.HTTPInit:
		sess, err := s.get(m.ID)
		if err != nil {
			return err
		}
		if m.Body == nil {
			return fmt.Errorf("rrdp session %d: expected stream not received", m.ID)
		}
		if sess.phase != PhaseWaiting {
			return fmt.Errorf("rrdp session %d: stream attached in phase %s", m.ID, sess.phase)
		}
		s.startParse(ctx, sess, m.Body)
		return nil

	case message.HTTPFinal:
		sess, err := s.get(m.ID)
		if err != nil {
			return err
		}
		switch sess.phase {
		case PhaseParsing, PhaseParsed, PhaseError:
		default:
			return fmt.Errorf("rrdp session %d: fetch result in phase %s", m.ID, sess.phase)
		}
		sess.status = m.StatusCode
		sess.lastMod = m.LastModified
		sess.finReceived = true
		s.maybeConclude(sess)
		return nil

	case message.FileAck:
		sess, ok := s.sessions[m.ID]
		if !ok {
			// the session may have failed while acks were in flight
			s.log.Debug().Uint64("session", m.ID).Msg("ack for unknown session")
			return nil
		}
		if sess.filePending == 0 {
			return fmt.Errorf("rrdp session %d: unexpected file ack", m.ID)
		}
		if !m.OK {
			sess.fileFailed++
		}
		sess.filePending--
		s.maybeConclude(sess)
		return nil

	default:
		return fmt.Errorf("unexpected message %s", m.MsgKind())
	}
}

func (s *Scheduler) handleEvent(ev event) error {
	sess, ok := s.sessions[ev.session()]
	if !ok {
		return fmt.Errorf("rrdp session %d: event for unknown session", ev.session())
	}

	switch ev := ev.(type) {
	case fileEvent:
		if sess.phase != PhaseParsing {
			return fmt.Errorf("rrdp session %d: file event in phase %s", sess.id, sess.phase)
		}
		sess.filePending++
		s.push(message.File{
			ID:           sess.id,
			Type:         ev.typ,
			URI:          ev.uri,
			ExpectedHash: ev.expectedHash,
			Data:         ev.data,
		})
		return nil

	case streamDone:
		if sess.phase != PhaseParsing {
			return fmt.Errorf("rrdp session %d: stream end in phase %s", sess.id, sess.phase)
		}
		sess.streamDone = true
		sess.digest = ev.digest
		sess.docComplete = ev.complete

		switch {
		case ev.parseErr != nil:
			sess.parseErr = ev.parseErr
			sess.phase = PhaseError
			s.log.Warn().Str("local", sess.local).Err(ev.parseErr).Msg("parse error")
		case sess.task != TaskNotification && !bytes.Equal(ev.digest, sess.expectedHash):
			sess.parseErr = domain.ErrHashMismatch
			sess.phase = PhaseError
			s.log.Warn().Str("local", sess.local).Msg("bad message digest")
		default:
			sess.phase = PhaseParsed
		}
		s.maybeConclude(sess)
		return nil

	default:
		return fmt.Errorf("rrdp session %d: unknown event", sess.id)
	}
}

// startParse attaches the body stream and hands the session's handler and
// hasher to a parse job
func (s *Scheduler) startParse(ctx context.Context, sess *session, body io.ReadCloser) {
	sess.phase = PhaseParsing

	job := &parseJob{
		id:     sess.id,
		body:   body,
		hasher: sess.hasher,
		events: s.events,
		ctx:    ctx,
	}
	switch sess.task {
	case TaskNotification:
		job.h = newNotificationHandler(sess.notification)
	case TaskSnapshot:
		job.h = newSnapshotHandler(sess.notification, job.emitFile)
	case TaskDelta:
		job.h = newDeltaHandler(sess.notification, sess.deltaSerial, job.emitFile)
	}

	go job.run()
}

// maybeConclude runs the completion logic once the stream EOF and the
// fetch result have both arrived and no file events await acknowledgement
func (s *Scheduler) maybeConclude(sess *session) {
	if !sess.fetchConcluded() || sess.filePending > 0 {
		return
	}
	s.conclude(sess)
}

func (s *Scheduler) conclude(sess *session) {
	if sess.inFlight {
		sess.inFlight = false
		s.inFlight--
	}

	failed := sess.phase == PhaseError
	sess.phase = PhaseDone

	if failed {
		s.failSession(sess)
		return
	}

	if sess.status == 304 && sess.task == TaskNotification {
		s.log.Info().Str("local", sess.local).Msg("notification file not modified")
		id := sess.id
		s.free(sess)
		s.push(message.End{ID: id, OK: true})
		return
	}
	if sess.status != 200 {
		s.log.Warn().Str("local", sess.local).Int("status", sess.status).
			Msg("fetch failed")
		s.failSession(sess)
		return
	}

	// the parser is finalized only on success; a truncated body would
	// otherwise mask the real failure
	if !sess.docComplete {
		s.log.Warn().Str("local", sess.local).Msg("incomplete document")
		s.failSession(sess)
		return
	}

	// a rejected file fails the whole update
	if sess.fileFailed > 0 {
		s.log.Warn().Str("local", sess.local).Uint("failed", sess.fileFailed).
			Msg("files failed")
		s.failSession(sess)
		return
	}

	switch sess.task {
	case TaskNotification:
		s.concludeNotification(sess)
	case TaskSnapshot:
		s.finish(sess)
	case TaskDelta:
		if sess.notification.deltasRemaining() {
			sess.resetFetch()
			sess.phase = PhaseRequest
			return
		}
		s.finish(sess)
	}
}

func (s *Scheduler) concludeNotification(sess *session) {
	doc := sess.notification

	lastMod := sess.lastMod
	if lastMod == "" {
		lastMod = sess.repository.LastModified
	}
	sess.current = domain.RepositoryState{
		SessionID:    doc.sessionID,
		Serial:       doc.serial,
		LastModified: lastMod,
	}

	switch doc.plan {
	case PlanNone:
		s.log.Info().Str("local", sess.local).Msg("repository not modified")
		s.finish(sess)
	case PlanSnapshot:
		sess.task = TaskSnapshot
		sess.resetFetch()
		sess.phase = PhaseRequest
	case PlanDeltas:
		if s.deltaLimit > 0 && len(doc.deltas) > s.deltaLimit {
			s.log.Info().Str("local", sess.local).Int("deltas", len(doc.deltas)).
				Msg("delta chain too long, using snapshot")
			sess.task = TaskSnapshot
			sess.resetFetch()
			sess.phase = PhaseRequest
			return
		}
		s.log.Debug().Str("local", sess.local).Int("deltas", len(doc.deltas)).
			Msg("applying deltas")
		sess.task = TaskDelta
		sess.resetFetch()
		sess.phase = PhaseRequest
	case PlanError:
		s.log.Warn().Str("local", sess.local).Msg("notification state error")
		s.failSession(sess)
	}
}

// finish persists the new repository state and terminates the session with
// success
func (s *Scheduler) finish(sess *session) {
	id := sess.id
	s.push(message.Session{ID: id, State: sess.current})
	s.free(sess)
	s.push(message.End{ID: id, OK: true})
}

// failSession runs the failure fallback: a broken delta chain retries from
// the snapshot as RFC 8182 prescribes, anything else terminates the
// session
func (s *Scheduler) failSession(sess *session) {
	if sess.task == TaskDelta {
		s.log.Warn().Str("local", sess.local).Msg("delta failed, falling back to snapshot")
		sess.task = TaskSnapshot
		sess.fileFailed = 0
		sess.resetFetch()
		sess.phase = PhaseRequest
		return
	}

	id := sess.id
	s.free(sess)
	s.push(message.End{ID: id, OK: false})
}

func (s *Scheduler) free(sess *session) {
	if sess.inFlight {
		sess.inFlight = false
		s.inFlight--
	}
	delete(s.sessions, sess.id)
}

func (s *Scheduler) push(m message.Message) {
	s.outq = append(s.outq, m)
}

func (s *Scheduler) get(id uint64) (*session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("rrdp session %d does not exist", id)
	}
	return sess, nil
}
