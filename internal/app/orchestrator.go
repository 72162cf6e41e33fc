package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/quantmind-br/rrdp-go/internal/config"
	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/fetcher"
	"github.com/quantmind-br/rrdp-go/internal/message"
	"github.com/quantmind-br/rrdp-go/internal/output"
	"github.com/quantmind-br/rrdp-go/internal/rrdp"
	"github.com/quantmind-br/rrdp-go/internal/state"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// Orchestrator is the in-process parent: it runs the RRDP worker over a
// message pipe and services its side of the protocol, fetching URIs,
// applying file events to the repository cache and persisting session
// state.
type Orchestrator struct {
	cfg     *config.Config
	fetcher domain.Fetcher
	states  domain.StateStore
	log     *utils.Logger
}

// Options contains options for creating an Orchestrator
type Options struct {
	Config *config.Config
	// Fetcher and States override the defaults, for tests
	Fetcher domain.Fetcher
	States  domain.StateStore
	Logger *utils.Logger
}

// repoSync is the parent-side bookkeeping for one session
type repoSync struct {
	id      uint64
	uri     string
	dir     string
	prior   domain.RepositoryState
	stage   *output.Stage
	pending *domain.RepositoryState
	done    bool
	ok      bool
}

// New creates a new orchestrator with the given configuration
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	log := opts.Logger
	if log == nil {
		log = utils.NewLogger(utils.LoggerOptions{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	f := opts.Fetcher
	if f == nil {
		var err error
		f, err = fetcher.NewClient(fetcher.ClientOptions{
			Timeout:    cfg.Fetch.Timeout,
			MaxRetries: cfg.Fetch.MaxRetries,
			UserAgent:  cfg.Fetch.UserAgent,
			ProxyURL:   cfg.Fetch.ProxyURL,
			Logger:     log,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create fetcher: %w", err)
		}
	}

	states := opts.States
	if states == nil {
		states = state.NewStore(log)
	}

	return &Orchestrator{
		cfg:     cfg,
		fetcher: f,
		states:  states,
		log:     log,
	}, nil
}

// Sync brings the local cache of every given notification URI up to date.
// It returns an error when any repository failed to sync.
func (o *Orchestrator) Sync(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("no notification uris given")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parentConn, workerConn := message.Pipe()
	sched := rrdp.NewScheduler(rrdp.Options{
		Conn:        workerConn,
		Logger:      o.log,
		MaxSessions: o.cfg.Sync.MaxSessions,
		DeltaLimit:  o.cfg.Sync.DeltaLimit,
	})
	workerErr := make(chan error, 1)
	go func() { workerErr <- sched.Run(ctx) }()

	var failed int
	repos := make(map[uint64]*repoSync, len(uris))
	for i, uri := range uris {
		rs, err := o.prepare(uint64(i+1), uri)
		if err != nil {
			o.log.Warn().Str("uri", uri).Err(err).Msg("cannot sync repository")
			failed++
			continue
		}
		repos[rs.id] = rs
		parentConn.Send(message.Start{
			ID:        rs.id,
			LocalPath: rs.dir,
			NotifyURI: rs.uri,
			State:     rs.prior,
		})
	}

	bar := utils.NewProgressBar(len(repos), utils.DescSyncing)
	var wg sync.WaitGroup

	remaining := len(repos)
	for remaining > 0 {
		m, ok := parentConn.Recv()
		if !ok {
			// the worker hit a fatal protocol error and hung up
			break
		}

		switch m := m.(type) {
		case message.HTTPRequest:
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.serveFetch(ctx, parentConn, m)
			}()

		case message.File:
			rs, ok := repos[m.Session()]
			if !ok {
				continue
			}
			err := o.applyFile(rs, m)
			if err != nil {
				o.log.Warn().Str("uri", m.URI).Err(err).Msg("file rejected")
			}
			parentConn.Send(message.FileAck{ID: m.Session(), OK: err == nil})

		case message.Session:
			if rs, ok := repos[m.Session()]; ok {
				st := m.State
				rs.pending = &st
			}

		case message.End:
			if rs, ok := repos[m.Session()]; ok && !rs.done {
				o.finishRepo(rs, m.OK)
				if !rs.ok {
					failed++
				}
				_ = bar.Add(1)
				remaining--
			}
		}
	}

	// unblock fetch goroutines before closing our end
	cancel()
	wg.Wait()
	parentConn.Close()
	err := <-workerErr

	for _, rs := range repos {
		if !rs.done {
			rs.stage.Discard()
			failed++
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rrdp worker failed: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to sync", failed, len(uris))
	}
	return nil
}

// prepare resolves the repository directory, loads prior state and creates
// the staging area for one notification URI
func (o *Orchestrator) prepare(id uint64, uri string) (*repoSync, error) {
	dir, err := utils.RepositoryDir(o.cfg.Cache.Directory, uri)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	prior, err := o.states.Load(dir)
	if err != nil && !errors.Is(err, domain.ErrStateNotFound) {
		// a broken state file means resync from scratch
		o.log.Warn().Str("dir", dir).Err(err).Msg("discarding unreadable state")
		prior = domain.RepositoryState{}
	}

	stage, err := output.NewStage(output.StageOptions{
		RepoDir:        dir,
		IgnoreWithdraw: o.cfg.Sync.IgnoreWithdraw,
		Logger:         o.log,
	})
	if err != nil {
		return nil, err
	}

	return &repoSync{id: id, uri: uri, dir: dir, prior: prior, stage: stage}, nil
}

// serveFetch performs one HTTPRequest and feeds the outcome back to the
// worker: first the body stream, then the conclusion. A transport failure
// becomes an empty stream with status 0 so the session runs its failure
// path.
func (o *Orchestrator) serveFetch(ctx context.Context, conn *message.Conn, req message.HTTPRequest) {
	resp, err := o.fetcher.Fetch(ctx, req.URI, req.IfModifiedSince)

	var ini message.HTTPInit
	var fin message.HTTPFinal
	if err != nil {
		o.log.Warn().Str("uri", req.URI).Err(err).Msg("fetch failed")
		ini = message.HTTPInit{ID: req.ID, Body: io.NopCloser(bytes.NewReader(nil))}
		fin = message.HTTPFinal{ID: req.ID}
	} else {
		ini = message.HTTPInit{ID: req.ID, Body: resp.Body}
		fin = message.HTTPFinal{ID: req.ID, StatusCode: resp.StatusCode, LastModified: resp.LastModified}
	}

	// don't wedge on a worker that already exited
	select {
	case conn.Out() <- ini:
	case <-ctx.Done():
		return
	}
	select {
	case conn.Out() <- fin:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) applyFile(rs *repoSync, m message.File) error {
	switch m.Type {
	case domain.FileAdd, domain.FileUpdate:
		return rs.stage.Publish(m.URI, m.ExpectedHash, m.Data)
	case domain.FileWithdraw:
		return rs.stage.Withdraw(m.URI, m.ExpectedHash)
	default:
		return fmt.Errorf("unknown file type %d", m.Type)
	}
}

// finishRepo promotes or discards the staging area and persists the new
// state once the worker has terminated the session
func (o *Orchestrator) finishRepo(rs *repoSync, ok bool) {
	rs.done = true

	if !ok {
		rs.stage.Discard()
		o.log.Warn().Str("uri", rs.uri).Msg("sync failed")
		return
	}

	if rs.pending == nil {
		// 304: nothing fetched, nothing to apply
		rs.stage.Discard()
		rs.ok = true
		o.log.Info().Str("uri", rs.uri).Msg("up to date")
		return
	}

	// a changed session id means a different lineage: replace the tree
	clear := rs.prior.SessionID != "" && rs.prior.SessionID != rs.pending.SessionID
	if err := rs.stage.Promote(clear); err != nil {
		o.log.Error().Str("uri", rs.uri).Err(err).Msg("failed to apply sync")
		return
	}
	if err := o.states.Save(rs.dir, *rs.pending); err != nil {
		o.log.Error().Str("uri", rs.uri).Err(err).Msg("failed to persist state")
		return
	}

	rs.ok = true
	o.log.Info().Str("uri", rs.uri).Str("session_id", rs.pending.SessionID).
		Int64("serial", rs.pending.Serial).Msg("synced")
}
