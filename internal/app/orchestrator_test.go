package app_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/quantmind-br/rrdp-go/internal/app"
	"github.com/quantmind-br/rrdp-go/internal/config"
	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/state"
	"github.com/quantmind-br/rrdp-go/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ns        = "http://www.ripe.net/rpki/rrdp"
	notifyURI = "https://h.example/rrdp/notify.xml"
	snapURI   = "https://h.example/rrdp/snap.xml"
	certURI   = "rsync://rpki.example/repo/a.cer"
	roaURI    = "rsync://rpki.example/repo/b.roa"
)

type fakeResponse struct {
	status  int
	lastMod string
	body    string
}

// fakeFetcher serves canned responses and records If-Modified-Since values
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	gotIMS    map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri, ifModifiedSince string) (*domain.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.gotIMS == nil {
		f.gotIMS = make(map[string]string)
	}
	f.gotIMS[uri] = ifModifiedSince

	r, ok := f.responses[uri]
	if !ok {
		return nil, domain.NewFetchError(uri, 0, fmt.Errorf("no such document"))
	}
	return &domain.FetchResponse{
		StatusCode:   r.status,
		LastModified: r.lastMod,
		Body:         io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) set(responses map[string]fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = responses
}

func hashOf(body string) string {
	h := sha256.Sum256([]byte(body))
	return hex.EncodeToString(h[:])
}

func enc(data string) string {
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func notification(sid string, serial int64, snapshotBody string, deltas map[int64]string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<notification xmlns=%q version="1" session_id=%q serial="%d">`, ns, sid, serial)
	fmt.Fprintf(&b, `<snapshot uri=%q hash=%q/>`, snapURI, hashOf(snapshotBody))
	for serial, body := range deltas {
		fmt.Fprintf(&b, `<delta serial="%d" uri="https://h.example/rrdp/%d.xml" hash=%q/>`,
			serial, serial, hashOf(body))
	}
	b.WriteString(`</notification>`)
	return b.String()
}

func snapshot(sid string, serial int64, objects map[string]string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<snapshot xmlns=%q version="1" session_id=%q serial="%d">`, ns, sid, serial)
	for uri, content := range objects {
		fmt.Fprintf(&b, `<publish uri=%q>%s</publish>`, uri, enc(content))
	}
	b.WriteString(`</snapshot>`)
	return b.String()
}

func newTestOrchestrator(t *testing.T, f *fakeFetcher) (*app.Orchestrator, string) {
	t.Helper()

	cacheDir := t.TempDir()
	cfg := &config.Config{
		Cache:   config.CacheConfig{Directory: cacheDir},
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
	}
	require.NoError(t, cfg.Validate())

	orch, err := app.New(app.Options{
		Config:  cfg,
		Fetcher: f,
		Logger:  utils.NewLogger(utils.LoggerOptions{Level: "error", Format: "json", Output: io.Discard}),
	})
	require.NoError(t, err)
	return orch, cacheDir
}

func repoPath(cacheDir string, parts ...string) string {
	return filepath.Join(append([]string{cacheDir, "h.example", "rrdp"}, parts...)...)
}

func TestOrchestrator_InitialSnapshotSync(t *testing.T) {
	t.Parallel()

	snap := snapshot("S1", 1, map[string]string{
		certURI: "cert-content",
		roaURI:  "roa-content",
	})
	f := &fakeFetcher{}
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, lastMod: "Mon, 01 Jan 2024 00:00:00 GMT", body: notification("S1", 1, snap, nil)},
		snapURI:   {status: 200, body: snap},
	})

	orch, cacheDir := newTestOrchestrator(t, f)
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	data, err := os.ReadFile(repoPath(cacheDir, "rpki.example", "repo", "a.cer"))
	require.NoError(t, err)
	assert.Equal(t, "cert-content", string(data))

	data, err = os.ReadFile(repoPath(cacheDir, "rpki.example", "repo", "b.roa"))
	require.NoError(t, err)
	assert.Equal(t, "roa-content", string(data))

	st, err := state.NewStore(nil).Load(repoPath(cacheDir))
	require.NoError(t, err)
	assert.Equal(t, "S1", st.SessionID)
	assert.Equal(t, int64(1), st.Serial)
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", st.LastModified)
}

func TestOrchestrator_DeltaSync(t *testing.T) {
	t.Parallel()

	// first sync: snapshot at serial 1
	snap1 := snapshot("S1", 1, map[string]string{
		certURI: "cert-v1",
		roaURI:  "roa-v1",
	})
	f := &fakeFetcher{}
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, body: notification("S1", 1, snap1, nil)},
		snapURI:   {status: 200, body: snap1},
	})

	orch, cacheDir := newTestOrchestrator(t, f)
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	// second sync: delta 2 updates the cert and withdraws the roa
	d2 := fmt.Sprintf(`<delta xmlns=%q version="1" session_id="S1" serial="2">`+
		`<publish uri=%q hash=%q>%s</publish>`+
		`<withdraw uri=%q hash=%q/>`+
		`</delta>`,
		ns, certURI, hashOf("cert-v1"), enc("cert-v2"), roaURI, hashOf("roa-v1"))
	snap2 := snapshot("S1", 2, map[string]string{certURI: "cert-v2"})
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, body: notification("S1", 2, snap2, map[int64]string{2: d2})},
		snapURI:   {status: 200, body: snap2},
		"https://h.example/rrdp/2.xml": {status: 200, body: d2},
	})

	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	data, err := os.ReadFile(repoPath(cacheDir, "rpki.example", "repo", "a.cer"))
	require.NoError(t, err)
	assert.Equal(t, "cert-v2", string(data))

	_, err = os.Stat(repoPath(cacheDir, "rpki.example", "repo", "b.roa"))
	assert.True(t, os.IsNotExist(err))

	st, err := state.NewStore(nil).Load(repoPath(cacheDir))
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Serial)
}

func TestOrchestrator_NotModified(t *testing.T) {
	t.Parallel()

	snap := snapshot("S1", 1, map[string]string{certURI: "cert-v1"})
	f := &fakeFetcher{}
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, lastMod: "Mon, 01 Jan 2024 00:00:00 GMT", body: notification("S1", 1, snap, nil)},
		snapURI:   {status: 200, body: snap},
	})

	orch, cacheDir := newTestOrchestrator(t, f)
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	// upstream unchanged: answer 304 to the conditional request
	f.set(map[string]fakeResponse{
		notifyURI: {status: 304},
	})
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	f.mu.Lock()
	ims := f.gotIMS[notifyURI]
	f.mu.Unlock()
	assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", ims)

	// the object survives untouched
	data, err := os.ReadFile(repoPath(cacheDir, "rpki.example", "repo", "a.cer"))
	require.NoError(t, err)
	assert.Equal(t, "cert-v1", string(data))
}

func TestOrchestrator_SessionChangeReplacesTree(t *testing.T) {
	t.Parallel()

	snap1 := snapshot("S1", 1, map[string]string{
		certURI: "cert-v1",
		roaURI:  "roa-v1",
	})
	f := &fakeFetcher{}
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, body: notification("S1", 1, snap1, nil)},
		snapURI:   {status: 200, body: snap1},
	})

	orch, cacheDir := newTestOrchestrator(t, f)
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	// upstream reset: new session id, only the cert remains
	snap2 := snapshot("S2", 1, map[string]string{certURI: "cert-new"})
	f.set(map[string]fakeResponse{
		notifyURI: {status: 200, body: notification("S2", 1, snap2, nil)},
		snapURI:   {status: 200, body: snap2},
	})
	require.NoError(t, orch.Sync(context.Background(), []string{notifyURI}))

	data, err := os.ReadFile(repoPath(cacheDir, "rpki.example", "repo", "a.cer"))
	require.NoError(t, err)
	assert.Equal(t, "cert-new", string(data))

	// the roa belonged to the old lineage and is gone
	_, err = os.Stat(repoPath(cacheDir, "rpki.example", "repo", "b.roa"))
	assert.True(t, os.IsNotExist(err))

	st, err := state.NewStore(nil).Load(repoPath(cacheDir))
	require.NoError(t, err)
	assert.Equal(t, "S2", st.SessionID)
}

func TestOrchestrator_FetchFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	f.set(map[string]fakeResponse{
		notifyURI: {status: 503},
	})

	orch, _ := newTestOrchestrator(t, f)
	err := orch.Sync(context.Background(), []string{notifyURI})
	assert.Error(t, err)
}

func TestOrchestrator_NoURIs(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t, &fakeFetcher{})
	assert.Error(t, orch.Sync(context.Background(), nil))
}
