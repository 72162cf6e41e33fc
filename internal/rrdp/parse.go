package rrdp

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"hash"
	"io"

	"github.com/quantmind-br/rrdp-go/internal/domain"
)

// readBufferSize is how much body is pulled off the stream at a time
const readBufferSize = 32 * 1024

// handler consumes one document's XML events. Each of the three document
// kinds supplies its own implementation with its own scope automaton.
type handler interface {
	startElement(name string, attrs []xml.Attr) error
	endElement(name string) error
	charData(data []byte) error
	// done reports whether the document's closing tag has been seen
	done() bool
}

// event is anything a parse job reports back to the scheduler loop
type event interface {
	session() uint64
}

// fileEvent is one decoded publish/withdraw record, emitted in document
// order
type fileEvent struct {
	id           uint64
	typ          domain.FileType
	uri          string
	expectedHash []byte
	data         []byte
}

func (e fileEvent) session() uint64 { return e.id }

// streamDone reports the end of a body stream: the parse outcome and, for
// snapshot/delta bodies, the digest over every byte read. complete only
// matters for 200 responses; a 304 body is legitimately empty.
type streamDone struct {
	id       uint64
	parseErr error
	digest   []byte
	complete bool
}

func (e streamDone) session() uint64 { return e.id }

// parseJob streams one fetch body through the XML parser. It runs on its
// own goroutine and owns the session's handler and hasher until the stream
// ends; everything it learns flows back as events, so session state keeps
// changing on the scheduler loop only.
type parseJob struct {
	id     uint64
	body   io.ReadCloser
	hasher hash.Hash // nil for notification bodies
	h      handler
	events chan<- event
	ctx    context.Context
}

func (j *parseJob) run() {
	defer j.body.Close()

	var src io.Reader = j.body
	if j.hasher != nil {
		src = io.TeeReader(src, j.hasher)
	}
	r := bufio.NewReaderSize(src, readBufferSize)

	parseErr := j.parse(r)
	if parseErr != nil {
		// the digest must cover every byte of the body even after a parse
		// failure, so keep draining the stream
		_, _ = io.Copy(io.Discard, r)
	}

	var digest []byte
	if j.hasher != nil {
		digest = j.hasher.Sum(nil)
	}
	j.send(streamDone{id: j.id, parseErr: parseErr, digest: digest, complete: j.h.done()})
}

func (j *parseJob) parse(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			// whether the document actually completed is judged once the
			// fetch status is known
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := j.h.startElement(t.Name.Local, t.Attr); err != nil {
				return err
			}
		case xml.EndElement:
			if err := j.h.endElement(t.Name.Local); err != nil {
				return err
			}
		case xml.CharData:
			if err := j.h.charData(t); err != nil {
				return err
			}
		}
	}
}

// emitFile delivers one publish/withdraw record to the scheduler loop. It
// satisfies emitFunc for the snapshot and delta handlers.
func (j *parseJob) emitFile(typ domain.FileType, uri string, expectedHash, data []byte) error {
	ev := fileEvent{id: j.id, typ: typ, uri: uri, expectedHash: expectedHash, data: data}
	if !j.send(ev) {
		return errors.New("worker shutting down")
	}
	return nil
}

func (j *parseJob) send(ev event) bool {
	select {
	case j.events <- ev:
		return true
	case <-j.ctx.Done():
		return false
	}
}
