package rrdp

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// maxVersion is the highest RRDP protocol version understood
const maxVersion = 1

// Plan is the action derived from the prior repository state and a parsed
// notification. The zero value is PlanSnapshot: with nothing else known, a
// full snapshot is the only safe move.
type Plan int

const (
	PlanSnapshot Plan = iota
	PlanDeltas
	PlanNone
	PlanError
)

func (p Plan) String() string {
	switch p {
	case PlanSnapshot:
		return "snapshot"
	case PlanDeltas:
		return "deltas"
	case PlanNone:
		return "none"
	case PlanError:
		return "error"
	default:
		return "unknown"
	}
}

type notificationScope int

const (
	notificationScopeStart notificationScope = iota
	notificationScopeNotification
	notificationScopeSnapshot
	notificationScopePostSnapshot
	notificationScopeDelta
	notificationScopeEnd
)

// deltaRef is one advertised delta: serial, uri and the digest its body
// must hash to
type deltaRef struct {
	serial int64
	uri    string
	hash   []byte
}

// notificationDoc is the parsed notification document plus the plan derived
// from it. It outlives the notification parse: the snapshot and delta
// phases read their URIs, hashes and expected attribute values from it.
type notificationDoc struct {
	repository domain.RepositoryState

	version      int
	sessionID    string
	serial       int64
	snapshotURI  string
	snapshotHash []byte

	// deltas holds the relevant advertised deltas sorted by ascending
	// serial; next indexes the first not yet fetched
	deltas []deltaRef
	next   int

	scope notificationScope
	plan  Plan
}

func newNotificationDoc(repository domain.RepositoryState) *notificationDoc {
	return &notificationDoc{repository: repository}
}

// addDelta inserts a delta reference keeping the list sorted by ascending
// serial. A duplicate serial is a parse failure.
func (d *notificationDoc) addDelta(ref deltaRef) error {
	i := len(d.deltas)
	for i > 0 && d.deltas[i-1].serial > ref.serial {
		i--
	}
	if i > 0 && d.deltas[i-1].serial == ref.serial {
		return fmt.Errorf("duplicate delta serial %d", ref.serial)
	}
	d.deltas = append(d.deltas, deltaRef{})
	copy(d.deltas[i+1:], d.deltas[i:])
	d.deltas[i] = ref
	return nil
}

// checkState derives the plan from the prior repository state and whatever
// part of the notification has been parsed so far. Called once at
// notification start for an early decision and again at notification end
// for the final one. ERROR and NONE stick once set.
func (d *notificationDoc) checkState() {
	if d.plan == PlanError || d.plan == PlanNone {
		return
	}

	// No usable prior state: snapshot is the only option
	if d.repository.SessionID == "" || d.repository.Serial == 0 {
		d.plan = PlanSnapshot
		return
	}

	if d.sessionID == "" || d.serial == 0 {
		d.plan = PlanError
		return
	}

	// Upstream started a new session lineage
	if d.repository.SessionID != d.sessionID {
		d.plan = PlanSnapshot
		return
	}

	diff := d.serial - d.repository.Serial
	if diff == 0 {
		d.plan = PlanNone
		return
	}
	if diff < 0 {
		d.plan = PlanError
		return
	}

	// The delta list is not complete until the closing notification tag
	if d.scope <= notificationScopeDelta {
		return
	}

	// The deltas must cover repository.Serial+1 .. serial without gaps
	var count int64
	for _, ref := range d.deltas {
		count++
		if d.repository.Serial+count != ref.serial {
			d.plan = PlanSnapshot
			return
		}
	}
	if count != diff {
		d.plan = PlanSnapshot
		return
	}
	d.plan = PlanDeltas
}

// nextFetch returns the URI and expected digest of the next body to fetch:
// the snapshot, or the next delta in serial order
func (d *notificationDoc) nextFetch(task Task) (uri string, hash []byte, serial int64, err error) {
	switch task {
	case TaskSnapshot:
		if d.snapshotURI == "" {
			return "", nil, 0, fmt.Errorf("notification carries no snapshot")
		}
		return d.snapshotURI, d.snapshotHash, d.serial, nil
	case TaskDelta:
		if d.next >= len(d.deltas) {
			return "", nil, 0, fmt.Errorf("no deltas left to fetch")
		}
		ref := d.deltas[d.next]
		d.next++
		return ref.uri, ref.hash, ref.serial, nil
	default:
		return "", nil, 0, fmt.Errorf("task %s has no fetch target", task)
	}
}

// deltasRemaining reports whether the delta chain has unfetched entries
func (d *notificationDoc) deltasRemaining() bool {
	return d.next < len(d.deltas)
}

// notificationHandler feeds notification XML events into a notificationDoc
type notificationHandler struct {
	doc *notificationDoc
}

func newNotificationHandler(doc *notificationDoc) *notificationHandler {
	return &notificationHandler{doc: doc}
}

func (h *notificationHandler) startElement(name string, attrs []xml.Attr) error {
	switch name {
	case "notification":
		return h.startNotification(attrs)
	case "snapshot":
		return h.startSnapshot(attrs)
	case "delta":
		return h.startDelta(attrs)
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in notification")}
	}
}

func (h *notificationHandler) endElement(name string) error {
	d := h.doc
	switch name {
	case "notification":
		if d.scope != notificationScopePostSnapshot {
			return scopeError(name, "exited unexpectedly")
		}
		d.scope = notificationScopeEnd
		// the delta list is now complete; make the final decision
		d.checkState()
		return nil
	case "snapshot":
		if d.scope != notificationScopeSnapshot {
			return scopeError(name, "exited unexpectedly")
		}
		d.scope = notificationScopePostSnapshot
		return nil
	case "delta":
		if d.scope != notificationScopeDelta {
			return scopeError(name, "exited unexpectedly")
		}
		d.scope = notificationScopePostSnapshot
		return nil
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in notification")}
	}
}

func (h *notificationHandler) charData(data []byte) error {
	// notifications carry no character data of interest
	return nil
}

func (h *notificationHandler) startNotification(attrs []xml.Attr) error {
	d := h.doc
	if d.scope != notificationScopeStart {
		return scopeError("notification", "entered unexpectedly")
	}

	var hasXMLNS bool
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "xmlns":
			hasXMLNS = true
		case "session_id":
			d.sessionID = a.Value
		case "version":
			d.version, err = parseVersion(a.Value)
		case "serial":
			d.serial, err = parseSerial(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "notification", Err: err}
		}
	}
	if !hasXMLNS || d.version == 0 || d.sessionID == "" || d.serial == 0 {
		return &domain.ParseError{Element: "notification", Err: fmt.Errorf("incomplete attributes")}
	}

	// early bail-out opportunity: up-to-date and backwards-serial cases are
	// already decidable here
	d.checkState()
	d.scope = notificationScopeNotification
	return nil
}

func (h *notificationHandler) startSnapshot(attrs []xml.Attr) error {
	d := h.doc
	if d.scope != notificationScopeNotification {
		return scopeError("snapshot", "entered unexpectedly")
	}
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "uri":
			d.snapshotURI = a.Value
		case "hash":
			d.snapshotHash, err = utils.DecodeHash(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "snapshot", Err: err}
		}
	}
	if d.snapshotURI == "" || d.snapshotHash == nil {
		return &domain.ParseError{Element: "snapshot", Err: fmt.Errorf("incomplete attributes")}
	}
	d.scope = notificationScopeSnapshot
	return nil
}

func (h *notificationHandler) startDelta(attrs []xml.Attr) error {
	d := h.doc
	if d.scope != notificationScopePostSnapshot {
		return scopeError("delta", "entered unexpectedly")
	}

	var ref deltaRef
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "uri":
			ref.uri = a.Value
		case "hash":
			ref.hash, err = utils.DecodeHash(a.Value)
		case "serial":
			ref.serial, err = parseSerial(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "delta", Err: err}
		}
	}
	if ref.uri == "" || ref.hash == nil || ref.serial == 0 {
		return &domain.ParseError{Element: "delta", Err: fmt.Errorf("incomplete attributes")}
	}

	// only deltas past the current serial are relevant
	if d.repository.Serial > 0 && ref.serial > d.repository.Serial {
		if err := d.addDelta(ref); err != nil {
			return &domain.ParseError{Element: "delta", Err: err}
		}
	}
	d.scope = notificationScopeDelta
	return nil
}

func attrName(a xml.Attr) string {
	if a.Name.Space != "" && a.Name.Space != "xmlns" {
		return a.Name.Space + ":" + a.Name.Local
	}
	if a.Name.Space == "xmlns" {
		return "xmlns:" + a.Name.Local
	}
	return a.Name.Local
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > maxVersion {
		return 0, fmt.Errorf("unsupported version %q", s)
	}
	return v, nil
}

func parseSerial(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid serial %q", s)
	}
	return v, nil
}

func scopeError(element, what string) error {
	return &domain.ParseError{Element: element, Err: fmt.Errorf("element %s", what)}
}

func (h *notificationHandler) done() bool {
	return h.doc.scope == notificationScopeEnd
}
