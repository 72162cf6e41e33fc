package rrdp

import (
	"encoding/xml"
	"fmt"

	"github.com/quantmind-br/rrdp-go/internal/domain"
)

type snapshotScope int

const (
	snapshotScopeStart snapshotScope = iota
	snapshotScopeSnapshot
	snapshotScopePublish
	snapshotScopeEnd
)

// snapshotHandler parses one snapshot document. The header attributes must
// match what the notification advertised; every <publish> becomes an add
// event.
type snapshotHandler struct {
	doc   *notificationDoc
	scope snapshotScope
	pub   *publishRecord
	emit  emitFunc
}

func newSnapshotHandler(doc *notificationDoc, emit emitFunc) *snapshotHandler {
	return &snapshotHandler{doc: doc, emit: emit}
}

func (h *snapshotHandler) startElement(name string, attrs []xml.Attr) error {
	switch name {
	case "snapshot":
		return h.startSnapshot(attrs)
	case "publish":
		return h.startPublish(attrs)
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in snapshot")}
	}
}

func (h *snapshotHandler) endElement(name string) error {
	switch name {
	case "snapshot":
		if h.scope != snapshotScopeSnapshot {
			return scopeError(name, "exited unexpectedly")
		}
		h.scope = snapshotScopeEnd
		return nil
	case "publish":
		if h.scope != snapshotScopePublish {
			return scopeError(name, "exited unexpectedly")
		}
		pub := h.pub
		h.pub = nil
		h.scope = snapshotScopeSnapshot
		return pub.finish(h.emit)
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in snapshot")}
	}
}

func (h *snapshotHandler) charData(data []byte) error {
	if h.scope == snapshotScopePublish {
		h.pub.append(data)
	}
	return nil
}

func (h *snapshotHandler) startSnapshot(attrs []xml.Attr) error {
	if h.scope != snapshotScopeStart {
		return scopeError("snapshot", "entered unexpectedly")
	}

	var (
		hasXMLNS  bool
		version   int
		sessionID string
		serial    int64
	)
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "xmlns":
			hasXMLNS = true
		case "version":
			version, err = parseVersion(a.Value)
		case "session_id":
			sessionID = a.Value
		case "serial":
			serial, err = parseSerial(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "snapshot", Err: err}
		}
	}
	if !hasXMLNS || version == 0 || sessionID == "" || serial == 0 {
		return &domain.ParseError{Element: "snapshot", Err: fmt.Errorf("incomplete attributes")}
	}

	// the snapshot must belong to the notification that advertised it
	if version != h.doc.version {
		return &domain.ParseError{Element: "snapshot", Err: fmt.Errorf("version %d does not match notification", version)}
	}
	if sessionID != h.doc.sessionID {
		return &domain.ParseError{Element: "snapshot", Err: fmt.Errorf("session_id %q does not match notification", sessionID)}
	}
	if serial != h.doc.serial {
		return &domain.ParseError{Element: "snapshot", Err: fmt.Errorf("serial %d does not match notification serial %d", serial, h.doc.serial)}
	}

	h.scope = snapshotScopeSnapshot
	return nil
}

func (h *snapshotHandler) startPublish(attrs []xml.Attr) error {
	if h.scope != snapshotScopeSnapshot {
		return scopeError("publish", "entered unexpectedly")
	}

	var uri string
	for _, a := range attrs {
		switch attrName(a) {
		case "uri":
			uri = a.Value
		default:
			return &domain.ParseError{Element: "publish", Err: fmt.Errorf("non conforming attribute %q", attrName(a))}
		}
	}
	if uri == "" {
		return &domain.ParseError{Element: "publish", Err: fmt.Errorf("missing uri attribute")}
	}

	h.pub = newPublishRecord(domain.FileAdd, uri, nil)
	h.scope = snapshotScopePublish
	return nil
}

func (h *snapshotHandler) done() bool {
	return h.scope == snapshotScopeEnd
}
