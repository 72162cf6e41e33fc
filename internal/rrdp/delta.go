package rrdp

import (
	"encoding/xml"
	"fmt"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

type deltaScope int

const (
	deltaScopeStart deltaScope = iota
	deltaScopeDelta
	deltaScopeRecord
	deltaScopeEnd
)

// deltaHandler parses one delta document carrying <publish> (add/update)
// and <withdraw> entries for a single serial step. A fresh handler is
// installed for every delta in the chain.
type deltaHandler struct {
	doc *notificationDoc
	// serial is the serial of the delta being fetched, from the
	// notification's delta list
	serial int64
	scope  deltaScope
	pub    *publishRecord
	emit   emitFunc
}

func newDeltaHandler(doc *notificationDoc, serial int64, emit emitFunc) *deltaHandler {
	return &deltaHandler{doc: doc, serial: serial, emit: emit}
}

func (h *deltaHandler) startElement(name string, attrs []xml.Attr) error {
	switch name {
	case "delta":
		return h.startDelta(attrs)
	case "publish":
		return h.startPublish(attrs)
	case "withdraw":
		return h.startWithdraw(attrs)
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in delta")}
	}
}

func (h *deltaHandler) endElement(name string) error {
	switch name {
	case "delta":
		if h.scope != deltaScopeDelta {
			return scopeError(name, "exited unexpectedly")
		}
		h.scope = deltaScopeEnd
		return nil
	case "publish", "withdraw":
		if h.scope != deltaScopeRecord {
			return scopeError(name, "exited unexpectedly")
		}
		pub := h.pub
		h.pub = nil
		h.scope = deltaScopeDelta
		return pub.finish(h.emit)
	default:
		return &domain.ParseError{Element: name, Err: fmt.Errorf("unexpected element in delta")}
	}
}

func (h *deltaHandler) charData(data []byte) error {
	if h.scope == deltaScopeRecord {
		h.pub.append(data)
	}
	return nil
}

func (h *deltaHandler) startDelta(attrs []xml.Attr) error {
	if h.scope != deltaScopeStart {
		return scopeError("delta", "entered unexpectedly")
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
			return &domain.ParseError{Element: "delta", Err: err}
		}
	}
	if !hasXMLNS || version == 0 || sessionID == "" || serial == 0 {
		return &domain.ParseError{Element: "delta", Err: fmt.Errorf("incomplete attributes")}
	}

	if version != h.doc.version {
		return &domain.ParseError{Element: "delta", Err: fmt.Errorf("version %d does not match notification", version)}
	}
	if sessionID != h.doc.sessionID {
		return &domain.ParseError{Element: "delta", Err: fmt.Errorf("session_id %q does not match notification", sessionID)}
	}
	if serial != h.serial {
		return &domain.ParseError{Element: "delta", Err: fmt.Errorf("serial %d does not match advertised serial %d", serial, h.serial)}
	}

	h.scope = deltaScopeDelta
	return nil
}

func (h *deltaHandler) startPublish(attrs []xml.Attr) error {
	if h.scope != deltaScopeDelta {
		return scopeError("publish", "entered unexpectedly")
	}

	var (
		uri  string
		hash []byte
	)
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "uri":
			uri = a.Value
		case "hash":
			hash, err = utils.DecodeHash(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "publish", Err: err}
		}
	}
	if uri == "" {
		return &domain.ParseError{Element: "publish", Err: fmt.Errorf("missing uri attribute")}
	}

	// a hash means the object replaces one we already hold
	typ := domain.FileAdd
	if hash != nil {
		typ = domain.FileUpdate
	}
	h.pub = newPublishRecord(typ, uri, hash)
	h.scope = deltaScopeRecord
	return nil
}

func (h *deltaHandler) startWithdraw(attrs []xml.Attr) error {
	if h.scope != deltaScopeDelta {
		return scopeError("withdraw", "entered unexpectedly")
	}

	var (
		uri  string
		hash []byte
	)
	for _, a := range attrs {
		var err error
		switch attrName(a) {
		case "uri":
			uri = a.Value
		case "hash":
			hash, err = utils.DecodeHash(a.Value)
		default:
			err = fmt.Errorf("non conforming attribute %q", attrName(a))
		}
		if err != nil {
			return &domain.ParseError{Element: "withdraw", Err: err}
		}
	}
	if uri == "" || hash == nil {
		return &domain.ParseError{Element: "withdraw", Err: fmt.Errorf("incomplete attributes")}
	}

	h.pub = newPublishRecord(domain.FileWithdraw, uri, hash)
	h.scope = deltaScopeRecord
	return nil
}

func (h *deltaHandler) done() bool {
	return h.scope == deltaScopeEnd
}
