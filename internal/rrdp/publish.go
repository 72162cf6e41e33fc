package rrdp

import (
	"bytes"
	"fmt"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/quantmind-br/rrdp-go/internal/utils"
)

// emitFunc delivers one finalized publish/withdraw record to the session.
// expectedHash is nil for plain adds, data is nil for withdraws.
type emitFunc func(typ domain.FileType, uri string, expectedHash, data []byte) error

// publishRecord accumulates one <publish> or <withdraw> element. It is
// created on the start tag, finalized and emitted on the matching end tag,
// and dropped in every other path.
type publishRecord struct {
	typ          domain.FileType
	uri          string
	expectedHash []byte
	content      bytes.Buffer
}

func newPublishRecord(typ domain.FileType, uri string, expectedHash []byte) *publishRecord {
	return &publishRecord{typ: typ, uri: uri, expectedHash: expectedHash}
}

// append adds body character data. The parser frequently delivers a lone
// newline between elements; skip it instead of growing the buffer.
func (p *publishRecord) append(data []byte) {
	if len(data) == 1 && data[0] == '\n' {
		return
	}
	p.content.Write(data)
}

// finish decodes the accumulated base64 body and hands the record to emit
func (p *publishRecord) finish(emit emitFunc) error {
	data, err := utils.DecodeBase64(p.content.String())
	if err != nil {
		return &domain.ParseError{Err: fmt.Errorf("bad base64 for %s: %w", p.uri, err)}
	}

	if p.typ == domain.FileWithdraw {
		if len(data) != 0 {
			return &domain.ParseError{Err: fmt.Errorf("withdraw for %s carries content", p.uri)}
		}
		data = nil
	} else if len(data) == 0 {
		return &domain.ParseError{Err: fmt.Errorf("empty publish body for %s", p.uri)}
	}

	return emit(p.typ, p.uri, p.expectedHash, data)
}
