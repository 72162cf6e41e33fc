package rrdp

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/quantmind-br/rrdp-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emitted captures file events from a handler under test
type emitted struct {
	typ  domain.FileType
	uri  string
	hash []byte
	data []byte
}

func collectEmits(sink *[]emitted) emitFunc {
	return func(typ domain.FileType, uri string, expectedHash, data []byte) error {
		*sink = append(*sink, emitted{typ: typ, uri: uri, hash: expectedHash, data: data})
		return nil
	}
}

func testDoc(sid string, serial int64) *notificationDoc {
	doc := newNotificationDoc(domain.RepositoryState{})
	doc.version = 1
	doc.sessionID = sid
	doc.serial = serial
	return doc
}

func snapshotXML(sid string, serial int64, inner string) string {
	return fmt.Sprintf(`<snapshot xmlns=%q version="1" session_id=%q serial="%d">%s</snapshot>`,
		rrdpNS, sid, serial, inner)
}

func b64(data string) string {
	return base64.StdEncoding.EncodeToString([]byte(data))
}

func TestSnapshot_Parse(t *testing.T) {
	t.Parallel()

	var events []emitted
	h := newSnapshotHandler(testDoc("A", 3), collectEmits(&events))

	xml := snapshotXML("A", 3,
		fmt.Sprintf(`<publish uri="rsync://h/repo/a.cer">%s</publish>`, b64("cert-a"))+
			fmt.Sprintf(`<publish uri="rsync://h/repo/b.roa">%s</publish>`, b64("roa-b")))

	require.NoError(t, parseDoc(t, h, xml))
	require.Len(t, events, 2)

	assert.Equal(t, domain.FileAdd, events[0].typ)
	assert.Equal(t, "rsync://h/repo/a.cer", events[0].uri)
	assert.Nil(t, events[0].hash)
	assert.Equal(t, []byte("cert-a"), events[0].data)
	assert.Equal(t, []byte("roa-b"), events[1].data)
}

func TestSnapshot_Base64Leniency(t *testing.T) {
	t.Parallel()

	var events []emitted
	h := newSnapshotHandler(testDoc("A", 3), collectEmits(&events))

	// published bodies routinely carry newlines and indentation
	body := "\n  " + b64("object")[:4] + "\n  " + b64("object")[4:] + "\n"
	xml := snapshotXML("A", 3, `<publish uri="rsync://h/o.cer">`+body+`</publish>`)

	require.NoError(t, parseDoc(t, h, xml))
	require.Len(t, events, 1)
	assert.Equal(t, []byte("object"), events[0].data)
}

func TestSnapshot_HeaderMismatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		xml  string
	}{
		{
			name: "session id differs from notification",
			xml:  snapshotXML("B", 3, ""),
		},
		{
			name: "serial differs from notification",
			xml:  snapshotXML("A", 4, ""),
		},
		{
			name: "version differs from notification",
			xml: fmt.Sprintf(`<snapshot xmlns=%q version="2" session_id="A" serial="3"></snapshot>`,
				rrdpNS),
		},
		{
			name: "missing xmlns",
			xml:  `<snapshot version="1" session_id="A" serial="3"></snapshot>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var events []emitted
			h := newSnapshotHandler(testDoc("A", 3), collectEmits(&events))
			assert.Error(t, parseDoc(t, h, tt.xml))
			assert.Empty(t, events)
		})
	}
}

func TestSnapshot_PublishValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		xml  string
	}{
		{
			name: "publish without uri",
			xml:  snapshotXML("A", 3, fmt.Sprintf(`<publish>%s</publish>`, b64("x"))),
		},
		{
			name: "hash attribute not allowed in snapshot publish",
			xml: snapshotXML("A", 3,
				fmt.Sprintf(`<publish uri="rsync://h/o.cer" hash=%q>%s</publish>`, testHash, b64("x"))),
		},
		{
			name: "empty publish body",
			xml:  snapshotXML("A", 3, `<publish uri="rsync://h/o.cer"></publish>`),
		},
		{
			name: "bad base64",
			xml:  snapshotXML("A", 3, `<publish uri="rsync://h/o.cer">=!=</publish>`),
		},
		{
			name: "withdraw not allowed in snapshot",
			xml: snapshotXML("A", 3,
				fmt.Sprintf(`<withdraw uri="rsync://h/o.cer" hash=%q/>`, testHash)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var events []emitted
			h := newSnapshotHandler(testDoc("A", 3), collectEmits(&events))
			assert.Error(t, parseDoc(t, h, tt.xml))
			assert.Empty(t, events)
		})
	}
}
