package replay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcsuper/diagcore/pkg/diag"
	"github.com/qcsuper/diagcore/pkg/hdlc"
)

func buildDlfRecord(logType uint16, logTime uint64, body []byte) []byte {
	header := make([]byte, innerHeaderLen)
	binary.LittleEndian.PutUint16(header[0:2], uint16(innerHeaderLen+len(body)))
	binary.LittleEndian.PutUint16(header[2:4], logType)
	binary.LittleEndian.PutUint64(header[4:12], logTime)
	return append(header, body...)
}

func TestDlfReaderProducesClassifiableFrame(t *testing.T) {
	rec := buildDlfRecord(0x1234, 0, []byte("payload"))
	r := NewDlfReader(bytes.NewReader(rec))

	frame, err := r.Read(context.Background())
	require.NoError(t, err)

	unframed, err := hdlc.Decapsulate(frame, true)
	require.NoError(t, err)

	pkt, err := diag.Classify(unframed)
	require.NoError(t, err)
	assert.Equal(t, diag.KindLog, pkt.Kind)
	assert.EqualValues(t, 0x1234, pkt.LogHeader.LogCode)
	assert.Equal(t, []byte("payload"), pkt.LogBody)
}

func TestDlfReaderEOF(t *testing.T) {
	r := NewDlfReader(bytes.NewReader(nil))
	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDlfReaderTimestampRange(t *testing.T) {
	// 20ms units since 1980-01-06 for a date comfortably inside [2010,2050]:
	// ~35 years later. 35 years * 365.25 days * 86400s / 0.02s per unit.
	units := uint64(35 * 365.25 * 86400 / 0.02)
	rec := buildDlfRecord(1, units<<20, nil)
	r := NewDlfReader(bytes.NewReader(rec))

	_, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Greater(t, r.Timestamp(), float64(timestampMin))
}

func TestDlfReaderOutOfRangeTimestampStillDispatches(t *testing.T) {
	rec := buildDlfRecord(1, 0, []byte("x")) // decodes to 1980, outside [2010,2050]
	r := NewDlfReader(bytes.NewReader(rec))

	frame, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, frame)
	assert.Equal(t, float64(0), r.Timestamp())
}

func TestDlfReaderOutOfRangeRecordCarriesPreviousGoodTimestamp(t *testing.T) {
	units := uint64(35 * 365.25 * 86400 / 0.02) // ~2015, inside [2010,2050]
	goodRaw := units << 20
	good := buildDlfRecord(1, goodRaw, nil)
	bad := buildDlfRecord(2, 0, []byte("x")) // decodes to 1980, outside range

	r := NewDlfReader(bytes.NewReader(append(good, bad...)))

	_, err := r.Read(context.Background())
	require.NoError(t, err)
	goodTimestamp := r.Timestamp()
	require.Greater(t, goodTimestamp, float64(timestampMin))

	frame, err := r.Read(context.Background())
	require.NoError(t, err)

	unframed, err := hdlc.Decapsulate(frame, true)
	require.NoError(t, err)
	pkt, err := diag.Classify(unframed)
	require.NoError(t, err)

	assert.Equal(t, diag.KindLog, pkt.Kind)
	assert.EqualValues(t, 2, pkt.LogHeader.LogCode)
	assert.Equal(t, goodRaw, pkt.LogHeader.Timestamp, "the dispatched record's embedded timestamp must fall back to the last known-good one, not the garbage raw value just decoded")
	assert.Equal(t, goodTimestamp, r.Timestamp(), "a single out-of-range record must not overwrite the sticky timestamp")
}

func TestDlfReaderWriteIsReadOnly(t *testing.T) {
	r := NewDlfReader(bytes.NewReader(nil))
	assert.ErrorIs(t, r.Write(context.Background(), nil), ErrReadOnly)
}

func buildJSONLogLine(t *testing.T, logType uint16, timestamp float64, body []byte) string {
	header := make([]byte, innerHeaderLen)
	binary.LittleEndian.PutUint16(header[0:2], uint16(innerHeaderLen+len(body)))
	binary.LittleEndian.PutUint16(header[2:4], logType)
	raw := append(header, body...)
	encoded := base64.StdEncoding.EncodeToString(raw)

	rec := jsonRecord{LogType: &logType, LogFrame: &encoded, Timestamp: &timestamp}
	line, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(line)
}

func buildJSONGPSLine(t *testing.T) string {
	lat, lng := 48.8566, 2.3522
	line, err := json.Marshal(jsonRecord{Lat: &lat, Lng: &lng})
	require.NoError(t, err)
	return string(line)
}

func TestJSONLReaderSkipsGPSLines(t *testing.T) {
	body := []byte("hello")
	lines := buildJSONGPSLine(t) + "\n" + buildJSONLogLine(t, 5, 1700000000, body) + "\n"

	r := NewJSONLReader(bytes.NewReader([]byte(lines)))
	frame, err := r.Read(context.Background())
	require.NoError(t, err)

	unframed, err := hdlc.Decapsulate(frame, true)
	require.NoError(t, err)
	pkt, err := diag.Classify(unframed)
	require.NoError(t, err)
	assert.Equal(t, diag.KindLog, pkt.Kind)
	assert.Equal(t, body, pkt.LogBody)
	assert.Equal(t, float64(1700000000), r.Timestamp())
}

func TestJSONLReaderTracksGeolocationFromGPSLines(t *testing.T) {
	body := []byte("hello")
	lines := buildJSONGPSLine(t) + "\n" + buildJSONLogLine(t, 5, 1700000000, body) + "\n"

	r := NewJSONLReader(bytes.NewReader([]byte(lines)))

	_, _, ok := r.Geolocation()
	assert.False(t, ok, "no GPS line has been read yet")

	_, err := r.Read(context.Background())
	require.NoError(t, err)

	lat, lng, ok := r.Geolocation()
	require.True(t, ok)
	assert.Equal(t, 48.8566, lat)
	assert.Equal(t, 2.3522, lng)
}

func TestJSONLReaderEOF(t *testing.T) {
	r := NewJSONLReader(bytes.NewReader(nil))
	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
