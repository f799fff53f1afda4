package transformer

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/juju/mgo/v3/bson"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/encoding"
	"github.com/maxpert/oplogtail/optime"
	"github.com/maxpert/oplogtail/tailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOID     = bson.ObjectIdHex("5de3a10d6a8e2c7f9b1d4e20")
	testOrdinal = optime.Encode(1575198733, 1)
)

func insertRecord(tagged bool) tailer.Record {
	return tailer.Record{
		Ordinal:   testOrdinal,
		Tagged:    tagged,
		Namespace: "shop.orders",
		Op:        tailer.OpInsert,
		Key:       testOID,
		Doc:       tailer.Document{"_id": testOID, "status": "paid"},
	}
}

func TestJSONTransformer(t *testing.T) {
	tr := NewJSONTransformer()
	assert.Equal(t, "application/json", tr.ContentType())

	data, err := tr.Transform(insertRecord(true))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"$oid":"5de3a10d6a8e2c7f9b1d4e20"`)
	assert.Contains(t, string(data), `"ts":6765427042935635969`)

	data, err = tr.Transform(insertRecord(false))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"ts"`)
}

func TestJSONTransformer_MissingDocument(t *testing.T) {
	rec := insertRecord(true)
	rec.Doc = nil

	data, err := NewJSONTransformer().Transform(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"doc":null`)
}

func TestMsgpackTransformer(t *testing.T) {
	tr := NewMsgpackTransformer()
	assert.Equal(t, "application/msgpack", tr.ContentType())

	data, err := tr.Transform(insertRecord(true))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, encoding.Unmarshal(data, &decoded))
	assert.EqualValues(t, testOrdinal, decoded["ts"])

	doc, ok := decoded["doc"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "5de3a10d6a8e2c7f9b1d4e20", doc["_id"])
	assert.Equal(t, "paid", doc["status"])
}

func TestCompression(t *testing.T) {
	plain, err := NewJSONTransformer().Transform(insertRecord(true))
	require.NoError(t, err)

	gz, err := WithCompression(NewJSONTransformer(), CompressionGzip)
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, ContentEncoding(gz))
	assert.Equal(t, "application/json", gz.ContentType())

	data, err := gz.Transform(insertRecord(true))
	require.NoError(t, err)
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	unzipped, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain, unzipped)

	zs, err := WithCompression(NewJSONTransformer(), CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, ContentEncoding(zs))

	data, err = zs.Transform(insertRecord(true))
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	unzstd, err := dec.DecodeAll(data, nil)
	require.NoError(t, err)
	assert.Equal(t, plain, unzstd)

	none, err := WithCompression(NewJSONTransformer(), "")
	require.NoError(t, err)
	assert.Equal(t, "", ContentEncoding(none))

	_, err = WithCompression(NewJSONTransformer(), "lz4")
	assert.Error(t, err)
}

func TestDebeziumTransformer_Insert(t *testing.T) {
	data, err := NewDebeziumTransformer("orders").Transform(insertRecord(true))
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))

	schema := result["schema"].(map[string]interface{})
	assert.Equal(t, "struct", schema["type"])
	assert.Len(t, schema["fields"].([]interface{}), 4)

	payload := result["payload"].(map[string]interface{})
	assert.Equal(t, "c", payload["op"])
	assert.Equal(t, float64(1575198733000), payload["ts_ms"])

	after, ok := payload["after"].(string)
	require.True(t, ok)
	var doc bson.M
	require.NoError(t, encoding.UnmarshalExtendedJSON([]byte(after), &doc))
	assert.Equal(t, testOID, doc["_id"])

	source := payload["source"].(map[string]interface{})
	assert.Equal(t, "mongodb", source["connector"])
	assert.Equal(t, "orders", source["name"])
	assert.Equal(t, "shop", source["db"])
	assert.Equal(t, "orders", source["collection"])
	assert.Equal(t, float64(1), source["ord"])
}

func TestDebeziumTransformer_Delete(t *testing.T) {
	rec := insertRecord(false)
	rec.Op = tailer.OpDelete
	rec.Doc = tailer.Document{"_id": testOID}

	data, err := NewDebeziumTransformer("").Transform(rec)
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	payload := result["payload"].(map[string]interface{})
	assert.Equal(t, "d", payload["op"])
	assert.Nil(t, payload["after"])
	assert.Equal(t, "oplogtail", payload["source"].(map[string]interface{})["name"])
}

func TestRegisteredFormats(t *testing.T) {
	for _, format := range []string{"", FormatJSON, FormatMsgpack, FormatDebezium} {
		tr, err := tailer.CreateTransformer(cfg.SinkConfiguration{Format: format, Compression: CompressionGzip})
		require.NoError(t, err, format)
		assert.Equal(t, CompressionGzip, ContentEncoding(tr))
	}

	_, err := tailer.CreateTransformer(cfg.SinkConfiguration{Format: "avro"})
	assert.Error(t, err)
}
