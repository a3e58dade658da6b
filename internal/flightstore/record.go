package flightstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	metaName  = "tensor_name"
	metaDType = "tensor_dtype"
	metaDims  = "tensor_dims"

	// payloadChunk is the maximum bytes per record row when encoding.
	payloadChunk = 1 << 20
)

// tensorSchema builds the wire schema for one tensor: a single binary
// column with the tensor's identity in the schema metadata.
func tensorSchema(td *TensorData) *arrow.Schema {
	dims := make([]string, len(td.Dims))
	for i, d := range td.Dims {
		dims[i] = strconv.Itoa(d)
	}
	md := arrow.NewMetadata(
		[]string{metaName, metaDType, metaDims},
		[]string{td.Name, td.DType, strings.Join(dims, ",")},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "data", Type: arrow.BinaryTypes.Binary},
	}, &md)
}

// EncodeRecord packs a tensor into one record batch, chunking the payload
// across rows. The store side of the protocol; also used by the mock.
func EncodeRecord(td *TensorData) arrow.Record {
	schema := tensorSchema(td)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	data := builder.Field(0).(*array.BinaryBuilder)
	for off := 0; off < len(td.Data); off += payloadChunk {
		end := off + payloadChunk
		if end > len(td.Data) {
			end = len(td.Data)
		}
		data.Append(td.Data[off:end])
	}
	if len(td.Data) == 0 {
		data.Append(nil)
	}
	return builder.NewRecord()
}

func decodeSchemaMeta(schema *arrow.Schema, td *TensorData) error {
	md := schema.Metadata()
	get := func(key string) (string, error) {
		idx := md.FindKey(key)
		if idx < 0 {
			return "", fmt.Errorf("schema metadata missing %q", key)
		}
		return md.Values()[idx], nil
	}

	dtype, err := get(metaDType)
	if err != nil {
		return err
	}
	dimsStr, err := get(metaDims)
	if err != nil {
		return err
	}
	var dims []int
	for _, s := range strings.Split(dimsStr, ",") {
		d, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("bad extent %q in schema metadata", s)
		}
		dims = append(dims, d)
	}

	td.DType = dtype
	td.Dims = dims
	return nil
}

func appendPayload(rec arrow.Record, td *TensorData) {
	col := rec.Column(0).(*array.Binary)
	for i := 0; i < col.Len(); i++ {
		td.Data = append(td.Data, col.Value(i)...)
	}
}
