package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Minimal ONNX message set (onnx.proto, IR version 7). Only the fields the
// exporter writes and the importer reads are modelled; unknown fields are
// skipped on decode.

const (
	tensorFloat int32 = 1

	attrFloat  int32 = 1
	attrInt    int32 = 2
	attrString int32 = 3
	attrInts   int32 = 7
)

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type StringStringEntryProto struct {
	Key   string
	Value string
}

type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	Type int32
	F    float32
	I    int64
	S    []byte
	Ints []int64
}

type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Name      string
	RawData   []byte
}

// ValueInfoProto describes a graph input or output. A dim of -1 is
// written as the symbolic batch dimension.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Dims     []int64
}

// Floats decodes the tensor payload regardless of whether it was stored
// in float_data or raw_data.
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != tensorFloat {
		return nil, errors.Errorf("tensor %s has data type %d, want FLOAT", t.Name, t.DataType)
	}
	if len(t.FloatData) > 0 {
		return t.FloatData, nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, errors.Errorf("tensor %s raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
	}
	return out, nil
}

func floatTensor(name string, dims []int64, data []float32) *TensorProto {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &TensorProto{Name: name, Dims: dims, DataType: tensorFloat, RawData: raw}
}

// Marshal encodes the model in protobuf wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var ob []byte
		ob = appendStringField(ob, 1, op.Domain)
		ob = appendVarintField(ob, 2, uint64(op.Version))
		b = appendMessageField(b, 8, ob)
	}
	for _, kv := range m.MetadataProps {
		var kb []byte
		kb = appendStringField(kb, 1, kv.Key)
		kb = appendStringField(kb, 2, kv.Value)
		b = appendMessageField(b, 14, kb)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal())
	}
	for _, vi := range g.Input {
		b = appendMessageField(b, 11, vi.marshal())
	}
	for _, vi := range g.Output {
		b = appendMessageField(b, 12, vi.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessageField(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case attrString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case attrInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	return b
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, v := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendMessageField(b, 4, packed)
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (vi *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range vi.Dims {
		var db []byte
		if d < 0 {
			db = appendStringField(db, 2, "N")
		} else {
			db = protowire.AppendTag(db, 1, protowire.VarintType)
			db = protowire.AppendVarint(db, uint64(d))
		}
		shape = appendMessageField(shape, 1, db)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(vi.ElemType))
	tensorType = appendMessageField(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, vi.Name)
	b = appendMessageField(b, 2, typeProto)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// wireField is one decoded field of a message.
type wireField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint32
	bytes  []byte
}

// walkFields iterates over every top-level field in a message.
func walkFields(b []byte, fn func(f wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "malformed tag")
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "malformed field %d", num)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalModel decodes the subset of ModelProto this package models.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walkFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			m.IrVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 4:
			m.Domain = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			g, err := unmarshalGraph(f.bytes)
			if err != nil {
				return err
			}
			m.Graph = g
		case 8:
			op := &OperatorSetIdProto{}
			if err := walkFields(f.bytes, func(f wireField) error {
				switch f.num {
				case 1:
					op.Domain = string(f.bytes)
				case 2:
					op.Version = int64(f.varint)
				}
				return nil
			}); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case 14:
			kv := &StringStringEntryProto{}
			if err := walkFields(f.bytes, func(f wireField) error {
				switch f.num {
				case 1:
					kv.Key = string(f.bytes)
				case 2:
					kv.Value = string(f.bytes)
				}
				return nil
			}); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, kv)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode ONNX model")
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walkFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return err
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			g.Initializer = append(g.Initializer, t)
		case 11, 12:
			vi := &ValueInfoProto{}
			if err := walkFields(f.bytes, func(f wireField) error {
				if f.num == 1 {
					vi.Name = string(f.bytes)
				}
				return nil
			}); err != nil {
				return err
			}
			if f.num == 11 {
				g.Input = append(g.Input, vi)
			} else {
				g.Output = append(g.Output, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walkFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			n.Input = append(n.Input, string(f.bytes))
		case 2:
			n.Output = append(n.Output, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		}
		return nil
	})
	return n, err
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walkFields(b, func(f wireField) error {
		switch f.num {
		case 1:
			if f.typ == protowire.BytesType {
				packed := f.bytes
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.Dims = append(t.Dims, int64(v))
					packed = packed[n:]
				}
			} else {
				t.Dims = append(t.Dims, int64(f.varint))
			}
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			if f.typ == protowire.BytesType {
				packed := f.bytes
				for len(packed) >= 4 {
					v, n := protowire.ConsumeFixed32(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					t.FloatData = append(t.FloatData, math.Float32frombits(v))
					packed = packed[n:]
				}
			} else {
				t.FloatData = append(t.FloatData, math.Float32frombits(f.fixed))
			}
		case 8:
			t.Name = string(f.bytes)
		case 9:
			t.RawData = append([]byte(nil), f.bytes...)
		}
		return nil
	})
	return t, err
}
