package engine

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot field numbers. The layout is equivalent to
//
//	message Graph { repeated Node node = 1; }
//	message Node {
//	  double data = 1;
//	  double grad = 2;
//	  uint32 op = 3;
//	  repeated uint32 operand = 4 [packed = true];
//	  double exponent = 5;
//	  uint32 activation = 6;
//	}
const (
	fieldGraphNode protowire.Number = 1

	fieldNodeData       protowire.Number = 1
	fieldNodeGrad       protowire.Number = 2
	fieldNodeOp         protowire.Number = 3
	fieldNodeOperand    protowire.Number = 4
	fieldNodeExponent   protowire.Number = 5
	fieldNodeActivation protowire.Number = 6
)

// Marshal encodes every node of g, including gradients, in protobuf wire
// format. Zero-valued fields are omitted.
func Marshal(g *Graph) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: cannot marshal nil graph")
	}

	var out []byte
	var buf []byte
	for _, n := range g.nodes {
		buf = appendNode(buf[:0], n)
		out = protowire.AppendTag(out, fieldGraphNode, protowire.BytesType)
		out = protowire.AppendBytes(out, buf)
	}
	return out, nil
}

func appendNode(b []byte, n node) []byte {
	b = appendDouble(b, fieldNodeData, n.data)
	b = appendDouble(b, fieldNodeGrad, n.grad)
	if n.op != OpLeaf {
		b = protowire.AppendTag(b, fieldNodeOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.op))
	}
	if n.arity > 0 {
		var packed []byte
		for i := 0; i < int(n.arity); i++ {
			packed = protowire.AppendVarint(packed, uint64(n.operands[i]))
		}
		b = protowire.AppendTag(b, fieldNodeOperand, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendDouble(b, fieldNodeExponent, n.exponent)
	if n.act != ActReLU {
		b = protowire.AppendTag(b, fieldNodeActivation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(n.act))
	}
	return b
}

// appendDouble omits only +0, so -0 keeps its sign bit.
func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, bits)
}

// Unmarshal decodes a snapshot produced by Marshal. Unknown fields are
// skipped. Operand indices are checked against the node count only; a
// snapshot whose operands form a cycle decodes, and Backward rejects it.
func Unmarshal(data []byte) (*Graph, error) {
	g := NewGraph()
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("graph tag", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldGraphNode || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, malformed("graph field", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, malformed("node", protowire.ParseError(n))
		}
		data = data[n:]

		nd, err := decodeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", len(g.nodes), err)
		}
		g.nodes = append(g.nodes, nd)
	}

	for i, nd := range g.nodes {
		for k := 0; k < int(nd.arity); k++ {
			if int(nd.operands[k]) >= len(g.nodes) {
				return nil, malformed(fmt.Sprintf("node %d", i),
					fmt.Errorf("operand %d out of range (%d nodes)", nd.operands[k], len(g.nodes)))
			}
		}
	}
	return g, nil
}

func decodeNode(b []byte) (node, error) {
	var nd node
	var operands []uint64

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nd, malformed("node tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldNodeData && typ == protowire.Fixed64Type,
			num == fieldNodeGrad && typ == protowire.Fixed64Type,
			num == fieldNodeExponent && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nd, malformed("node double", protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldNodeData:
				nd.data = f
			case fieldNodeGrad:
				nd.grad = f
			default:
				nd.exponent = f
			}

		case num == fieldNodeOp && typ == protowire.VarintType,
			num == fieldNodeActivation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nd, malformed("node varint", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldNodeOp {
				if v > math.MaxUint8 || Op(v).arity() < 0 {
					return nd, malformed("node op", fmt.Errorf("unknown op %d", v))
				}
				nd.op = Op(v)
			} else {
				if v > math.MaxUint8 || !Activation(v).Valid() {
					return nd, malformed("node activation", fmt.Errorf("unknown activation %d", v))
				}
				nd.act = Activation(v)
			}

		case num == fieldNodeOperand && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nd, malformed("node operands", protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nd, malformed("node operand", protowire.ParseError(m))
				}
				packed = packed[m:]
				operands = append(operands, v)
			}

		case num == fieldNodeOperand && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nd, malformed("node operand", protowire.ParseError(n))
			}
			b = b[n:]
			operands = append(operands, v)

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nd, malformed("node field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if want := nd.op.arity(); len(operands) != want {
		return nd, malformed("node operands",
			fmt.Errorf("op %q takes %d operands, got %d", nd.op, want, len(operands)))
	}
	for i, o := range operands {
		if o > math.MaxInt32 {
			return nd, malformed("node operand", fmt.Errorf("operand index %d overflows", o))
		}
		nd.operands[i] = int32(o)
	}
	nd.arity = uint8(len(operands))
	return nd, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("engine: %w: %s: %v", ErrMalformedGraph, what, err)
}
