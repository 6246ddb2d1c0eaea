package checkpoints

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/mesograd/mesograd/engine"
	"github.com/mesograd/mesograd/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedCheckpoint is returned for proto input that cannot be decoded.
var ErrMalformedCheckpoint = errors.New("malformed checkpoint")

// Field numbers of the proto layout:
//
//	message Checkpoint {
//	  ModelSpec model_spec = 1;
//	  repeated WeightTensor weight = 2;
//	  TrainingState training_state = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata metadata = 5;
//	}
//	message ModelSpec { repeated LayerSpec layer = 1; int64 inputs = 2; int64 outputs = 3;
//	                    int64 total_parameters = 4; bool compiled = 5; }
//	message LayerSpec { string name = 1; int64 inputs = 2; int64 outputs = 3;
//	                    string activation = 4; int64 parameter_count = 5; }
//	message WeightTensor { string name = 1; repeated int64 shape = 2; repeated double data = 3;
//	                       string layer = 4; string type = 5; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; double learning_rate = 3;
//	                        double best_loss = 4; double best_accuracy = 5; int64 total_steps = 6; }
//	message OptimizerState { string type = 1; repeated Param parameter = 2;
//	                         repeated OptimizerTensor state = 3; }
//	message Param { string key = 1; oneof value { double number = 2; bool flag = 3; } }
//	message OptimizerTensor { string name = 1; repeated int64 shape = 2; repeated double data = 3;
//	                          string state_type = 5; }
//	message Metadata { string version = 1; string framework = 2; string run_id = 3;
//	                   sint64 created_at_unix_nano = 4; string description = 5; repeated string tag = 6; }
const (
	fieldCheckpointModel     protowire.Number = 1
	fieldCheckpointWeight    protowire.Number = 2
	fieldCheckpointTraining  protowire.Number = 3
	fieldCheckpointOptimizer protowire.Number = 4
	fieldCheckpointMetadata  protowire.Number = 5
)

// MarshalProto encodes c in protobuf wire format.
func MarshalProto(c *Checkpoint) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("checkpoint cannot be nil")
	}

	var b []byte
	if c.ModelSpec != nil {
		b = appendMessage(b, fieldCheckpointModel, appendModelSpec(nil, c.ModelSpec))
	}
	for _, w := range c.Weights {
		b = appendMessage(b, fieldCheckpointWeight, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	b = appendMessage(b, fieldCheckpointTraining, appendTrainingState(nil, c.TrainingState))
	if c.OptimizerState != nil {
		opt, err := appendOptimizerState(nil, c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldCheckpointOptimizer, opt)
	}
	b = appendMessage(b, fieldCheckpointMetadata, appendMetadata(nil, c.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto. Unknown
// fields are skipped.
func UnmarshalProto(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldCheckpointModel:
			return message(typ, b, func(m []byte) error {
				spec, err := decodeModelSpec(m)
				c.ModelSpec = spec
				return err
			})
		case fieldCheckpointWeight:
			return message(typ, b, func(m []byte) error {
				var w WeightTensor
				err := decodeTensor(m, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type)
				c.Weights = append(c.Weights, w)
				return err
			})
		case fieldCheckpointTraining:
			return message(typ, b, func(m []byte) error {
				return decodeTrainingState(m, &c.TrainingState)
			})
		case fieldCheckpointOptimizer:
			return message(typ, b, func(m []byte) error {
				state, err := decodeOptimizerState(m)
				c.OptimizerState = state
				return err
			})
		case fieldCheckpointMetadata:
			return message(typ, b, func(m []byte) error {
				return decodeMetadata(m, &c.Metadata)
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func appendModelSpec(b []byte, spec *layers.ModelSpec) []byte {
	for _, l := range spec.Layers {
		var lb []byte
		lb = appendString(lb, 1, l.Name)
		lb = appendInt(lb, 2, int64(l.Inputs))
		lb = appendInt(lb, 3, int64(l.Outputs))
		lb = appendString(lb, 4, l.Activation.String())
		lb = appendInt(lb, 5, l.ParameterCount)
		b = appendMessage(b, 1, lb)
	}
	b = appendInt(b, 2, int64(spec.Inputs))
	b = appendInt(b, 3, int64(spec.Outputs))
	b = appendInt(b, 4, spec.TotalParameters)
	if spec.Compiled {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func decodeModelSpec(data []byte) (*layers.ModelSpec, error) {
	spec := &layers.ModelSpec{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return message(typ, b, func(m []byte) error {
				var l layers.LayerSpec
				err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &l.Name)
					case 2:
						return consumeInt(typ, b, &l.Inputs)
					case 3:
						return consumeInt(typ, b, &l.Outputs)
					case 4:
						var name string
						n, err := consumeString(typ, b, &name)
						if err != nil {
							return n, err
						}
						act, err := engine.ParseActivation(name)
						if err != nil {
							return n, malformed("layer activation", err)
						}
						l.Activation = act
						return n, nil
					case 5:
						return consumeInt64(typ, b, &l.ParameterCount)
					}
					return 0, nil
				})
				spec.Layers = append(spec.Layers, l)
				return err
			})
		case 2:
			return consumeInt(typ, b, &spec.Inputs)
		case 3:
			return consumeInt(typ, b, &spec.Outputs)
		case 4:
			return consumeInt64(typ, b, &spec.TotalParameters)
		case 5:
			return consumeBool(typ, b, &spec.Compiled)
		}
		return 0, nil
	})
	return spec, err
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendString(b, 1, name)
	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = appendMessage(b, 2, packed)
	}
	if len(data) > 0 {
		packed := make([]byte, 0, 8*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendMessage(b, 3, packed)
	}
	b = appendString(b, 4, layer)
	return appendString(b, 5, kind)
}

func decodeTensor(data []byte, name *string, shape *[]int, values *[]float64, layer, kind *string) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, name)
		case 2:
			return message(typ, b, func(packed []byte) error {
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return malformed("tensor shape", protowire.ParseError(n))
					}
					packed = packed[n:]
					*shape = append(*shape, int(v))
				}
				return nil
			})
		case 3:
			return message(typ, b, func(packed []byte) error {
				if len(packed)%8 != 0 {
					return malformed("tensor data", fmt.Errorf("%d bytes is not a whole number of doubles", len(packed)))
				}
				for len(packed) > 0 {
					v, n := protowire.ConsumeFixed64(packed)
					packed = packed[n:]
					*values = append(*values, math.Float64frombits(v))
				}
				return nil
			})
		case 4:
			return consumeString(typ, b, layer)
		case 5:
			return consumeString(typ, b, kind)
		}
		return 0, nil
	})
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendInt(b, 1, int64(s.Epoch))
	b = appendInt(b, 2, int64(s.Step))
	b = appendDouble(b, 3, s.LearningRate)
	b = appendDouble(b, 4, s.BestLoss)
	b = appendDouble(b, 5, s.BestAccuracy)
	return appendInt(b, 6, int64(s.TotalSteps))
}

func decodeTrainingState(data []byte, s *TrainingState) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt(typ, b, &s.Epoch)
		case 2:
			return consumeInt(typ, b, &s.Step)
		case 3:
			return consumeDouble(typ, b, &s.LearningRate)
		case 4:
			return consumeDouble(typ, b, &s.BestLoss)
		case 5:
			return consumeDouble(typ, b, &s.BestAccuracy)
		case 6:
			return consumeInt(typ, b, &s.TotalSteps)
		}
		return 0, nil
	})
}

func appendOptimizerState(b []byte, s *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, s.Type)
	for _, key := range slices.Sorted(maps.Keys(s.Parameters)) {
		var pb []byte
		pb = appendString(pb, 1, key)
		switch v := s.Parameters[key].(type) {
		case bool:
			pb = protowire.AppendTag(pb, 3, protowire.VarintType)
			pb = protowire.AppendVarint(pb, protowire.EncodeBool(v))
		case float64:
			pb = appendNumber(pb, v)
		case float32:
			pb = appendNumber(pb, float64(v))
		case int:
			pb = appendNumber(pb, float64(v))
		case int64:
			pb = appendNumber(pb, float64(v))
		case uint64:
			pb = appendNumber(pb, float64(v))
		default:
			return nil, fmt.Errorf("optimizer parameter %q has unsupported type %T", key, v)
		}
		b = appendMessage(b, 2, pb)
	}
	for _, t := range s.StateData {
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b, nil
}

// appendNumber always writes the field so a zero hyperparameter survives.
func appendNumber(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func decodeOptimizerState(data []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &s.Type)
		case 2:
			return message(typ, b, func(m []byte) error {
				var key string
				var value interface{}
				err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &key)
					case 2:
						var f float64
						n, err := consumeDouble(typ, b, &f)
						value = f
						return n, err
					case 3:
						var flag bool
						n, err := consumeBool(typ, b, &flag)
						value = flag
						return n, err
					}
					return 0, nil
				})
				if err == nil && value != nil {
					s.Parameters[key] = value
				}
				return err
			})
		case 3:
			return message(typ, b, func(m []byte) error {
				var t OptimizerTensor
				var unused string
				err := decodeTensor(m, &t.Name, &t.Shape, &t.Data, &unused, &t.StateType)
				s.StateData = append(s.StateData, t)
				return err
			})
		}
		return 0, nil
	})
	return s, err
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	b = appendString(b, 3, md.RunID)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, 5, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func decodeMetadata(data []byte, md *CheckpointMetadata) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &md.Version)
		case 2:
			return consumeString(typ, b, &md.Framework)
		case 3:
			return consumeString(typ, b, &md.RunID)
		case 4:
			if typ != protowire.VarintType {
				return 0, wrongType(num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			return n, nil
		case 5:
			return consumeString(typ, b, &md.Description)
		case 6:
			var tag string
			n, err := consumeString(typ, b, &tag)
			md.Tags = append(md.Tags, tag)
			return n, err
		}
		return 0, nil
	})
}

// walk calls fn for every field of a message. fn returns the number of
// bytes it consumed; zero means the field is unknown and gets skipped.
func walk(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return malformed("tag", protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return malformed(fmt.Sprintf("field %d", num), protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func message(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, malformed("message", fmt.Errorf("wire type %d", typ))
	}
	m, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, fn(m)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, malformed("string", fmt.Errorf("wire type %d", typ))
	}
	v, n := protowire.ConsumeString(b)
	*dst = v
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, malformed("integer", fmt.Errorf("wire type %d", typ))
	}
	v, n := protowire.ConsumeVarint(b)
	*dst = int64(v)
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int) (int, error) {
	var v int64
	n, err := consumeInt64(typ, b, &v)
	*dst = int(v)
	return n, err
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v int64
	n, err := consumeInt64(typ, b, &v)
	*dst = v != 0
	return n, err
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, malformed("double", fmt.Errorf("wire type %d", typ))
	}
	v, n := protowire.ConsumeFixed64(b)
	*dst = math.Float64frombits(v)
	return n, nil
}

func wrongType(num protowire.Number, typ protowire.Type) error {
	return malformed(fmt.Sprintf("field %d", num), fmt.Errorf("wire type %d", typ))
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func malformed(what string, err error) error {
	return fmt.Errorf("checkpoints: %w: %s: %v", ErrMalformedCheckpoint, what, err)
}
