// Package wire encodes aggregation partial states for exchange between workers.
// The message schema is compiled from the embedded partial_state.proto on first use
// and driven through dynamicpb, so no generated code is checked in.
package wire

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/aevon-lab/exactavg/internal/core/aggregation"
	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

const protoFile = "exactavg/wire/v1/partial_state.proto"

//go:embed partial_state.proto
var partialStateProto string

// Entry is one group's partial state inside a batch.
type Entry struct {
	Key   string
	State aggregation.State
}

type descriptors struct {
	numeric protoreflect.MessageDescriptor
	state   protoreflect.MessageDescriptor
	keyed   protoreflect.MessageDescriptor
	batch   protoreflect.MessageDescriptor
}

var (
	descOnce sync.Once
	desc     descriptors
	descErr  error
)

func loadDescriptors() (descriptors, error) {
	descOnce.Do(func() {
		desc, descErr = compile()
	})
	return desc, descErr
}

func compile() (descriptors, error) {
	compiler := protocompile.Compiler{
		Resolver: &protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(map[string]string{
				protoFile: partialStateProto,
			}),
		},
		SourceInfoMode: protocompile.SourceInfoNone,
	}
	files, err := compiler.Compile(context.Background(), protoFile)
	if err != nil {
		return descriptors{}, fmt.Errorf("failed to compile partial state proto: %w", err)
	}
	if len(files) == 0 {
		return descriptors{}, fmt.Errorf("no files compiled")
	}

	msgs := files[0].Messages()
	d := descriptors{
		numeric: msgs.ByName("Numeric"),
		state:   msgs.ByName("PartialState"),
		keyed:   msgs.ByName("KeyedPartialState"),
		batch:   msgs.ByName("PartialStateBatch"),
	}
	if d.numeric == nil || d.state == nil || d.keyed == nil || d.batch == nil {
		return descriptors{}, fmt.Errorf("partial state proto is missing a message")
	}
	return d, nil
}

// Encode serializes one partial state.
func Encode(s aggregation.State) ([]byte, error) {
	d, err := loadDescriptors()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return proto.Marshal(d.stateMessage(s))
}

// Decode parses one partial state. Anything that does not describe a valid
// state is reported as aggregation.ErrCorruptState.
func Decode(b []byte) (aggregation.State, error) {
	d, err := loadDescriptors()
	if err != nil {
		return aggregation.State{}, err
	}
	msg := dynamicpb.NewMessage(d.state)
	if err := proto.Unmarshal(b, msg); err != nil {
		return aggregation.State{}, fmt.Errorf("%w: %v", aggregation.ErrCorruptState, err)
	}
	return d.readState(msg)
}

// EncodeBatch serializes keyed partial states in order.
func EncodeBatch(entries []Entry) ([]byte, error) {
	d, err := loadDescriptors()
	if err != nil {
		return nil, err
	}

	batch := dynamicpb.NewMessage(d.batch)
	list := batch.Mutable(d.batch.Fields().ByName("entries")).List()
	for _, e := range entries {
		if err := e.State.Validate(); err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Key, err)
		}
		keyed := dynamicpb.NewMessage(d.keyed)
		keyed.Set(d.keyed.Fields().ByName("key"), protoreflect.ValueOfString(e.Key))
		keyed.Set(d.keyed.Fields().ByName("state"), protoreflect.ValueOfMessage(d.stateMessage(e.State)))
		list.Append(protoreflect.ValueOfMessage(keyed))
	}
	return proto.Marshal(batch)
}

// DecodeBatch parses a batch written by EncodeBatch.
func DecodeBatch(b []byte) ([]Entry, error) {
	d, err := loadDescriptors()
	if err != nil {
		return nil, err
	}

	batch := dynamicpb.NewMessage(d.batch)
	if err := proto.Unmarshal(b, batch); err != nil {
		return nil, fmt.Errorf("%w: %v", aggregation.ErrCorruptState, err)
	}

	list := batch.Get(d.batch.Fields().ByName("entries")).List()
	entries := make([]Entry, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		keyed := list.Get(i).Message()
		key := keyed.Get(d.keyed.Fields().ByName("key")).String()
		stateField := d.keyed.Fields().ByName("state")
		if !keyed.Has(stateField) {
			return nil, fmt.Errorf("%w: entry %q has no state", aggregation.ErrCorruptState, key)
		}
		s, err := d.readState(keyed.Get(stateField).Message())
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", key, err)
		}
		entries = append(entries, Entry{Key: key, State: s})
	}
	return entries, nil
}

func (d descriptors) stateMessage(s aggregation.State) *dynamicpb.Message {
	w := s.Sum.Wire()
	sum := dynamicpb.NewMessage(d.numeric)
	nf := d.numeric.Fields()
	sum.Set(nf.ByName("precision"), protoreflect.ValueOfInt32(w.Precision))
	sum.Set(nf.ByName("scale"), protoreflect.ValueOfInt32(w.Scale))
	sum.Set(nf.ByName("negative"), protoreflect.ValueOfBool(w.Negative))
	sum.Set(nf.ByName("digits"), protoreflect.ValueOfString(w.Digits))

	msg := dynamicpb.NewMessage(d.state)
	sf := d.state.Fields()
	msg.Set(sf.ByName("sum"), protoreflect.ValueOfMessage(sum))
	msg.Set(sf.ByName("count"), protoreflect.ValueOfUint64(s.Count))
	msg.Set(sf.ByName("input_known"), protoreflect.ValueOfBool(s.InputKnown))
	if s.InputKnown {
		msg.Set(sf.ByName("input_precision"), protoreflect.ValueOfInt32(s.Input.Precision))
		msg.Set(sf.ByName("input_scale"), protoreflect.ValueOfInt32(s.Input.Scale))
	}
	return msg
}

func (d descriptors) readState(msg protoreflect.Message) (aggregation.State, error) {
	sf := d.state.Fields()
	if !msg.Has(sf.ByName("sum")) {
		return aggregation.State{}, fmt.Errorf("%w: partial state has no sum", aggregation.ErrCorruptState)
	}

	sumMsg := msg.Get(sf.ByName("sum")).Message()
	nf := d.numeric.Fields()
	sum, err := numeric.FromWire(numeric.Wire{
		Precision: int32(sumMsg.Get(nf.ByName("precision")).Int()),
		Scale:     int32(sumMsg.Get(nf.ByName("scale")).Int()),
		Negative:  sumMsg.Get(nf.ByName("negative")).Bool(),
		Digits:    strings.TrimSpace(sumMsg.Get(nf.ByName("digits")).String()),
	})
	if err != nil {
		return aggregation.State{}, fmt.Errorf("%w: sum: %v", aggregation.ErrCorruptState, err)
	}

	s := aggregation.State{
		Sum:        sum,
		Count:      msg.Get(sf.ByName("count")).Uint(),
		InputKnown: msg.Get(sf.ByName("input_known")).Bool(),
	}
	if s.InputKnown {
		s.Input = numeric.Shape{
			Precision: int32(msg.Get(sf.ByName("input_precision")).Int()),
			Scale:     int32(msg.Get(sf.ByName("input_scale")).Int()),
		}
	}
	if s.Count == 0 && !s.Sum.IsZero() {
		return aggregation.State{}, fmt.Errorf("%w: non-zero sum %s with no rows", aggregation.ErrCorruptState, s.Sum)
	}
	if err := s.Validate(); err != nil {
		return aggregation.State{}, err
	}
	return s, nil
}
