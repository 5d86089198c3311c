package probe

import (
	"NetFusion/internal/model"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// HeaderSchema carries the template of the record in a message.
const HeaderSchema = "Flow-Schema"

// EncodeRecord serializes the values of r as a positional protobuf ListValue.
func EncodeRecord(r *model.Record) ([]byte, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(r.Values))}
	for i, v := range r.Values {
		list.Values[i] = toValue(v)
	}
	return proto.Marshal(list)
}

// DecodeRecord parses data produced by EncodeRecord under schema.
func DecodeRecord(schema *model.Schema, data []byte) (*model.Record, error) {
	list := &structpb.ListValue{}
	if err := proto.Unmarshal(data, list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if len(list.Values) != schema.Len() {
		return nil, fmt.Errorf("record has %d values, schema has %d fields", len(list.Values), schema.Len())
	}
	rec := model.NewRecord(schema)
	for i, v := range list.Values {
		f := schema.Field(model.FieldID(i))
		val, err := fromValue(f, v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		rec.Set(model.FieldID(i), val)
	}
	return rec, nil
}

// NewRecordMsg builds the message carrying r on subject.
func NewRecordMsg(subject string, r *model.Record) (*nats.Msg, error) {
	data, err := EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderSchema, r.Schema.Template())
	msg.Data = data
	return msg, nil
}

// Decoder turns record messages into records, tracking the schema announced
// in the message headers.
type Decoder struct {
	template string
	schema   *model.Schema
}

// Schema returns the schema of the last decoded record.
func (d *Decoder) Schema() *model.Schema { return d.schema }

// Decode parses one message. changed reports that the record carries a schema
// different from the previous record's. An empty payload is end of stream and
// yields a nil record.
func (d *Decoder) Decode(msg *nats.Msg) (rec *model.Record, changed bool, err error) {
	if len(msg.Data) == 0 {
		return nil, false, nil
	}
	template := msg.Header.Get(HeaderSchema)
	if template == "" {
		template = d.template
	}
	if template == "" {
		return nil, false, errors.New("record message without schema header")
	}
	if template != d.template {
		schema, err := model.ParseTemplate(template)
		if err != nil {
			return nil, false, fmt.Errorf("invalid schema header: %w", err)
		}
		changed = !schema.Equal(d.schema)
		d.template, d.schema = template, schema
	}
	rec, err = DecodeRecord(d.schema, msg.Data)
	return rec, changed, err
}

// EncodeAlert serializes an alert as a protobuf Struct.
func EncodeAlert(a *model.Alert) ([]byte, error) {
	verdicts := make([]*structpb.Value, len(a.Verdicts))
	for i, v := range a.Verdicts {
		verdicts[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"detector":    structpb.NewStringValue(v.Detector),
			"result":      structpb.NewNumberValue(float64(v.Result)),
			"explanation": structpb.NewStringValue(v.Explanation),
		}})
	}
	fields := map[string]*structpb.Value{
		"address":     toValue(a.Address),
		"rule":        structpb.NewStringValue(a.Rule),
		"detect_time": toValue(a.DetectTime),
		"verdicts":    structpb.NewListValue(&structpb.ListValue{Values: verdicts}),
	}
	if len(a.Flow) > 0 {
		flow := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(a.Flow))}
		for k, v := range a.Flow {
			flow.Fields[k] = toValue(v)
		}
		fields["flow"] = structpb.NewStructValue(flow)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// DecodeAlert parses data produced by EncodeAlert. Flow values come back in
// their wire form: numbers as float64, addresses and times as strings.
func DecodeAlert(data []byte) (*model.Alert, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	f := s.GetFields()
	a := &model.Alert{Rule: f["rule"].GetStringValue()}

	var err error
	if a.Address, err = netip.ParseAddr(f["address"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("invalid alert address: %w", err)
	}
	if a.DetectTime, err = time.Parse(time.RFC3339Nano, f["detect_time"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("invalid detect time: %w", err)
	}
	for _, v := range f["verdicts"].GetListValue().GetValues() {
		vf := v.GetStructValue().GetFields()
		a.Verdicts = append(a.Verdicts, model.Verdict{
			Detector:    vf["detector"].GetStringValue(),
			Result:      uint8(vf["result"].GetNumberValue()),
			Explanation: vf["explanation"].GetStringValue(),
		})
	}
	if flow := f["flow"].GetStructValue(); flow != nil {
		a.Flow = flow.AsMap()
	}
	return a, nil
}

func toValue(v any) *structpb.Value {
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue()
	case netip.Addr:
		if !x.IsValid() {
			return structpb.NewNullValue()
		}
		return structpb.NewStringValue(x.String())
	case time.Time:
		return structpb.NewStringValue(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))
	case string:
		return structpb.NewStringValue(x)
	case bool:
		return structpb.NewBoolValue(x)
	case uint64:
		return structpb.NewNumberValue(float64(x))
	case int64:
		return structpb.NewNumberValue(float64(x))
	case float64:
		return structpb.NewNumberValue(x)
	case uint8:
		return structpb.NewNumberValue(float64(x))
	case int:
		return structpb.NewNumberValue(float64(x))
	case []float64:
		vals := make([]*structpb.Value, len(x))
		for i, f := range x {
			vals[i] = structpb.NewNumberValue(f)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals})
	case []time.Time:
		vals := make([]*structpb.Value, len(x))
		for i, t := range x {
			vals[i] = toValue(t)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	return structpb.NewStringValue(fmt.Sprint(v))
}

func fromValue(f model.Field, v *structpb.Value) (any, error) {
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return nil, nil
	}
	if f.List {
		list := v.GetListValue()
		if list == nil {
			return nil, errors.New("expected a list")
		}
		if f.Type == model.TypeTime {
			out := make([]time.Time, len(list.Values))
			for i, x := range list.Values {
				t, err := time.Parse(time.RFC3339Nano, x.GetStringValue())
				if err != nil {
					return nil, err
				}
				out[i] = t
			}
			return out, nil
		}
		out := make([]float64, len(list.Values))
		for i, x := range list.Values {
			out[i] = x.GetNumberValue()
		}
		return out, nil
	}

	switch f.Type {
	case model.TypeAddr:
		return netip.ParseAddr(v.GetStringValue())
	case model.TypeTime:
		return time.Parse(time.RFC3339Nano, v.GetStringValue())
	case model.TypeBytes:
		return base64.StdEncoding.DecodeString(v.GetStringValue())
	case model.TypeString:
		return v.GetStringValue(), nil
	case model.TypeUint:
		n := v.GetNumberValue()
		if n < 0 || n > math.MaxUint64 {
			return nil, fmt.Errorf("value %v out of range", n)
		}
		return uint64(n), nil
	case model.TypeInt:
		return int64(v.GetNumberValue()), nil
	case model.TypeFloat:
		return v.GetNumberValue(), nil
	}
	return nil, fmt.Errorf("unsupported field type %s", f.Type)
}
