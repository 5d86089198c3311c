// Package scorer bridges flow feature vectors to an external ML model served
// over gRPC. Requests and responses are protobuf Structs so that no generated
// code is shared between the engine and the model server:
//
//	request:  {"features": [[f0, f1, ...], ...]}
//	response: {"probabilities": [p0, p1, ...]}
package scorer

import (
	"NetFusion/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the model server.
const (
	ServiceName   = "netfusion.scorer.v1.Scorer"
	DefaultMethod = "/" + ServiceName + "/Score"
)

// GRPCScorer calls a remote model. It is safe for concurrent use.
type GRPCScorer struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
}

// NewGRPC creates a client for the model server at addr. method defaults to
// DefaultMethod; a zero timeout leaves deadlines to the caller's context.
func NewGRPC(addr, method string, timeout time.Duration, opts ...grpc.DialOption) (*GRPCScorer, error) {
	if method == "" {
		method = DefaultMethod
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer client for %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Str("method", method).Msg("ML scorer client created")
	return &GRPCScorer{conn: conn, method: method, timeout: timeout}, nil
}

// Score implements model.Scorer.
func (s *GRPCScorer) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	if len(features) == 0 {
		return nil, nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req := EncodeRequest(features)
	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, s.method, req, resp); err != nil {
		return nil, fmt.Errorf("scorer call failed: %w", err)
	}
	probas, err := DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(probas) != len(features) {
		return nil, fmt.Errorf("scorer returned %d probabilities for %d flows", len(probas), len(features))
	}
	return probas, nil
}

// Close releases the connection.
func (s *GRPCScorer) Close() error { return s.conn.Close() }

// EncodeRequest packs feature vectors into a request message.
func EncodeRequest(features [][]float64) *structpb.Struct {
	rows := make([]*structpb.Value, len(features))
	for i, f := range features {
		rows[i] = numberList(f)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"features": structpb.NewListValue(&structpb.ListValue{Values: rows}),
	}}
}

// DecodeRequest unpacks feature vectors from a request message.
func DecodeRequest(req *structpb.Struct) ([][]float64, error) {
	rows := req.GetFields()["features"].GetListValue()
	if rows == nil {
		return nil, errors.New("request carries no feature list")
	}
	out := make([][]float64, len(rows.GetValues()))
	for i, row := range rows.GetValues() {
		vals, err := numbers(row)
		if err != nil {
			return nil, fmt.Errorf("feature row %d: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}

// EncodeResponse packs probabilities into a response message.
func EncodeResponse(probas []float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"probabilities": numberList(probas),
	}}
}

// DecodeResponse unpacks probabilities from a response message.
func DecodeResponse(resp *structpb.Struct) ([]float64, error) {
	v, ok := resp.GetFields()["probabilities"]
	if !ok {
		return nil, errors.New("response carries no probabilities")
	}
	return numbers(v)
}

func numberList(xs []float64) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = structpb.NewNumberValue(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func numbers(v *structpb.Value) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, errors.New("expected a list of numbers")
	}
	out := make([]float64, len(list.GetValues()))
	for i, x := range list.GetValues() {
		n, ok := x.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("element %d is not a number", i)
		}
		out[i] = n.NumberValue
	}
	return out, nil
}

// Func adapts a function to model.Scorer.
type Func func(ctx context.Context, features [][]float64) ([]float64, error)

// Score implements model.Scorer.
func (f Func) Score(ctx context.Context, features [][]float64) ([]float64, error) {
	return f(ctx, features)
}

// Static scores every flow with the same probability.
func Static(p float64) model.Scorer {
	return Func(func(_ context.Context, features [][]float64) ([]float64, error) {
		out := make([]float64, len(features))
		for i := range out {
			out[i] = p
		}
		return out, nil
	})
}
