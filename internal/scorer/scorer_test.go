package scorer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startServer(t *testing.T, m Func) *GRPCScorer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, m)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPC("passthrough:///bufnet", "", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCScorer_RoundTrip(t *testing.T) {
	// The model sums each feature vector.
	client := startServer(t, func(_ context.Context, features [][]float64) ([]float64, error) {
		out := make([]float64, len(features))
		for i, f := range features {
			for _, x := range f {
				out[i] += x
			}
		}
		return out, nil
	})

	got, err := client.Score(context.Background(), [][]float64{{0.25, 0.5}, {1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.75, 6}, got)

	got, err = client.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGRPCScorer_PropagatesModelErrors(t *testing.T) {
	client := startServer(t, func(context.Context, [][]float64) ([]float64, error) {
		return nil, errors.New("model not loaded")
	})
	_, err := client.Score(context.Background(), [][]float64{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestGRPCScorer_RejectsShortResponses(t *testing.T) {
	client := startServer(t, func(context.Context, [][]float64) ([]float64, error) {
		return []float64{0.5}, nil
	})
	_, err := client.Score(context.Background(), [][]float64{{1}, {2}})
	assert.Error(t, err)
}

func TestDecode_MalformedMessages(t *testing.T) {
	_, err := DecodeRequest(&structpb.Struct{})
	assert.Error(t, err)

	bad, err := structpb.NewStruct(map[string]any{"probabilities": []any{0.1, "x"}})
	require.NoError(t, err)
	_, err = DecodeResponse(bad)
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	got, err := Static(0.3).Score(context.Background(), make([][]float64, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0.3, 0.3}, got)
}
