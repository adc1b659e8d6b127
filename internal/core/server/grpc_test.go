package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/synthkeeper/internal/core/api"
	"github.com/solatis/synthkeeper/internal/core/config"
	"github.com/solatis/synthkeeper/internal/types"
)

// stubServer panics on Evaluate and reports its deadline on Stats.
type stubServer struct {
	api.FormulaServer
}

func (stubServer) Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	panic("boom")
}

func (stubServer) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	deadline, ok := ctx.Deadline()
	return structpb.NewStruct(map[string]any{
		"has_deadline": ok,
		"remaining_ms": float64(time.Until(deadline).Milliseconds()),
	})
}

func startBufconn(t *testing.T, cfg *config.ServerConfig, svc api.FormulaServer) (*GRPCServer, *grpc.ClientConn) {
	t.Helper()
	srv, err := NewGRPCServer(cfg, svc, nil)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestNewGRPCServer_Validation(t *testing.T) {
	_, err := NewGRPCServer(nil, stubServer{}, nil)
	require.Error(t, err)

	cfg := config.DefaultConfig().Server
	_, err = NewGRPCServer(&cfg, nil, nil)
	require.Error(t, err)
}

func TestGRPCServer_FormulaService(t *testing.T) {
	states := api.NewStateTable()
	states.Set("sensor.leg1", 1000.0, nil)
	states.Set("sensor.leg2", 500.0, nil)
	svc, err := api.NewFormulaService(states, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Load(context.Background(), &types.Config{
		Name: "energy",
		Sensors: []types.Sensor{{
			Key: "total",
			Formulas: []types.Formula{{Text: "leg1 + leg2", Variables: map[string]types.VariableBinding{
				"leg1": types.EntityRef("sensor.leg1"),
				"leg2": types.EntityRef("sensor.leg2"),
			}}},
		}},
	}))

	cfg := config.DefaultConfig().Server
	srv, conn := startBufconn(t, &cfg, svc)
	client := api.NewFormulaClient(conn)
	ctx := context.Background()

	healthClient := grpc_health_v1.NewHealthClient(conn)
	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := healthClient.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: api.ServiceName})
		require.NoError(t, err)
		return resp.Status
	}
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check())
	srv.SetReady(true)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check())
	require.NotNil(t, srv.Addr())

	resp, err := client.Call(ctx, "Evaluate", map[string]any{"formula_id": "total"})
	require.NoError(t, err)
	require.Equal(t, 1500.0, resp.AsMap()["value"])

	_, err = client.Call(ctx, "Evaluate", map[string]any{"formula_id": "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Call(ctx, "NoSuchMethod", nil)
	require.Equal(t, codes.Unimplemented, status.Code(err))

	srv.SetReady(false)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check())
}

func TestGRPCServer_Interceptors(t *testing.T) {
	cfg := config.DefaultConfig().Server
	cfg.RequestTimeout = 2 * time.Second
	_, conn := startBufconn(t, &cfg, stubServer{})
	client := api.NewFormulaClient(conn)
	ctx := context.Background()

	// a panicking handler surfaces as INTERNAL and the server keeps serving
	_, err := client.Call(ctx, "Evaluate", map[string]any{"formula_id": "x"})
	require.Equal(t, codes.Internal, status.Code(err))

	resp, err := client.Call(ctx, "Stats", nil)
	require.NoError(t, err)
	fields := resp.AsMap()
	require.Equal(t, true, fields["has_deadline"])
	require.LessOrEqual(t, fields["remaining_ms"], 2000.0)

	// an earlier caller deadline wins
	short, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	resp, err = client.Call(short, "Stats", nil)
	require.NoError(t, err)
	require.LessOrEqual(t, resp.AsMap()["remaining_ms"], 500.0)
}

func TestTimeoutInterceptor_Disabled(t *testing.T) {
	interceptor := TimeoutInterceptor(0)
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
		_, ok := ctx.Deadline()
		require.False(t, ok)
		return nil, nil
	})
	require.NoError(t, err)
}
