package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "github.com/partplan/partplan/internal/api/grpc"
	"github.com/partplan/partplan/internal/config"
	"github.com/partplan/partplan/internal/storage"
	"github.com/partplan/partplan/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Shutdown.Timeout = 5 * time.Second
	cfg.Tables = []config.TableConfig{{
		Name:     "bookings",
		From:     types.MustParseKey("2024-01"),
		Through:  types.MustParseKey("2024-12"),
		CatchAll: "p_future",
	}}
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func TestApp_ServesAllEndpoints(t *testing.T) {
	cfg := testConfig(t)
	a := startApp(t, cfg)

	resp, err := http.Post("http://"+a.HTTPAddr()+"/v1/tables/bookings/plan", "application/json",
		strings.NewReader(`{"lower":"2024-06-01","upper":"2024-09-01"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Plan struct {
			Partitions []string `json:"partitions"`
		} `json:"plan"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"p_2024_06", "p_2024_07", "p_2024_08"}, body.Plan.Partitions)

	conn, err := grpc.NewClient(a.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	in, err := structpb.NewStruct(map[string]interface{}{"table": "bookings"})
	require.NoError(t, err)
	out, err := grpcapi.NewPlannerClient(conn).GetScheme(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, float64(1), out.Fields["version"].GetNumberValue())

	metrics, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	text, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), "partplan_plans_total")
	assert.Contains(t, string(text), "go_goroutines")

	// The seed version was published to local snapshot storage.
	local, err := storage.NewLocalStorage(cfg.Snapshots.Path)
	require.NoError(t, err)
	exists, err := local.Exists(context.Background(), storage.SnapshotPath("bookings", 1))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestApp_StopAndRestartKeepsSchemes(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Enabled = false
	cfg.Metrics.Enabled = false

	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Empty(t, a.GRPCAddr())

	_, err = a.Service().AddPartition(context.Background(), "bookings", "p_2025_02_on", types.MustParseKey("2025-02-01"))
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.Stop(context.Background()), "stopping twice is harmless")

	restarted := startApp(t, cfg)
	ts, err := restarted.Service().Scheme(context.Background(), "bookings")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ts.Version)
	assert.Equal(t, 14, ts.Scheme.Len())
}

func TestApp_StartTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPC.Enabled = false
	cfg.Metrics.Enabled = false
	a := startApp(t, cfg)
	assert.Error(t, a.Start(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Snapshots.Type = "ftp"
	_, err := New(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestOpenSnapshotStorage(t *testing.T) {
	objects, err := OpenSnapshotStorage(context.Background(), config.SnapshotConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, objects)

	objects, err = OpenSnapshotStorage(context.Background(), config.SnapshotConfig{
		Enabled: true, Type: "local", Path: t.TempDir(),
	})
	require.NoError(t, err)
	assert.NotNil(t, objects)
}
