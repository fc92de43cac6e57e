package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/fx"

	"github.com/Aleph-Alpha/mediaset/v1/events"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingInvalidator) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingInvalidator) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// TestRedisEvents publishes from one client and listens with another
// started through the fx module.
func TestRedisEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	host, port, containerInstance := initializeRedis(ctx, t)
	defer func() {
		if err := containerInstance.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()

	cfg := Config{Host: host, Port: port, Channel: "mediaset.test"}
	inv := &recordingInvalidator{}

	var listener *RedisClient
	app := fx.New(
		FXModule,
		fx.Provide(
			func() Config { return cfg },
			func() events.Invalidator { return inv },
			fx.Annotate(func() string { return "listener" }, fx.ResultTags(`name:"event_source"`)),
		),
		fx.Populate(&listener),
	)
	require.NoError(t, app.Start(ctx))
	defer app.Stop(ctx)

	publisher, err := NewClient(cfg)
	require.NoError(t, err)
	defer publisher.Close()

	// The subscription is established asynchronously; publish until the
	// listener has seen a remote event.
	require.Eventually(t, func() bool {
		e := events.New(events.SchemaChanged, "animals", "ground_truth")
		e.Source = "publisher"
		if err := publisher.Publish(ctx, e); err != nil {
			return false
		}
		return len(inv.Names()) > 0
	}, 10*time.Second, 200*time.Millisecond)

	before := len(inv.Names())
	own := events.New(events.DatasetDeleted, "mine")
	own.Source = "listener"
	require.NoError(t, publisher.Publish(ctx, own))
	remote := events.New(events.DatasetDeleted, "theirs")
	remote.Source = "publisher"
	require.NoError(t, publisher.Publish(ctx, remote))

	require.Eventually(t, func() bool {
		names := inv.Names()
		return len(names) > before && names[len(names)-1] == "theirs"
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotContains(t, inv.Names(), "mine")
	assert.Equal(t, "mediaset.test", listener.Channel())
}

func initializeRedis(ctx context.Context, t *testing.T) (string, int, testcontainers.Container) {
	hostPort, err := getFreePort()
	require.NoError(t, err)

	containerInstance, err := createRedisContainer(ctx, hostPort)
	require.NoError(t, err)

	port, err := containerInstance.MappedPort(ctx, "6379")
	require.NoError(t, err)

	host, err := containerInstance.Host(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port.Port()), 2*time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 30*time.Second, 500*time.Millisecond, "Redis port not ready")

	return host, port.Int(), containerInstance
}

func createRedisContainer(ctx context.Context, hostPort string) (testcontainers.Container, error) {
	portBindings := nat.PortMap{
		"6379/tcp": []nat.PortBinding{{HostPort: hostPort}},
	}

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		HostConfigModifier: func(cfg *container.HostConfig) {
			cfg.PortBindings = portBindings
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(30*time.Second),
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	}

	var containerInstance testcontainers.Container
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		containerInstance, lastErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if lastErr == nil {
			return containerInstance, nil
		}
		if strings.Contains(lastErr.Error(), "docker.sock") {
			time.Sleep(time.Duration(attempt+1) * time.Second)
			continue
		}
		break
	}

	return nil, fmt.Errorf("failed to start Redis container after 3 attempts: %w", lastErr)
}

func getFreePort() (string, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	addr := l.Addr().(*net.TCPAddr)
	return strconv.Itoa(addr.Port), nil
}
