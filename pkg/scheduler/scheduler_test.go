package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/registry"
	"github.com/dd0wney/canteen/pkg/runtime"
)

const testHost = "10.0.0.1:5000"

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Memory, *fakeRuntime) {
	t.Helper()
	dir := registry.NewMemory()
	rt := newFakeRuntime()
	cfg := DefaultConfig()
	cfg.RecreateDelay = 0
	s := New(cfg, dir, rt, StaticHost(testHost), nil)
	return s, dir, rt
}

func assign(image string) registry.Assignment {
	return registry.Assignment{Image: image}
}

func TestTickIdempotent(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	rt.resetCalls()

	require.NoError(t, s.Tick(ctx))
	assert.Zero(t, rt.mutations(), "second tick with unchanged assignment must not touch the runtime")
}

func TestUnassignedToImage(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	// Nothing assigned and nothing bound: no runtime calls
	require.NoError(t, s.Tick(ctx))
	assert.Zero(t, rt.mutations())

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))

	assert.Equal(t, 1, rt.count("create"))
	assert.Equal(t, 1, rt.count("start"))
	assert.Zero(t, rt.count("stop"))
	assert.Zero(t, rt.count("remove"))

	b, ok := s.Binding()
	require.True(t, ok)
	assert.Equal(t, "imgA", b.Image)
	assert.True(t, b.Running)
	assert.Equal(t, "imgA", s.LastApplied().Image)
}

func TestImageToImage(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	old, _ := s.Binding()
	rt.resetCalls()

	// Both images fall back to the default port, so the old container
	// must release it before the new one can start
	dir.Assign(testHost, assign("imgB"))
	require.NoError(t, s.Tick(ctx))

	b, ok := s.Binding()
	require.True(t, ok)
	assert.Equal(t, "imgB", b.Image)
	assert.Equal(t, "imgB", s.LastApplied().Image)
	assert.NotEqual(t, old.ContainerID, b.ContainerID)
	assert.Equal(t, []string{b.ContainerID}, rt.running())

	assert.Equal(t, []string{
		"pull imgB",
		"create imgB",
		"stop " + old.ContainerID,
		"start " + b.ContainerID,
		"remove " + old.ContainerID,
	}, rt.log)

	rt.resetCalls()
	require.NoError(t, s.Tick(ctx))
	assert.Zero(t, rt.mutations(), "converged after one tick")
}

func TestImageToImageConvergesOverManyTicks(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	dir.Assign(testHost, assign("imgB"))

	for i := range 10 {
		require.NoError(t, s.Tick(ctx), "tick %d", i)
	}

	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
	assert.Equal(t, "imgB", s.LastApplied().Image)
	assert.Equal(t, 2, rt.count("pull"))
	assert.Equal(t, 2, rt.count("create"))
}

func TestImageToImageDistinctPortsStartsFirst(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, registry.Assignment{Image: "imgA", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 8080}}})
	require.NoError(t, s.Tick(ctx))
	old, _ := s.Binding()
	rt.resetCalls()

	dir.Assign(testHost, registry.Assignment{Image: "imgB", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 9090}}})
	require.NoError(t, s.Tick(ctx))

	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
	assert.Equal(t, []string{
		"pull imgB",
		"create imgB",
		"start " + b.ContainerID,
		"stop " + old.ContainerID,
		"remove " + old.ContainerID,
	}, rt.log)
}

func TestImageToUnassigned(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	old, _ := s.Binding()
	rt.resetCalls()

	dir.Unassign(testHost)
	require.NoError(t, s.Tick(ctx))

	_, ok := s.Binding()
	assert.False(t, ok)
	assert.Equal(t, []string{"stop " + old.ContainerID, "remove " + old.ContainerID}, rt.log)

	rt.resetCalls()
	for range 3 {
		require.NoError(t, s.Tick(ctx))
	}
	assert.Zero(t, rt.count("pull"), "no pulls until a workload is assigned again")
}

func TestPullFailureRetriesNextTick(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	before, _ := s.Binding()

	rt.pullErr["imgB"] = errPull
	dir.Assign(testHost, assign("imgB"))

	err := s.Tick(ctx)
	var pe *runtime.PullError
	require.ErrorAs(t, err, &pe)

	after, ok := s.Binding()
	require.True(t, ok)
	assert.Equal(t, before, after, "binding untouched by failed pull")
	assert.Equal(t, "imgA", s.LastApplied().Image)

	delete(rt.pullErr, "imgB")
	rt.resetCalls()
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, rt.count("pull"), "same transition retried")

	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
}

func TestStartFailureRestoresOldBinding(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	before, _ := s.Binding()
	rt.resetCalls()

	rt.startErr["imgB"] = errors.New("exec format error")
	dir.Assign(testHost, assign("imgB"))
	require.Error(t, s.Tick(ctx))

	after, _ := s.Binding()
	assert.Equal(t, before, after)
	assert.Equal(t, "imgA", s.LastApplied().Image)
	assert.Equal(t, []string{before.ContainerID}, rt.running(), "old workload restarted")

	// The container created for the failed start is cleaned up
	list, _ := rt.List(ctx)
	assert.Len(t, list, 1)
	assert.Equal(t, "start "+before.ContainerID, rt.log[len(rt.log)-1])

	// The same transition is retried and completes once the image starts
	delete(rt.startErr, "imgB")
	require.NoError(t, s.Tick(ctx))
	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
	assert.Equal(t, []string{b.ContainerID}, rt.running())
}

func TestStartFailureWithoutRestoreStaysConsistent(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	before, _ := s.Binding()

	rt.startErr["imgA"] = errors.New("oci runtime error")
	rt.startErr["imgB"] = errors.New("exec format error")
	dir.Assign(testHost, assign("imgB"))
	require.Error(t, s.Tick(ctx))

	after, ok := s.Binding()
	require.True(t, ok)
	assert.Equal(t, before.ContainerID, after.ContainerID)
	assert.False(t, after.Running, "binding reports the stopped container")
	assert.Equal(t, "imgA", s.LastApplied().Image)
	assert.Empty(t, rt.running())

	delete(rt.startErr, "imgA")
	delete(rt.startErr, "imgB")
	require.NoError(t, s.Tick(ctx))
	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
	assert.True(t, b.Running)
	assert.False(t, rt.isRunning(before.ContainerID))
	list, _ := rt.List(ctx)
	assert.Len(t, list, 1, "old container removed")
}

func TestHandoffStopFailureKeepsOldBinding(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	before, _ := s.Binding()

	rt.stopErr["imgA"] = errors.New("device busy")
	dir.Assign(testHost, assign("imgB"))
	assert.ErrorIs(t, s.Tick(ctx), ErrTeardown)

	after, _ := s.Binding()
	assert.Equal(t, before, after)
	assert.Equal(t, []string{before.ContainerID}, rt.running())
	list, _ := rt.List(ctx)
	assert.Len(t, list, 1, "unstarted container removed")
}

func TestFailedTeardownRetriedOnLaterTicks(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, registry.Assignment{Image: "imgA", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 8080}}})
	require.NoError(t, s.Tick(ctx))
	old, _ := s.Binding()

	rt.stopErr["imgA"] = errors.New("device busy")
	dir.Assign(testHost, registry.Assignment{Image: "imgB", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 9090}}})
	require.NoError(t, s.Tick(ctx))

	b, _ := s.Binding()
	assert.Equal(t, "imgB", b.Image)
	assert.Equal(t, []string{old.ContainerID}, s.pending)
	assert.True(t, rt.isRunning(old.ContainerID))

	// Still failing: kept for the next tick
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, []string{old.ContainerID}, s.pending)

	delete(rt.stopErr, "imgA")
	require.NoError(t, s.Tick(ctx))
	assert.Empty(t, s.pending)
	assert.Equal(t, []string{b.ContainerID}, rt.running())
	list, _ := rt.List(ctx)
	assert.Len(t, list, 1)
}

func TestRunningContainerOfTargetImageReplaced(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	stray := rt.addContainer("imgA", true, nil)

	var slept time.Duration
	s.cfg.RecreateDelay = 3 * time.Second
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))

	assert.Equal(t, 3*time.Second, slept)
	b, _ := s.Binding()
	assert.NotEqual(t, stray, b.ContainerID)
	assert.Equal(t, []string{b.ContainerID}, rt.running())
	assert.Equal(t, 1, rt.count("stop"))
	assert.Equal(t, 1, rt.count("remove"))
}

func TestStoppedContainerReused(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	ports := s.resolvePorts(assign("imgA"))
	other := rt.addContainer("imgA", false, map[string]string{LabelPorts: "9999/tcp->9999"})
	match := rt.addContainer("imgA", false, map[string]string{LabelPorts: portsLabel(ports)})

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))

	b, _ := s.Binding()
	assert.Equal(t, match, b.ContainerID)
	assert.NotEqual(t, other, b.ContainerID)
	assert.Zero(t, rt.count("create"))
	assert.Equal(t, 1, rt.count("start"))
}

func TestPortChangeOnSameImage(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	dir.Assign(testHost, registry.Assignment{Image: "imgA", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 8080}}})
	require.NoError(t, s.Tick(ctx))
	old, _ := s.Binding()

	dir.Assign(testHost, registry.Assignment{Image: "imgA", Ports: []registry.PortMapping{{ContainerPort: 80, HostPort: 9090}}})
	require.NoError(t, s.Tick(ctx))

	b, ok := s.Binding()
	require.True(t, ok)
	assert.NotEqual(t, old.ContainerID, b.ContainerID)
	assert.Equal(t, []string{b.ContainerID}, rt.running())
	assert.Equal(t, uint16(9090), s.LastApplied().Ports[0].HostPort)
}

func TestDefaultPorts(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	ports := s.resolvePorts(assign("imgA"))
	require.Len(t, ports, 1)
	assert.Equal(t, runtime.Port{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}, ports[0])

	ports = s.resolvePorts(registry.Assignment{Image: "imgA", Ports: []registry.PortMapping{{ContainerPort: 53, Protocol: "udp"}}})
	assert.Equal(t, "53/udp->53", ports[0].String())
}

func TestAssignmentReadErrorSkipsTick(t *testing.T) {
	rt := newFakeRuntime()
	s := New(DefaultConfig(), failingDirectory{registry.NewMemory()}, rt, StaticHost(testHost), nil)

	err := s.Tick(context.Background())
	assert.ErrorIs(t, err, ErrAssignmentRead)
	assert.Zero(t, rt.mutations())
}

func TestOverlappingTickSkipped(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	reg := metrics.NewRegistry()
	s.metrics = reg
	rt.pullBlock = make(chan struct{})

	dir.Assign(testHost, assign("imgA"))

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()
	require.Eventually(t, func() bool { return rt.count("pull") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, rt.count("pull"), "overlapping tick must not start a second rebind")

	close(rt.pullBlock)
	require.NoError(t, <-done)
}

func TestCleanupIdempotent(t *testing.T) {
	s, dir, rt := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Cleanup(ctx))
	assert.Zero(t, rt.mutations())

	dir.Assign(testHost, assign("imgA"))
	require.NoError(t, s.Tick(ctx))
	rt.resetCalls()

	require.NoError(t, s.Cleanup(ctx))
	require.NoError(t, s.Cleanup(ctx))
	assert.Equal(t, 1, rt.count("stop"))
	assert.Equal(t, 1, rt.count("remove"))
	assert.True(t, s.LastApplied().Unassigned())

	// After cleanup the assignment is applied afresh
	require.NoError(t, s.Tick(ctx))
	_, ok := s.Binding()
	assert.True(t, ok)
}

func TestCleanupGivesUpWhenTickHeld(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	// Simulate a tick that ignores cancellation
	s.tickSem <- struct{}{}
	defer func() { <-s.tickSem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Cleanup(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostPortsOverlap(t *testing.T) {
	tcp8080 := runtime.Port{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}
	tests := []struct {
		name string
		a, b []runtime.Port
		want bool
	}{
		{"same host port", []runtime.Port{tcp8080}, []runtime.Port{{ContainerPort: 8080, HostPort: 8080, Protocol: "tcp"}}, true},
		{"other protocol", []runtime.Port{tcp8080}, []runtime.Port{{ContainerPort: 80, HostPort: 8080, Protocol: "udp"}}, false},
		{"other host port", []runtime.Port{tcp8080}, []runtime.Port{{ContainerPort: 80, HostPort: 9090, Protocol: "tcp"}}, false},
		{"no previous ports", nil, []runtime.Port{tcp8080}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hostPortsOverlap(tt.a, tt.b))
		})
	}
}
