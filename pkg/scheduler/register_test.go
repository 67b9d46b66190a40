package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/canteen/pkg/registry"
)

// failingDirectory fails every read and registration
type failingDirectory struct {
	*registry.Memory
}

var errRPC = errors.New("rpc unavailable")

func (failingDirectory) Assignment(context.Context, string) (registry.Assignment, error) {
	return registry.Assignment{}, errRPC
}

func (failingDirectory) IsActive(context.Context, string) (bool, error) { return false, errRPC }
func (failingDirectory) Register(context.Context, string) error         { return errRPC }

// activeCheckFailsDirectory cannot answer IsActive but accepts registration
type activeCheckFailsDirectory struct {
	*registry.Memory
}

func (activeCheckFailsDirectory) IsActive(context.Context, string) (bool, error) { return false, errRPC }

func TestRegisterNodeTwice(t *testing.T) {
	s, dir, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx))
	require.NoError(t, s.RegisterNode(ctx))
	assert.Equal(t, 1, dir.RegisterCalls(), "an active host is never registered again")
}

func TestRegisterNodeDuplicateIsSuccess(t *testing.T) {
	dir := registry.NewMemory()
	require.NoError(t, dir.Register(context.Background(), testHost))

	s := New(DefaultConfig(), activeCheckFailsDirectory{dir}, newFakeRuntime(), StaticHost(testHost), nil)
	assert.NoError(t, s.RegisterNode(context.Background()))
	assert.Equal(t, 2, dir.RegisterCalls(), "IsActive failure still attempts registration")
}

func TestRegisterNodeReadOnly(t *testing.T) {
	s := New(DefaultConfig(), registry.ReadOnly(registry.NewMemory()), newFakeRuntime(), StaticHost(testHost), nil)
	assert.NoError(t, s.RegisterNode(context.Background()))
}

func TestRegisterNodeFatal(t *testing.T) {
	s := New(DefaultConfig(), failingDirectory{registry.NewMemory()}, newFakeRuntime(), StaticHost(testHost), nil)
	err := s.RegisterNode(context.Background())
	assert.ErrorIs(t, err, ErrRegistration)
}

func TestStartFailsWhenRuntimeUnreachable(t *testing.T) {
	rt := newFakeRuntime()
	rt.pingErr = errors.New("dial unix /var/run/docker.sock: connect: no such file")
	dir := registry.NewMemory()
	s := New(DefaultConfig(), dir, rt, StaticHost(testHost), nil)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrRuntimeUnavailable)
	assert.Zero(t, dir.RegisterCalls())
}

func TestStartTicksUntilStopped(t *testing.T) {
	dir := registry.NewMemory()
	rt := newFakeRuntime()
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RecreateDelay = 0
	s := New(cfg, dir, rt, StaticHost(testHost), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	active, _ := dir.IsActive(context.Background(), testHost)
	assert.True(t, active)

	dir.Assign(testHost, assign("imgA"))
	require.Eventually(t, func() bool {
		b, ok := s.Binding()
		return ok && b.Image == "imgA"
	}, 2*time.Second, 5*time.Millisecond)

	// A hung pull must not block shutdown
	rt.mu.Lock()
	rt.pullBlock = make(chan struct{})
	rt.mu.Unlock()
	dir.Assign(testHost, assign("imgB"))
	require.Eventually(t, func() bool { return rt.count("pull") == 2 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	b, _ := s.Binding()
	assert.Equal(t, "imgA", b.Image)
}
