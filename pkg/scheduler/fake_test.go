package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/dd0wney/canteen/pkg/runtime"
)

// fakeRuntime is an in-memory container engine that records every call
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.Container
	order      []string
	nextID     int
	calls      map[string]int
	log        []string

	// ports holds each created container's published ports. Start fails
	// like the engine does when another running container holds one.
	ports map[string][]runtime.Port

	pingErr  error
	pullErr  map[string]error
	startErr map[string]error // by image
	stopErr  map[string]error // by image
	// pullBlock, when set, holds pulls until closed or cancelled
	pullBlock chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*runtime.Container),
		calls:      make(map[string]int),
		pullErr:    make(map[string]error),
		startErr:   make(map[string]error),
		stopErr:    make(map[string]error),
		ports:      make(map[string][]runtime.Port),
	}
}

func (f *fakeRuntime) record(op, arg string) {
	f.calls[op]++
	f.log = append(f.log, op+" "+arg)
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func (f *fakeRuntime) Pull(ctx context.Context, ref string) iter.Seq[runtime.PullEvent] {
	return func(yield func(runtime.PullEvent) bool) {
		f.mu.Lock()
		f.record("pull", ref)
		err := f.pullErr[ref]
		block := f.pullBlock
		f.mu.Unlock()

		if !yield(runtime.PullEvent{Status: "Pulling from library", ID: ref}) {
			return
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				yield(runtime.PullEvent{Err: ctx.Err()})
				return
			}
		}
		if err != nil {
			yield(runtime.PullEvent{Err: err})
			return
		}
		yield(runtime.PullEvent{Done: true})
	}
}

func (f *fakeRuntime) List(context.Context) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	out := make([]runtime.Container, 0, len(f.order))
	for _, id := range f.order {
		if c, ok := f.containers[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.record("create", spec.Image)
	f.containers[id] = &runtime.Container{ID: id, Image: spec.Image, Labels: spec.Labels}
	f.ports[id] = spec.Ports
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: no such container %s", runtime.ErrRuntime, id)
	}
	if err := f.startErr[c.Image]; err != nil {
		return err
	}
	for other, o := range f.containers {
		if other == id || !o.Running {
			continue
		}
		for _, want := range f.ports[id] {
			for _, held := range f.ports[other] {
				if want.HostPort == held.HostPort && want.Protocol == held.Protocol {
					return fmt.Errorf("%w: %s: port is already allocated", errPortAllocated, held)
				}
			}
		}
	}
	c.Running = true
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", id)
	if c, ok := f.containers[id]; ok {
		if err := f.stopErr[c.Image]; err != nil {
			return err
		}
		c.Running = false
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove", id)
	delete(f.containers, id)
	delete(f.ports, id)
	return nil
}

// mutations counts calls that change runtime state
func (f *fakeRuntime) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["pull"] + f.calls["create"] + f.calls["start"] + f.calls["stop"] + f.calls["remove"]
}

func (f *fakeRuntime) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRuntime) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
	f.log = nil
}

func (f *fakeRuntime) running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.order {
		if c, ok := f.containers[id]; ok && c.Running {
			out = append(out, id)
		}
	}
	return out
}

// addContainer seeds a pre-existing container
func (f *fakeRuntime) addContainer(image string, running bool, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &runtime.Container{ID: id, Image: image, Running: running, Labels: labels}
	f.order = append(f.order, id)
	return id
}

// isRunning reports whether id exists and runs
func (f *fakeRuntime) isRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.Running
}

var (
	errPull          = errors.New("manifest unknown")
	errPortAllocated = errors.New("bind failed")
)
