package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/dingzd/internal/devlock"
	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/ledger"
	"github.com/dokzlo13/dingzd/internal/resilience"
	"github.com/dokzlo13/dingzd/internal/topology"
)

const testMAC = "F008D1C0FFEE"

// fakeDevice emulates the subset of the dingz and myStrom APIs the sessions use.
type fakeDevice struct {
	mu sync.Mutex

	devType     int
	mode        int
	hasPIR      bool
	inputActive bool
	outputs     []string

	dimmers  [4]dingz.DimmerState
	shades   map[int]dingz.Shade
	motion   bool
	temp     float64
	light    int
	led      dingz.LEDState
	callback string

	relay     bool
	bulb      map[string]any
	infoFails int
	fail      bool
	hits      map[string]int
	posts     []string
	postForms []map[string]string

	latency     atomic.Int64 // per-request delay in nanoseconds, applied outside mu
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeDingz() *fakeDevice {
	f := &fakeDevice{
		devType: int(dingz.TypeDingz),
		mode:    1,
		outputs: []string{"halogen", "non_dimmable", "led", "led"},
		shades:  map[int]dingz.Shade{},
		led:     dingz.LEDState{On: true, HSV: "0;0;100", Mode: "hsv"},
		hits:    map[string]int{},
		temp:    21.5,
	}
	for i := range f.dimmers {
		f.dimmers[i].Index = dingz.Index{Relative: i, Absolute: i}
	}
	return f
}

func (f *fakeDevice) set(fn func(f *fakeDevice)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeDevice) hit(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeDevice) totalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.hits {
		n += v
	}
	return n
}

func (f *fakeDevice) postedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if d := time.Duration(f.latency.Load()); d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	f.hits[path]++

	if f.fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodPost {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.posts = append(f.posts, path)
		f.postForms = append(f.postForms, form)
		if path == "/api/v1/action/generic/generic" {
			f.callback = form["url"]
		}
		return
	}

	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case path == "/api/v1/info":
		if f.infoFails > 0 {
			f.infoFails--
			http.Error(w, "booting", http.StatusServiceUnavailable)
			return
		}
		reply(map[string]any{"version": "1.4.7", "mac": testMAC, "type": f.devType})
	case path == "/api/v1/device" && f.bulb != nil:
		reply(map[string]any{testMAC: f.bulb})
	case path == "/api/v1/device":
		reply(map[string]any{testMAC: map[string]any{
			"type": "dingz", "fw_version": "1.4.7", "hw_version": "1.2",
			"has_pir": f.hasPIR, "dip_config": f.mode,
		}})
	case path == "/api/v1/dimmer_config":
		dimmers := make([]map[string]string, len(f.outputs))
		for i, o := range f.outputs {
			dimmers[i] = map[string]string{"output": o}
		}
		reply(map[string]any{"dimmers": dimmers})
	case path == "/api/v1/input_config":
		reply(map[string]any{"inputs": []map[string]bool{{"active": f.inputActive}, {"active": false}}})
	case path == "/api/v1/state":
		reply(map[string]any{"dimmers": f.dimmers[:], "led": f.led})
	case strings.HasPrefix(path, "/api/v1/shade/"):
		n, _ := strconv.Atoi(strings.TrimPrefix(path, "/api/v1/shade/"))
		reply(f.shades[n])
	case path == "/api/v1/motion":
		reply(map[string]any{"success": true, "motion": f.motion})
	case path == "/api/v1/temp":
		reply(map[string]any{"success": true, "temperature": f.temp})
	case path == "/api/v1/light":
		reply(map[string]any{"success": true, "intensity": f.light, "state": "day"})
	case path == "/api/v1/led/get":
		reply(f.led)
	case path == "/api/v1/action/generic/generic":
		_, _ = w.Write([]byte(f.callback))
	case path == "/report":
		reply(map[string]any{"power": 1.5, "relay": f.relay, "temperature": f.temp})
	case path == "/relay":
		f.relay = r.URL.Query().Get("state") == "1"
	default:
		http.NotFound(w, r)
	}
}

type memSnapshots struct {
	mu    sync.Mutex
	items map[string]topology.Snapshot
	vers  map[string]int64
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{items: map[string]topology.Snapshot{}, vers: map[string]int64{}}
}

func (m *memSnapshots) Get(_ context.Context, id string) (topology.Snapshot, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id], m.vers[id], nil
}

func (m *memSnapshots) Set(_ context.Context, id string, v topology.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = v
	m.vers[id]++
	return nil
}

func (m *memSnapshots) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	delete(m.vers, id)
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []ledger.EventType
}

func (m *memRecorder) Append(_ context.Context, t ledger.EventType, _ string, _ map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, t)
	return strconv.Itoa(len(m.events)), nil
}

func (m *memRecorder) has(t ledger.EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == t {
			return true
		}
	}
	return false
}

func testOptions() Options {
	o := DefaultOptions()
	o.Polling = PollIntervals{
		Outputs: time.Hour,
		Cover:   time.Hour,
		Motion:  time.Hour,
		LED:     time.Hour,
		Sensors: time.Hour,
	}
	o.Retry = resilience.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}
	o.Breaker = resilience.BreakerConfig{Threshold: 5, Cooldown: 20 * time.Millisecond}
	o.SlowRetry = resilience.SlowRetryConfig{Floor: time.Millisecond, Ceiling: 5 * time.Millisecond}
	o.ReconcileInterval = time.Hour
	return o
}

type harness struct {
	fake      *fakeDevice
	bus       *eventbus.Bus
	snapshots *memSnapshots
	recorder  *memRecorder
	session   *Session
}

func newHarness(t *testing.T, fake *fakeDevice, family Family, opts Options) *harness {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	h := &harness{
		fake:      fake,
		bus:       eventbus.New(),
		snapshots: newMemSnapshots(),
		recorder:  &memRecorder{},
	}
	id := Identity{MAC: testMAC, Address: strings.TrimPrefix(srv.URL, "http://"), Family: family}
	h.session = newSession(id, opts, h.bus, devlock.New(), h.snapshots, h.recorder)
	return h
}

// installed registers and installs the topology without starting any task,
// so poll functions can be driven one tick at a time.
func (h *harness) installed(t *testing.T) *Session {
	t.Helper()
	s := h.session
	snap, err := s.register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.install(snap); err != nil {
		t.Fatalf("install: %v", err)
	}
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()
	t.Cleanup(s.Shutdown)
	return s
}

// stateEvents counts StateUpdated events per channel.
type stateEvents struct {
	mu     sync.Mutex
	counts map[string]int
}

func countStateEvents(bus *eventbus.Bus) *stateEvents {
	c := &stateEvents{counts: map[string]int{}}
	bus.Subscribe(eventbus.KindStateUpdated, func(ev eventbus.Event) {
		c.mu.Lock()
		c.counts[ev.(eventbus.StateUpdated).ChannelID]++
		c.mu.Unlock()
	})
	return c
}

func (c *stateEvents) get(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[channel]
}

func channelIDs(chs []Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = ch.ID
	}
	return out
}
