package eventsource

import (
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Names of the built-in providers.
const (
	RuntimeProvider  = "Go-Runtime"
	SamplerProvider  = "Sample-Profiler"
	RundownProvider  = "Runtime-Rundown"
	KeywordGC        = session.Keywords(0x1)
	KeywordScheduler = session.Keywords(0x10000)
)

// Events of the built-in providers.
var (
	EventGCStart    = Event{ID: 1, Name: "GCStart", Level: session.LevelInformational, Keywords: KeywordGC}
	EventGCStop     = Event{ID: 2, Name: "GCStop", Level: session.LevelInformational, Keywords: KeywordGC}
	EventGCHeapStat = Event{ID: 4, Name: "GCHeapStats", Level: session.LevelInformational, Keywords: KeywordGC}

	EventThreadStart              = Event{ID: 50, Name: "ThreadStart", Level: session.LevelInformational, Keywords: KeywordScheduler}
	EventThreadStop               = Event{ID: 51, Name: "ThreadStop", Level: session.LevelInformational, Keywords: KeywordScheduler}
	EventGoroutineAdjustment      = Event{ID: 54, Name: "GoroutineAdjustment", Level: session.LevelInformational, Keywords: KeywordScheduler}
	EventGoroutineSample          = Event{ID: 55, Name: "GoroutineAdjustmentSample", Level: session.LevelInformational, Keywords: KeywordScheduler}

	EventThreadSample = Event{ID: 1, Name: "ThreadSample", Level: session.LevelInformational}

	EventModuleRundown   = Event{ID: 153, Name: "ModuleRundown", Level: session.LevelInformational}
	EventRundownComplete = Event{ID: 146, Name: "RundownComplete", Level: session.LevelInformational}
)

const (
	pollInterval   = 10 * time.Millisecond
	samplesPerTick = 10
)

func builtins() []*Source {
	return []*Source{
		NewControlledSource(RuntimeProvider, &poller{poll: newRuntimeProbe().poll}),
		NewControlledSource(SamplerProvider, &poller{poll: sampleThreads}),
		NewSource(RundownProvider),
	}
}

// poller calls poll every pollInterval while the source is enabled and
// once more on stop.
type poller struct {
	poll func(emit func(Event, []byte), final bool)

	mx   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *poller) Start(src *Source) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	// first call sets the baseline
	p.poll(func(Event, []byte) {}, false)
	go p.loop(src, p.stop, p.done)
}

func (p *poller) loop(src *Source, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.poll(src.Write, false)
		}
	}
}

func (p *poller) Stop(_ *Source, final func(Event, []byte)) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
	p.poll(final, true)
}

// runtimeProbe turns changes of runtime counters into events.
type runtimeProbe struct {
	samples    []metrics.Sample
	cycles     uint64
	threads    int
	goroutines int
	ticks      int
}

func newRuntimeProbe() *runtimeProbe {
	return &runtimeProbe{
		samples: []metrics.Sample{
			{Name: "/gc/cycles/total:gc-cycles"},
			{Name: "/gc/heap/live:bytes"},
		},
	}
}

func (r *runtimeProbe) poll(emit func(Event, []byte), final bool) {
	metrics.Read(r.samples)
	cycles := uint64At(r.samples[0])
	live := uint64At(r.samples[1])
	threads := pprof.Lookup("threadcreate").Count()
	goroutines := runtime.NumGoroutine()

	r.ticks++
	if r.ticks == 1 {
		r.cycles, r.threads, r.goroutines = cycles, threads, goroutines
		return
	}

	for gen := r.cycles + 1; gen <= cycles; gen++ {
		payload := strconv.AppendUint(nil, gen, 10)
		emit(EventGCStart, payload)
		emit(EventGCStop, payload)
		emit(EventGCHeapStat, strconv.AppendUint(nil, live, 10))
	}
	r.cycles = max(r.cycles, cycles)

	// threads which exit while locked leave the profile
	for range threads - r.threads {
		emit(EventThreadStart, nil)
	}
	for range r.threads - threads {
		emit(EventThreadStop, nil)
	}
	r.threads = threads

	if goroutines != r.goroutines {
		emit(EventGoroutineAdjustment, strconv.AppendInt(nil, int64(goroutines), 10))
		r.goroutines = goroutines
	}
	if final || r.ticks%samplesPerTick == 0 {
		emit(EventGoroutineSample, strconv.AppendInt(nil, int64(goroutines), 10))
	}
	if final {
		// next Start takes a fresh baseline
		r.ticks = 0
	}
}

func uint64At(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}

func sampleThreads(emit func(Event, []byte), _ bool) {
	emit(EventThreadSample, strconv.AppendInt(nil, int64(runtime.NumGoroutine()), 10))
}

// rundown describes the loaded modules, main module first.
func rundown(emit func(trace.Record)) {
	src := &Source{name: RundownProvider}
	if info, ok := debug.ReadBuildInfo(); ok {
		emit(src.record(EventModuleRundown, []byte(info.Main.Path+"@"+info.Main.Version)))
		for _, dep := range info.Deps {
			emit(src.record(EventModuleRundown, []byte(dep.Path+"@"+dep.Version)))
		}
	}
	emit(src.record(EventRundownComplete, nil))
}
