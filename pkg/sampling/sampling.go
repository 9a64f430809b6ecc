// Package sampling implements the Sampling Loop of spec §4.7: a
// single-threaded cooperative scheduler that suspends the target,
// samples it, resumes it, sleeps a jittered period, and repeats — with
// subprocess discovery, a behind-schedule metric, and clean cancellation.
//
// Grounded on the teacher's retrySocketDial (commands/docker.go): a
// select{ctx.Done / time.After(jittered wait)} loop, with a fresh wait
// computed every tick, is exactly the
// "proactive jittered scheduling" shape spec §4.7 calls for (see
// SPEC_FULL.md's DOMAIN STACK for why github.com/boz/go-throttle's
// reactive trigger model was rejected in favor of this).
package sampling

import (
	"context"
	"math/rand"
	"time"

	"github.com/samber/lo"
	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/benfred/py-spy/pkg/layout"
	"github.com/benfred/py-spy/pkg/locator"
	pserrors "github.com/benfred/py-spy/pkg/errors"
	"github.com/benfred/py-spy/pkg/process"
	"github.com/benfred/py-spy/pkg/sampler"
	"github.com/benfred/py-spy/pkg/stream"
	"github.com/benfred/py-spy/pkg/tasks"
	"github.com/benfred/py-spy/pkg/utils"
	"github.com/benfred/py-spy/pkg/version"
)

// Stats is the behind-schedule metric and dropped-sample counter
// SPEC_FULL's expansion of §4.7 asks for, polled by main.go for the
// final summary (spec §7 "produces a final summary").
type Stats struct {
	SamplesEmitted uint64
	SamplesDropped uint64
	TicksBehind    uint64
	Relocations    uint64
	SuspendDepth   int
	LastError      string
}

// Options configures one Loop (spec §4.7 plus SPEC_FULL's --duration
// addition).
type Options struct {
	Period              time.Duration
	JitterFraction      float64 // spec §4.7: jitter uniform in ±period/10 by default (fraction=0.1)
	Nonblocking         bool
	Subprocess          bool
	Duration            time.Duration // 0 means unbounded; SPEC_FULL supplemental deadline
	LayoutMismatchLimit int
	SamplerOptions      sampler.Options
}

// Loop drives Process Handle -> Version Probe -> Interpreter Locator ->
// Stack Sampler for one target, optionally spawning a sub-Loop per
// discovered child process (spec §4.7 Subprocess mode, §5 "one
// additional thread per sub-process... independent loop").
type Loop struct {
	pid     int
	opts    Options
	log     *logrus.Entry
	encoder *stream.Encoder

	mu           deadlock.Mutex
	root         *locator.Root
	lay          layout.Layout
	suspendCount int
	stats        Stats

	retryClassifier *pserrors.RetryClassifier
	tasks           *tasks.Manager
	knownChildren   map[int]bool
}

// New builds a Loop for pid. The caller owns calling Run and must
// eventually drain the encoder's underlying writer.
func New(pid int, opts Options, log *logrus.Entry, encoder *stream.Encoder) *Loop {
	if opts.Period <= 0 {
		opts.Period = 10 * time.Millisecond
	}
	if opts.JitterFraction <= 0 {
		opts.JitterFraction = 0.1
	}
	if opts.LayoutMismatchLimit <= 0 {
		opts.LayoutMismatchLimit = 3
	}
	return &Loop{
		pid:             pid,
		opts:            opts,
		log:             log.WithField("pid", pid),
		encoder:         encoder,
		retryClassifier: pserrors.NewRetryClassifier(opts.LayoutMismatchLimit),
		tasks:           tasks.NewManager(),
		knownChildren:   map[int]bool{},
	}
}

// Run attaches to the target and drives ticks until ctx is cancelled,
// the target vanishes, or opts.Duration elapses (spec §4.7 Termination).
// Cancellation always completes any in-progress sample and resumes the
// target before returning (spec §5 "this is the only guarantee
// preventing a frozen target").
func (l *Loop) Run(ctx context.Context) error {
	handle, err := process.Open(l.pid, l.opts.Nonblocking)
	if err != nil {
		return err
	}
	defer handle.Close()

	if err := handle.Attach(ctx); err != nil {
		return err
	}

	if err := l.locate(ctx, handle); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if l.opts.Duration > 0 {
		timer := time.NewTimer(l.opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		wait := jitter(l.opts.Period, l.opts.JitterFraction)
		select {
		case <-ctx.Done():
			l.tasks.StopAll()
			return nil
		case <-deadline:
			l.tasks.StopAll()
			return nil
		case <-time.After(wait):
		}

		tickStart := time.Now()
		if err := l.tick(ctx, handle); err != nil {
			if pserrors.Is(err, pserrors.TargetGone) {
				l.tasks.StopAll()
				return nil
			}
			if pserrors.Is(err, pserrors.Cancelled) {
				l.tasks.StopAll()
				return nil
			}
			action := pserrors.Classify(err)
			if action == pserrors.ActionAbort {
				l.tasks.StopAll()
				return err
			}
			l.recordError(err)
		}

		if time.Since(tickStart) > l.opts.Period {
			l.mu.Lock()
			l.stats.TicksBehind++
			l.mu.Unlock()
		}

		if l.opts.Subprocess {
			l.discoverChildren(ctx, handle)
		}
	}
}

// tick runs one suspend -> sample -> resume cycle (spec §4.7 "Sample").
func (l *Loop) tick(ctx context.Context, handle process.Handle) error {
	preSuspendThreads, _ := handle.Threads()
	threadStates := make(map[int]process.Thread, len(preSuspendThreads))
	for _, t := range preSuspendThreads {
		threadStates[t.ID] = t
	}

	if !l.opts.Nonblocking {
		if err := l.suspend(handle); err != nil {
			return err
		}
		defer l.resume(handle)
	}

	l.mu.Lock()
	root := l.root
	lay := l.lay
	l.mu.Unlock()

	if root == nil {
		return pserrors.New(pserrors.LayoutMismatch, "no located root")
	}

	samp := sampler.New(handle, lay, l.opts.SamplerOptions)
	snapshots, err := samp.Sample(root.Address, root.GILOwnerAddr, threadStates)
	if err != nil {
		l.invalidateRoot()
		l.bumpDropped()
		if l.retryClassifier.Observe(false) {
			return pserrors.Newf(pserrors.LayoutMismatch, "layout disagreement repeated %d times: %v", l.retryClassifier.Count(), err)
		}
		if relocErr := l.locate(ctx, handle); relocErr != nil {
			return relocErr
		}
		return nil
	}
	l.retryClassifier.Observe(true)

	sample := stream.Sample{
		TimestampNs:  uint64(time.Now().UnixNano()),
		WallSequence: l.nextSequence(),
		Pid:          l.pid,
		Threads:      snapshots,
	}
	if err := l.encoder.Encode(sample); err != nil {
		return pserrors.Newf(pserrors.Internal, "encode sample: %v", err)
	}

	l.mu.Lock()
	l.stats.SamplesEmitted++
	l.mu.Unlock()
	return nil
}

// suspend/resume implement spec §4.7's nested suspend scope; guarded by
// a deadlock-detecting mutex since a stuck suspend/resume pair here is
// precisely the failure mode spec §8 property 3 tests against.
func (l *Loop) suspend(handle process.Handle) error {
	l.mu.Lock()
	l.suspendCount++
	l.mu.Unlock()
	return handle.Suspend()
}

func (l *Loop) resume(handle process.Handle) {
	_ = handle.Resume()
	l.mu.Lock()
	l.suspendCount--
	l.mu.Unlock()
}

// locate runs Version Probe then Interpreter Locator (spec §4.7 "on
// layout drift, invalidates the located root and re-runs Version Probe
// -> Interpreter Locator").
func (l *Loop) locate(ctx context.Context, handle process.Handle) error {
	modules, err := moduleCandidates(handle)
	if err != nil {
		return err
	}

	v, err := version.Probe(modules)
	if err != nil {
		return err
	}

	registry := layout.NewRegistry()
	lay, err := registry.Lookup(v.Bucket(), v.PointerWidth)
	if err != nil {
		return err
	}

	threads, _ := handle.Threads()
	knownTids := lo.Map(threads, func(t process.Thread, _ int) int { return t.ID })

	root, err := locator.Locate(handle, modules, lay, knownTids)
	if err != nil {
		return err
	}
	if root.BytesScanned > 0 {
		l.log.WithField("strategy", root.Strategy).Debugf("interpreter root found after scanning %s", utils.FormatBinaryBytes(int(root.BytesScanned)))
	}

	l.mu.Lock()
	l.lay = lay
	l.root = &root
	l.mu.Unlock()

	l.mu.Lock()
	l.stats.Relocations++
	l.mu.Unlock()
	return nil
}

func (l *Loop) invalidateRoot() {
	l.mu.Lock()
	l.root = nil
	l.mu.Unlock()
}

func (l *Loop) bumpDropped() {
	l.mu.Lock()
	l.stats.SamplesDropped++
	l.mu.Unlock()
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	l.stats.LastError = err.Error()
	l.mu.Unlock()
	l.log.WithError(err).Warn("sampling tick failed")
}

var sequenceCounter uint64

func (l *Loop) nextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	sequenceCounter++
	return sequenceCounter
}

// Stats returns a snapshot of the loop's counters, including the
// current suspend-scope depth so callers/tests can verify it always
// settles back to zero between ticks (spec §8 property 3).
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.SuspendDepth = l.suspendCount
	return s
}

// discoverChildren diffs the target's current child-pid set against the
// cached one and spawns an independent sub-Loop for each newly seen
// child (spec §4.7 Subprocess mode).
func (l *Loop) discoverChildren(ctx context.Context, handle process.Handle) {
	children, err := handle.ChildPids()
	if err != nil {
		return
	}

	l.mu.Lock()
	var known []int
	for pid := range l.knownChildren {
		known = append(known, pid)
	}
	l.mu.Unlock()

	newPids, _ := lo.Difference(children, known)

	for _, childPid := range newPids {
		l.mu.Lock()
		l.knownChildren[childPid] = true
		l.mu.Unlock()

		pid := childPid
		l.tasks.Start(pid, func(stop chan struct{}) {
			childOpts := l.opts // Subprocess stays true: each child discovers its own grandchildren
			child := New(pid, childOpts, l.log, l.encoder)
			childCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				<-stop
				cancel()
			}()
			if err := child.Run(childCtx); err != nil {
				l.log.WithError(err).WithField("child_pid", pid).Warn("subprocess sampling loop exited")
			}
		})
	}
}

// moduleCandidates builds the Version Probe / Locator's module list from
// the target's current memory map: every distinct file-backed executable
// region is one candidate, and the first such region in map order is
// tagged as the main executable.
func moduleCandidates(handle process.Handle) ([]version.ModulePath, error) {
	regions, err := handle.Regions()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var modules []version.ModulePath
	for _, r := range regions {
		if r.Path == "" || seen[r.Path] {
			continue
		}
		if !r.Executable() {
			continue
		}
		seen[r.Path] = true
		modules = append(modules, version.ModulePath{Path: r.Path, IsMainExe: len(modules) == 0})
	}
	if len(modules) == 0 {
		return nil, pserrors.New(pserrors.VersionUnknown, "no executable modules found in target")
	}
	return modules, nil
}

// jitter returns period adjusted by a uniform random offset in
// ±period*fraction (spec §4.7 Tick: "jitter is uniform in ±base_period/10
// to avoid aliasing with periodic behavior in the target").
func jitter(period time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return period
	}
	spread := float64(period) * fraction
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(period) + offset)
	if result < 0 {
		return 0
	}
	return result
}
