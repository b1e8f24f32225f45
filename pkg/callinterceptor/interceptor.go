package callinterceptor

import (
	"context"
	"sync"
	"time"

	"github.com/rglonek/logger"

	"sip-call-interceptor/pkg/blockstore"
	"sip-call-interceptor/pkg/spamoracle"
)

type CallState int

const (
	CallStateIdle CallState = iota
	CallStateRinging
	CallStateOffhook
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "IDLE"
	case CallStateRinging:
		return "RINGING"
	case CallStateOffhook:
		return "OFFHOOK"
	}
	return "UNKNOWN"
}

// CallEvent is a single call-state notification. An empty Number means the
// caller ID was withheld or missing.
type CallEvent struct {
	State  CallState
	Number string
}

// BlockList is the read side of the persisted block list.
type BlockList interface {
	Lookup(number string) (blockstore.Entry, bool, error)
}

// CallControl ends the call an event belongs to.
type CallControl interface {
	EndCall(ctx context.Context) error
}

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeIgnored
	OutcomeAllowed
	OutcomeAllowListed
	OutcomeBlockListed
	OutcomeSpam
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeAllowed:
		return "allowed"
	case OutcomeAllowListed:
		return "allow-listed"
	case OutcomeBlockListed:
		return "block-listed"
	case OutcomeSpam:
		return "spam"
	}
	return "unknown"
}

// Terminated reports whether the outcome requires ending the call.
func (o Outcome) Terminated() bool {
	return o == OutcomeBlockListed || o == OutcomeSpam
}

// Decision is the final disposition of one call event. It resolves exactly
// once, either before OnCallStateChanged returns or later from the oracle
// continuation.
type Decision struct {
	Number string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	source  string
	endErr  error
}

func newDecision(number string) *Decision {
	return &Decision{Number: number, done: make(chan struct{})}
}

func (d *Decision) resolve(o Outcome, source string, endErr error) bool {
	resolved := false
	d.once.Do(func() {
		d.outcome = o
		d.source = source
		d.endErr = endErr
		resolved = true
		close(d.done)
	})
	return resolved
}

func (d *Decision) Done() <-chan struct{} { return d.done }

// Outcome returns OutcomePending until the decision is resolved.
func (d *Decision) Outcome() Outcome {
	select {
	case <-d.done:
		return d.outcome
	default:
		return OutcomePending
	}
}

// Source names the list file, admin entry or oracle behind the outcome. It is
// empty until the decision is resolved.
func (d *Decision) Source() string {
	select {
	case <-d.done:
		return d.source
	default:
		return ""
	}
}

// EndCallErr returns the error of the terminate action, if one failed.
func (d *Decision) EndCallErr() error {
	select {
	case <-d.done:
		return d.endErr
	default:
		return nil
	}
}

// Wait blocks until the decision resolves or ctx is done.
func (d *Decision) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-d.done:
		return d.outcome, nil
	case <-ctx.Done():
		return OutcomePending, ctx.Err()
	}
}

// Interceptor decides, per incoming call, whether to let it ring or end it.
type Interceptor struct {
	blockList BlockList
	allowList func(number string) bool
	oracle    spamoracle.Oracle
	normalize func(number string) string
	observe   func(*Decision)
	stats     *stats
	log       *logger.Logger
}

type InterceptorOption func(*Interceptor)

// WithAllowList skips the oracle for numbers the function accepts.
func WithAllowList(allowed func(number string) bool) InterceptorOption {
	return func(i *Interceptor) { i.allowList = allowed }
}

// WithNormalizer rewrites caller IDs before either gate.
func WithNormalizer(normalize func(number string) string) InterceptorOption {
	return func(i *Interceptor) { i.normalize = normalize }
}

// WithObserver is called once for every resolved decision.
func WithObserver(observe func(*Decision)) InterceptorOption {
	return func(i *Interceptor) { i.observe = observe }
}

func withStats(s *stats) InterceptorOption {
	return func(i *Interceptor) { i.stats = s }
}

func NewInterceptor(blockList BlockList, oracle spamoracle.Oracle, log *logger.Logger, opts ...InterceptorOption) *Interceptor {
	if oracle == nil {
		oracle = spamoracle.Never
	}
	if log == nil {
		log = logger.NewLogger()
	}
	i := &Interceptor{
		blockList: blockList,
		oracle:    oracle,
		log:       log,
		stats:     &stats{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// OnCallStateChanged handles one call-state notification. Anything other than
// a ringing event with a caller ID resolves as ignored without side effects.
func (i *Interceptor) OnCallStateChanged(ctx context.Context, ev CallEvent, call CallControl) *Decision {
	d := newDecision(ev.Number)
	if ev.State != CallStateRinging || ev.Number == "" {
		i.log.Detail("Ignoring call event state=%s number=%q", ev.State, ev.Number)
		i.finish(d, OutcomeIgnored, "", nil)
		return d
	}
	number := ev.Number
	if i.normalize != nil {
		number = i.normalize(number)
		d.Number = number
	}
	i.evaluateCaller(ctx, d, number, call)
	return d
}

func (i *Interceptor) evaluateCaller(ctx context.Context, d *Decision, number string, call CallControl) {
	log := i.log.WithPrefix("[CID=" + number + "] ")

	if entry, ok := i.lookupBlockList(log, number); ok {
		log.Info("Caller on block list source=%s line=%d comment=%s", entry.Source, entry.Line, entry.Comment)
		err := i.terminateCall(ctx, log, call)
		i.finish(d, OutcomeBlockListed, entry.Source, err)
		return
	}

	if i.allowList != nil && i.allowList(number) {
		log.Info("Caller on allow list, skipping spam check")
		i.finish(d, OutcomeAllowListed, "allow-list", nil)
		return
	}

	verdicts := i.oracle.CheckSpamNumber(ctx, number)
	go func() {
		v, ok := <-verdicts
		switch {
		case !ok:
			log.Warn("Spam oracle closed without a verdict, allowing")
			i.finish(d, OutcomeAllowed, "", nil)
		case v.Err != nil:
			log.Error("Spam oracle failed, allowing: %v", v.Err)
			i.finish(d, OutcomeAllowed, v.Source, nil)
		case v.IsSpam:
			log.Info("Spam oracle %s flagged caller", v.Source)
			err := i.terminateCall(ctx, log, call)
			i.finish(d, OutcomeSpam, v.Source, err)
		default:
			log.Info("Not spam, letting it ring")
			i.finish(d, OutcomeAllowed, v.Source, nil)
		}
	}()
}

// lookupBlockList fails open: a broken or missing store counts as no match.
func (i *Interceptor) lookupBlockList(log *logger.Logger, number string) (blockstore.Entry, bool) {
	if i.blockList == nil {
		return blockstore.Entry{}, false
	}
	start := time.Now()
	entry, ok, err := i.blockList.Lookup(number)
	i.stats.addLookup(time.Since(start))
	if err != nil {
		log.Error("Block list lookup failed, treating as no match: %v", err)
		return blockstore.Entry{}, false
	}
	return entry, ok
}

// terminateCall issues a single end-call action. Failures are reported and
// never retried: the call may already be answered or gone.
func (i *Interceptor) terminateCall(ctx context.Context, log *logger.Logger, call CallControl) error {
	if call == nil {
		log.Error("End call failed: %v", errNoCallControl)
		i.stats.addTerminateFailure()
		return errNoCallControl
	}
	log.Debug("Ending call")
	err := call.EndCall(ctx)
	if err != nil {
		log.Error("End call failed: %v", err)
		i.stats.addTerminateFailure()
	}
	return err
}

func (i *Interceptor) finish(d *Decision, o Outcome, source string, endErr error) {
	if !d.resolve(o, source, endErr) {
		return
	}
	i.stats.addOutcome(o)
	if i.observe != nil {
		i.observe(d)
	}
}
