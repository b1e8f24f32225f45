package callinterceptor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sip-call-interceptor/pkg/spamoracle"
)

type fakeDialog struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	steps      []string
	respondErr error
}

func newFakeDialog() *fakeDialog {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeDialog{ctx: ctx, cancel: cancel}
}

func (f *fakeDialog) step(s string) {
	f.mu.Lock()
	f.steps = append(f.steps, s)
	f.mu.Unlock()
}

func (f *fakeDialog) Steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

func (f *fakeDialog) Context() context.Context { return f.ctx }
func (f *fakeDialog) Progress() error          { f.step("progress"); return nil }
func (f *fakeDialog) Answer() error            { f.step("answer"); return nil }
func (f *fakeDialog) Close() error {
	f.step("close")
	f.cancel()
	return nil
}

func (f *fakeDialog) Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error {
	f.step("respond " + reason)
	return f.respondErr
}

func TestSipCall_AnswerMode(t *testing.T) {
	dlg := newFakeDialog()
	var slept []time.Duration
	cfg := ConfigTerminate{
		Mode:             TerminateAnswer,
		TryToAnswerDelay: timeDuration(time.Millisecond),
		AnswerDelay:      timeDuration(2 * time.Millisecond),
		HangupDelay:      timeDuration(3 * time.Millisecond),
	}
	c := &sipCall{dialog: dlg, config: cfg, log: testLogger(), sleep: func(d time.Duration) { slept = append(slept, d) }}
	require.NoError(t, c.EndCall(context.Background()))
	assert.Equal(t, []string{"progress", "answer", "close"}, dlg.Steps())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, slept)
}

func TestSipCall_RejectMode(t *testing.T) {
	dlg := newFakeDialog()
	c := &sipCall{dialog: dlg, config: ConfigTerminate{Mode: TerminateReject}, log: testLogger(), sleep: func(time.Duration) {}}
	require.NoError(t, c.EndCall(context.Background()))
	assert.Equal(t, []string{"respond Busy Here"}, dlg.Steps())

	dlg = newFakeDialog()
	dlg.respondErr = errors.New("transaction terminated")
	c.dialog = dlg
	assert.Error(t, c.EndCall(context.Background()))
}

func TestSipCall_EndedDialogIsNotTouched(t *testing.T) {
	dlg := newFakeDialog()
	dlg.cancel()
	c := &sipCall{dialog: dlg, config: ConfigTerminate{Mode: TerminateAnswer}, log: testLogger(), sleep: func(time.Duration) {}}
	err := c.EndCall(context.Background())
	assert.ErrorIs(t, err, errCallGone)
	assert.Empty(t, dlg.Steps())
}

func newTestCallInterceptor(ic *Interceptor, mode string) *callInterceptor {
	return &callInterceptor{
		ctx:         context.Background(),
		config:      &Config{Terminate: ConfigTerminate{Mode: mode}},
		log:         testLogger(),
		interceptor: ic,
	}
}

func TestHandleDialog_BlockListed(t *testing.T) {
	ci := newTestCallInterceptor(NewInterceptor(blocked("+15551234567"), nil, testLogger()), TerminateReject)
	dlg := newFakeDialog()
	ci.handleDialog(dlg, "+15551234567")
	assert.Equal(t, []string{"respond Busy Here"}, dlg.Steps())
}

func TestHandleDialog_SpamAndClean(t *testing.T) {
	oracle := spamoracle.Func(func(_ context.Context, n string) spamoracle.Verdict {
		return spamoracle.Verdict{IsSpam: n == "+15559999999", Source: "test"}
	})
	ci := newTestCallInterceptor(NewInterceptor(blocked(), oracle, testLogger()), TerminateReject)

	dlg := newFakeDialog()
	ci.handleDialog(dlg, "+15559999999")
	assert.Equal(t, []string{"respond Busy Here"}, dlg.Steps())

	dlg = newFakeDialog()
	ci.handleDialog(dlg, "+15550000000")
	assert.Empty(t, dlg.Steps())
}

func TestHandleDialog_EmptyCallerID(t *testing.T) {
	ci := newTestCallInterceptor(NewInterceptor(blocked(""), nil, testLogger()), TerminateReject)
	dlg := newFakeDialog()
	ci.handleDialog(dlg, "")
	assert.Empty(t, dlg.Steps())
}

func TestHandleDialog_CallerHangsUpBeforeVerdict(t *testing.T) {
	oracle := &manualOracle{}
	ci := newTestCallInterceptor(NewInterceptor(blocked(), oracle, testLogger()), TerminateReject)
	dlg := newFakeDialog()

	done := make(chan struct{})
	go func() {
		ci.handleDialog(dlg, "+15559999999")
		close(done)
	}()
	require.Eventually(t, func() bool { return oracle.calls() == 1 }, time.Second, time.Millisecond)
	dlg.cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after hangup")
	}

	// late verdict: the end-call attempt is refused by the dead dialog
	oracle.answer(0, spamoracle.Verdict{IsSpam: true})
	require.Eventually(t, func() bool {
		return ci.interceptor.stats.snapshot().Spam == 1
	}, time.Second, time.Millisecond)
	assert.Empty(t, dlg.Steps())
	assert.Equal(t, 1, ci.interceptor.stats.snapshot().TerminateFailures)
}
