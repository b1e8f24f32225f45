package callinterceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo/sip"
	"github.com/lithammer/shortuuid"
	"github.com/rglonek/logger"
)

var (
	errCallGone      = errors.New("call already ended")
	errNoCallControl = errors.New("no call control for event")
)

// sipDialog is the part of diago.DialogServerSession the interceptor drives.
type sipDialog interface {
	Context() context.Context
	Progress() error
	Answer() error
	Respond(statusCode sip.StatusCode, reason string, body []byte, headers ...sip.Header) error
	Close() error
}

var _ sipDialog = (*diago.DialogServerSession)(nil)

// sipCall ends one incoming SIP call, either by answering and hanging up or
// by rejecting it outright.
type sipCall struct {
	dialog sipDialog
	config ConfigTerminate
	log    *logger.Logger
	sleep  func(time.Duration)
}

func (c *sipCall) EndCall(ctx context.Context) error {
	if err := c.dialog.Context().Err(); err != nil {
		return fmt.Errorf("%w: %v", errCallGone, err)
	}
	if c.config.Mode == TerminateReject {
		c.log.Debug("Rejecting")
		if err := c.dialog.Respond(sip.StatusBusyHere, "Busy Here", nil); err != nil {
			return fmt.Errorf("reject failed: %w", err)
		}
		return nil
	}

	c.log.Debug("Try-Sleeping")
	c.sleep(c.config.TryToAnswerDelay.ToDuration())
	c.log.Debug("Trying")
	if err := c.dialog.Progress(); err != nil {
		return fmt.Errorf("progress failed: %w", err)
	}

	c.log.Debug("Answer-Sleeping")
	c.sleep(c.config.AnswerDelay.ToDuration())
	c.log.Debug("Answering")
	if err := c.dialog.Answer(); err != nil {
		return fmt.Errorf("answer failed: %w", err)
	}

	c.log.Debug("Hangup-Sleeping")
	c.sleep(c.config.HangupDelay.ToDuration())
	c.log.Debug("Dropping call")
	return c.dialog.Close()
}

func (ci *callInterceptor) callHandler(inDialog *diago.DialogServerSession) {
	var callerID string
	if from := inDialog.InviteRequest.From(); from != nil {
		callerID = from.Address.User
	}
	ci.handleDialog(inDialog, callerID)
}

// handleDialog turns an INVITE into a ringing event and keeps the dialog
// alive until the interceptor has decided or the caller gave up.
func (ci *callInterceptor) handleDialog(dialog sipDialog, callerID string) {
	log := ci.log.WithPrefix(fmt.Sprintf("[TID=%s] [OCID=%s] ", shortuuid.New(), callerID))
	if callerID == "" {
		log.Info("Incoming call: Caller ID is empty, skipping")
	}
	call := &sipCall{
		dialog: dialog,
		config: ci.config.Terminate,
		log:    log,
		sleep:  time.Sleep,
	}
	d := ci.interceptor.OnCallStateChanged(ci.ctx, CallEvent{State: CallStateRinging, Number: callerID}, call)
	outcome, err := d.Wait(dialog.Context())
	if err != nil {
		log.Info("Caller hung up before a decision was made")
		return
	}
	log.Info("Done: %s", outcome)
}
