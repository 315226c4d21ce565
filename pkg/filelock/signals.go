package filelock

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// HandleSignals releases every held lock when the process receives SIGINT,
// SIGTERM or SIGQUIT. onSignal runs afterwards; when it is nil the signal is
// re-raised with its default disposition so the process still terminates.
// The returned func stops the handler.
func (l *Locker) HandleSignals(ctx context.Context, onSignal func(os.Signal)) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			l.logger.Warn().Str("signal", sig.String()).Msg("Signal received, releasing locks")
			l.ReleaseAll()
			signal.Stop(ch)
			if onSignal != nil {
				onSignal(sig)
				return
			}
			if s, ok := sig.(syscall.Signal); ok {
				signal.Reset(s)
				_ = syscall.Kill(os.Getpid(), s)
			}
		case <-ctx.Done():
			signal.Stop(ch)
		case <-done:
			signal.Stop(ch)
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}
