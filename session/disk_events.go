package session

// diskEventsAdapter implements disk.Events, routing disk-manager
// signals into the session's own Error/Downloading states per
// spec.md 7(d): DiskFull is recoverable and does not change state,
// while a fatal disk error (surfaced separately, via Write's returned
// channel) transitions to Error.
type diskEventsAdapter struct {
	s *Session
}

func (a *diskEventsAdapter) OnDiskFull(required, available int64) {
	a.s.logger.Warnw("disk full", "required", required, "available", available)
}

func (a *diskEventsAdapter) OnSpaceAvailable() {
	a.s.logger.Infow("disk space available, resuming writes")
}

func (a *diskEventsAdapter) OnVerificationProgress(checked, total int, ratio float64) {
	a.s.logger.Debugw("verifying", "checked", checked, "total", total, "ratio", ratio)
}
