package voice

import (
	"fmt"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/provider/live"
)

// scheduleLocked decodes one inline audio payload and appends it to the
// playback timeline right after the previously scheduled unit, or at the
// device clock if the queue ran dry. A payload that fails to decode is logged
// and dropped; the session continues. Must be called with s.mu held.
func (s *Session) scheduleLocked(a live.InlineAudio, n *notes) {
	if s.playback == nil {
		return
	}
	samples, err := audio.DecodeFrame(a.Data)
	if err != nil {
		s.metrics.DecodeFailures.Add(s.ctx, 1)
		s.log.Warn("dropping playback unit",
			"err", fmt.Errorf("%w: %w", ErrDecodeFailure, err),
			"mime_type", a.MIMEType,
		)
		return
	}

	now := s.playback.Now()

	id := s.nextUnit
	s.nextUnit++
	v := s.playback.Schedule(samples, max(s.nextFree, now), func() { s.unitEnded(id) })
	s.queue[id] = v

	// The device may have moved past now before Schedule ran; chain the next
	// unit to where this one really starts.
	start := v.StartTime()
	s.nextFree = start + audio.SamplesDuration(int64(len(samples)), audio.OutputSampleRate)

	s.metrics.UnitsScheduled.Add(s.ctx, 1)
	s.metrics.QueuedUnits.Add(s.ctx, 1)
	s.metrics.RecordScheduleLead(s.ctx, max(start-now, 0))

	s.setStateLocked(StateSpeaking, n)
	s.queueChangedLocked(n)
}

// unitEnded is the completion callback of a playback unit. It runs on the
// audio device thread. Units that were stopped, or that belong to a session
// that was torn down, are no longer in the queue and are ignored.
func (s *Session) unitEnded(id uint64) {
	var n notes
	s.mu.Lock()
	if _, ok := s.queue[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.queue, id)
	s.metrics.QueuedUnits.Add(s.ctx, -1)
	s.queueChangedLocked(&n)
	if len(s.queue) == 0 && s.state == StateSpeaking {
		s.setStateLocked(StateListening, &n)
	}
	s.mu.Unlock()
	n.run()
}

// interruptLocked handles barge-in: every queued unit is stopped, the queue is
// cleared and the timeline restarts at the device clock. Must be called with
// s.mu held.
func (s *Session) interruptLocked(n *notes) {
	stopped := len(s.queue)
	s.stopAllLocked(n)
	s.metrics.Interruptions.Add(s.ctx, 1)
	s.log.Debug("voice interrupted", "stopped_units", stopped)
	s.setStateLocked(StateListening, n)
}

// stopAllLocked stops and forgets every queued unit and resets the next free
// time. Must be called with s.mu held.
func (s *Session) stopAllLocked(n *notes) {
	s.nextFree = 0
	if len(s.queue) == 0 {
		return
	}
	s.metrics.QueuedUnits.Add(s.ctx, -int64(len(s.queue)))
	for id, v := range s.queue {
		v.Stop()
		delete(s.queue, id)
	}
	s.queueChangedLocked(n)
}
