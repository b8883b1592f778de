package world

import (
	"context"
	"time"

	"driftworld/server/internal/proto"
)

// maxFrameDt caps a frame's wall-clock delta so a paused process does not
// replay a huge catch-up burst.
const maxFrameDt = 0.25

// maxCatchUpSteps bounds fixed steps per frame; beyond it the simulation
// slows down instead of spiraling.
const maxCatchUpSteps = 5

// Run drives the simulation until the context is cancelled. It owns every
// piece of world state; all other goroutines go through Post or the
// intake queue.
func (w *World) Run(ctx context.Context) {
	step := w.cfg.FixedStep()
	frame := time.Duration(float64(time.Second) * step)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	last := time.Now()
	accumulator := 0.0
	nextPing := last.Add(w.cfg.PingPeriod())
	nextFlush := last.Add(w.cfg.SavePeriod())

	w.logger.Info().Int("tickRate", w.cfg.TickRate).Int("networkRate", w.cfg.NetworkRate).Msg("simulation started")

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			if dt > maxFrameDt {
				dt = maxFrameDt
			}

			w.drainQueues()

			accumulator += dt
			steps := 0
			for accumulator >= step && steps < maxCatchUpSteps {
				w.fixedFrame(step)
				accumulator -= step
				steps++
			}
			if steps == maxCatchUpSteps {
				// Shed the backlog; the world slows rather than spirals.
				accumulator = 0
			}

			w.variableFrame(dt)
			w.tick++

			if now.After(nextPing) {
				w.pingSessions(now)
				nextPing = now.Add(w.cfg.PingPeriod())
			}
			if now.After(nextFlush) {
				w.flush()
				nextFlush = now.Add(w.cfg.SavePeriod())
			}
		}
	}
}

// drainQueues runs posted callbacks and dispatches inbound packets.
// Runs between frames, never mid-phase.
func (w *World) drainQueues() {
	for {
		w.mu.Lock()
		posted := w.posted
		intake := w.intake
		w.posted = nil
		w.intake = nil
		w.mu.Unlock()

		if len(posted) == 0 && len(intake) == 0 {
			return
		}
		for _, fn := range posted {
			fn()
		}
		for _, in := range intake {
			w.dispatch(in)
		}
	}
}

func (w *World) fixedFrame(step float64) {
	for _, e := range w.store.Hot() {
		e.FixedUpdate(step)
	}
	w.phys.Step(step)
}

func (w *World) variableFrame(dt float64) {
	hot := w.store.Hot()
	for _, e := range hot {
		e.Update(dt)
	}
	for _, e := range hot {
		e.LateUpdate(dt)
	}
	for _, e := range hot {
		e.PostLateUpdate(dt)
	}
}

// pingSessions sends keepalives and drops sessions that stopped
// answering.
func (w *World) pingSessions(now time.Time) {
	var stale []*Session
	for _, sess := range w.sessions {
		sess.missedPings++
		if sess.missedPings > maxMissedPings {
			stale = append(stale, sess)
			continue
		}
		if err := sess.send(proto.TagPing, proto.Ping{Time: now.UnixMilli()}); err != nil {
			stale = append(stale, sess)
		}
	}
	for _, sess := range stale {
		w.logger.Info().Str("session", sess.id).Msg("dropping unresponsive session")
		w.drop(sess)
	}
}

// shutdown flushes once and closes every socket.
func (w *World) shutdown() {
	w.drainQueues()
	w.flushSync()
	for _, sess := range w.sessions {
		sess.close()
	}
	w.logger.Info().Msg("simulation stopped")
}
