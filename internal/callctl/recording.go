package callctl

// recStart tracks one StartRecording request. done is closed once the
// backend has answered; err is only read after that.
type recStart struct {
	done chan struct{}
	err  error
}

func (e *Engine) handleStartRecording() error {
	if !e.phase.InCall() {
		return e.reject(phaseError("recording", e.phase))
	}
	if e.recording {
		return nil
	}
	bridge := e.sess.BridgeID
	switch {
	case e.deps.Recorder == nil:
		return e.reject(&Error{Kind: KindRecordingFailure, Msg: "recording is not configured"})
	case bridge == "":
		return e.reject(&Error{Kind: KindRecordingFailure, Msg: "call has no bridge id"})
	}

	e.recording = true
	e.recGen++
	gen, sessID := e.recGen, e.sess.ID
	rs := &recStart{done: make(chan struct{})}
	e.recStart = rs
	e.spawn(func() {
		ctx, cancel := e.opContext()
		defer cancel()
		err := e.deps.Recorder.StartRecording(ctx, bridge)
		rs.err = err
		close(rs.done)
		e.post(func() { e.onRecordingStarted(gen, sessID, err) })
	})
	e.publish()
	return nil
}

func (e *Engine) onRecordingStarted(gen uint64, sessID string, err error) {
	if err == nil {
		if e.sess != nil && e.sess.ID == sessID && e.phase.InCall() {
			e.recorded = true
		}
		return
	}
	if gen != e.recGen || !e.recording {
		e.logger.Warn("late recording failure", "error", err)
		return
	}
	e.recording = false
	e.recStart = nil
	e.publish()
	fail := &Error{Kind: KindRecordingFailure, Msg: "recording could not start", Err: err}
	e.notify(KindRecordingFailure, SeverityWarning, false, fail.Error())
}

func (e *Engine) handleStopRecording() error {
	if !e.recording {
		return nil
	}
	e.stopRecording()
	e.publish()
	return nil
}

// stopRecording flips the flag and stops the bridge recording. The flag
// makes every stop path fire at most once per start. The stop is sent only
// after the matching start has been answered, and not at all if it failed,
// so the backend always sees start before stop.
func (e *Engine) stopRecording() {
	if !e.recording {
		return
	}
	e.recording = false
	e.recGen++
	rs := e.recStart
	e.recStart = nil
	bridge := e.sess.BridgeID
	e.logger.Info("stopping recording", "bridge_id", bridge)
	e.spawn(func() {
		if rs != nil {
			<-rs.done
			if rs.err != nil {
				return
			}
		}
		ctx, cancel := e.opContext()
		defer cancel()
		if err := e.deps.Recorder.StopRecording(ctx, bridge); err != nil {
			e.post(func() {
				fail := &Error{Kind: KindRecordingFailure, Msg: "recording could not stop", Err: err}
				e.notify(KindRecordingFailure, SeverityWarning, false, fail.Error())
			})
		}
	})
}
