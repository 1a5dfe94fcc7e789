package call

import "sync"

// LogTones stands in for an audio device: it logs when a tone starts and
// stops. Bell, if set, runs once each time a tone starts.
type LogTones struct {
	Bell func()
}

func (l LogTones) Play(t Tone) ToneHandle {
	log.Infof("CALL: %s tone started", t)
	if l.Bell != nil {
		l.Bell()
	}
	return &logTone{tone: t}
}

type logTone struct {
	tone Tone
	once sync.Once
}

func (h *logTone) Stop() {
	h.once.Do(func() { log.Debugf("CALL: %s tone stopped", h.tone) })
}

var _ Tones = LogTones{}
