package session

import "errors"

var (
	ErrNoModelLoaded   = errors.New("no model loaded")
	ErrNotRecording    = errors.New("not recording")
	ErrNoAudioCaptured = errors.New("no audio captured")
	ErrNoPriorLoad     = errors.New("no prior model load to repeat")
)
