package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLogLine(t *testing.T) {
	cases := []struct {
		line string
		want LogLevel
	}{
		{"Error opening input: I/O error", LevelError},
		{"[dshow] Could not run graph: failed", LevelError},
		{"Invalid argument", LevelError},
		{"Unable to open device", LevelError},
		{"deprecated pixel format used", LevelWarning},
		{"[dshow] real-time buffer too full, frame dropped", LevelWarning},
		{"Guessed Channel Layout: stereo", LevelInfo},
		{"Stream #0:0: Video: rawvideo", LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyLogLine(tc.line), tc.line)
	}
}

func TestEmitLogNeverBlocksWhenFull(t *testing.T) {
	s := &Supervisor{logEvents: make(chan LogEvent, 2)}
	for i := 0; i < 10; i++ {
		s.emitLog(LogEvent{Level: LevelInfo, Message: "line"})
	}
	assert.Len(t, s.logEvents, 2)
}
