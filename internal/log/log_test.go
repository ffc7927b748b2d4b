// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package log

import (
	"bytes"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// regexp for timestamps, for examples, "2006/01/02 15:04:05.123456".
const rgxTimestamp = `[0-9]{4}/[0-9]{2}/[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]{6}`

func TestLoggerLevels(t *testing.T) {
	message := "lease reclaimed"
	tests := []struct {
		level  Level
		prefix string
		log    func(l *Logger)
	}{
		{DebugLevel, "DEBUG", func(l *Logger) { l.Debug(message) }},
		{InfoLevel, "INFO", func(l *Logger) { l.Info(message) }},
		{WarnLevel, "WARN", func(l *Logger) { l.Warn(message) }},
		{ErrorLevel, "ERROR", func(l *Logger) { l.Error(message) }},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLogger(newBase(&buf))
		tc.log(logger)

		got := buf.String()
		pattern := fmt.Sprintf("^relayq: pid=[0-9]+ %s %s: %s\n$", rgxTimestamp, tc.prefix, message)
		assert.Regexp(t, regexp.MustCompile(pattern), got, "level %s", tc.level)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(newBase(&buf))
	logger.SetLevel(WarnLevel)

	logger.Debug("suppressed")
	logger.Info("suppressed")
	assert.Empty(t, buf.String())

	logger.Warnf("queue %q is backed up", "default")
	assert.Contains(t, buf.String(), `WARN: queue "default" is backed up`)

	logger.Error("store unreachable")
	assert.Contains(t, buf.String(), "ERROR: store unreachable")
}

func TestSetLevelPanicsOnInvalid(t *testing.T) {
	logger := NewLogger(nil)
	assert.Panics(t, func() { logger.SetLevel(Level(42)) })
	assert.Panics(t, func() { logger.SetLevel(Level(-1)) })
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", DebugLevel.String())
	assert.Equal(t, "info", InfoLevel.String())
	assert.Equal(t, "warning", WarnLevel.String())
	assert.Equal(t, "error", ErrorLevel.String())
	assert.Equal(t, "fatal", FatalLevel.String())
	assert.Equal(t, "unknown", Level(99).String())
}
