package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunREPL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantSent []string
		wantExit bool
	}{
		{"exit stops reading", "sensorStop\n\n  flushCfg  \nexit\nsensorStart\n", []string{"sensorStop", "flushCfg"}, true},
		{"end of input", "sensorStart", []string{"sensorStart"}, false},
		{"empty input", "", nil, false},
		{"exit with spaces", "  exit \r\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent []string
			exit, err := runREPL(strings.NewReader(tt.input), func(s string) error {
				sent = append(sent, s)
				return nil
			}, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, tt.wantExit, exit)
			assert.Equal(t, tt.wantSent, sent)
		})
	}
}

func TestRunREPL_SendErrorsContinue(t *testing.T) {
	var sent []string
	exit, err := runREPL(strings.NewReader("a\nb\nexit\n"), func(s string) error {
		sent = append(sent, s)
		return errors.New("channel closed")
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Equal(t, []string{"a", "b"}, sent)
}

func TestReadProfile(t *testing.T) {
	profile := `% ***************************************************************
% Created for IWR1443
% ***************************************************************
sensorStop
flushCfg

dfeDataOutputMode 1
channelCfg 15 7 0
  % indented comment
frameCfg 0 1 16 0 100 1 0
sensorStart
`
	got, err := readProfile(strings.NewReader(profile))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"sensorStop",
		"flushCfg",
		"dfeDataOutputMode 1",
		"channelCfg 15 7 0",
		"frameCfg 0 1 16 0 100 1 0",
		"sensorStart",
	}, got)
}
