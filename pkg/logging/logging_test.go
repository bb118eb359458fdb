package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerAppliesGlobalLevel(t *testing.T) {
	SetupLogger("test", zerolog.WarnLevel, false)
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestLevelToSeverityMapsEveryZerologLevel(t *testing.T) {
	cases := map[zerolog.Level]string{
		zerolog.DebugLevel: "Debug",
		zerolog.InfoLevel:  "Info",
		zerolog.WarnLevel:  "Warning",
		zerolog.ErrorLevel: "Error",
		zerolog.FatalLevel: "Alert",
		zerolog.PanicLevel: "Emergency",
	}
	for level, want := range cases {
		require.Equal(t, want, levelToSeverity(level).String())
	}
}
