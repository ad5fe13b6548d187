package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	require.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestInitJSONAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{Level: "info", Format: "json"}) })

	log := Component("store")
	log.Info().Msg("hello")
	require.Contains(t, buf.String(), `"component":"store"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	custom := zerolog.New(&buf)
	ctx := WithContext(context.Background(), custom)

	l := FromContext(ctx)
	l.Info().Msg("scoped")
	require.Contains(t, buf.String(), "scoped")

	_ = FromContext(context.Background())
}
