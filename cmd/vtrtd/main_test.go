package main

import (
	"testing"

	"github.com/alecthomas/kingpin/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRunParsesConfigFlag(t *testing.T) {
	app := kingpin.New("vtrtd_test", "")
	run, runCtx := registerRun(app)

	_, err := app.Parse([]string{"run", "--config", "rank.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "rank.yaml", runCtx.ConfigFile)
	assert.Equal(t, "run", run.FullCommand())
}

func TestRegisterRunRequiresConfigFlag(t *testing.T) {
	app := kingpin.New("vtrtd_test", "")
	registerRun(app)

	_, err := app.Parse([]string{"run"})
	assert.Error(t, err)
}
