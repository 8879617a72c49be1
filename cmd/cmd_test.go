//nolint:testpackage
package cmd

import (
	"testing"

	"github.com/inconshreveable/log15/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsRootCommand(t *testing.T) {
	t.Parallel()

	c := New(log15.Root())

	assert.Equal(t, "patchmirror", c.Name)
	require.Len(t, c.Commands, 1)
	assert.Equal(t, "serve", c.Commands[0].Name)
}

func TestGetDefaultConfigPathDoesNotPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		path := getDefaultConfigPath()
		assert.Contains(t, path, "patchmirror")
	})
}
