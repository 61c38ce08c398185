package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/schema"
)

func TestDefaultRegistry(t *testing.T) {
	reg := schema.NewDefaultRegistry()

	assert.Equal(t, []event.Kind{event.KindAddEvent, event.KindUpdateFocal, event.KindUpdateLocation}, reg.Kinds())
	for _, k := range event.Kinds {
		s, ok := reg.Get(k)
		require.True(t, ok, k)
		assert.NotEmpty(t, s.Description)
	}
	assert.False(t, reg.Has("delete_event"))
}

func TestRegistry_RegisterRejectsIncompleteSchema(t *testing.T) {
	reg := schema.NewRegistry()

	assert.Error(t, reg.Register(&schema.Schema{}))
	assert.Error(t, reg.Register(&schema.Schema{Kind: event.KindAddEvent}))
	assert.Empty(t, reg.Kinds())

	assert.Panics(t, func() {
		reg.MustRegister(&schema.Schema{Kind: event.KindAddEvent})
	})
}
