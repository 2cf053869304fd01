package null

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackform-io/stackform/internal/handler"
)

func TestHandler_EchoesAttributes(t *testing.T) {
	h := New()
	ctx := context.Background()

	resp, err := h.Create(ctx, &handler.Request{
		Type:  TypeResource,
		Name:  "marker",
		Attrs: map[string]any{"trigger": "v1", "note": "anything goes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "null-marker", resp.ExternalID)
	assert.Equal(t, "v1", resp.Attrs["trigger"])

	read, err := h.Read(ctx, &handler.Request{
		Type:       TypeResource,
		ExternalID: resp.ExternalID,
		Prior:      resp.Attrs,
	})
	require.NoError(t, err)
	assert.Equal(t, resp.Attrs, read.Attrs)

	updated, err := h.Update(ctx, &handler.Request{
		Type:       TypeResource,
		Name:       "marker",
		ExternalID: resp.ExternalID,
		Attrs:      map[string]any{"trigger": "v1", "note": "changed"},
	})
	require.NoError(t, err)
	assert.Equal(t, resp.ExternalID, updated.ExternalID)
	assert.Equal(t, "changed", updated.Attrs["note"])

	require.NoError(t, h.Destroy(ctx, &handler.Request{Type: TypeResource, ExternalID: resp.ExternalID}))
}

func TestRegister_OpenSchemaWithReplaceTrigger(t *testing.T) {
	r := handler.NewRegistry()
	require.NoError(t, Register(r))

	schema := r.SchemaFor(TypeResource)
	require.NotNil(t, schema)
	assert.True(t, schema.Open)
	assert.True(t, schema.ForcesReplacement("trigger"))
	assert.False(t, schema.ForcesReplacement("note"))
}
