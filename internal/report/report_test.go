package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorTree(t *testing.T) {
	g := NewGenerator("state", time.Unix(0, 0))
	g.Node("domain", func() {
		g.Attr("name", "intern")
		g.Node("interface", func() {
			g.Attr("label", "lan0")
			g.Node("tcp-links", func() {
				g.Attr("open", 2)
			})
		})
	})
	g.Node("domain", func() { g.Attr("name", "extern") })

	root := g.Root()
	require.Len(t, root.Children, 2)
	n, ok := root.Find("domain/interface/tcp-links")
	require.True(t, ok)
	v, ok := n.Attr("open")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = root.Find("domain/missing")
	assert.False(t, ok)

	data, err := g.JSON(false)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "state", decoded["name"])
	children := decoded["children"].([]any)
	first := children[0].(map[string]any)
	assert.Equal(t, "intern", first["attrs"].(map[string]any)["name"])
}
