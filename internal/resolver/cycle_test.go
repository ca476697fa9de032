package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/model"
)

func node(name string, rt model.ResourceType, children ...model.ResourceIdentity) *Node {
	id := model.ResourceIdentity{CanonicalName: name, Type: rt}
	return &Node{Identity: id, Children: children}
}

func TestDetectCyclesNoCycle(t *testing.T) {
	g := newGraph()
	a := node("a", model.ResourceAgent, model.ResourceIdentity{CanonicalName: "s", Type: model.ResourceSnippet})
	s := node("s", model.ResourceSnippet)
	g.put(a)
	g.put(s)

	assert.Nil(t, g.DetectCycles())
}

func TestDetectCyclesSelfLoop(t *testing.T) {
	g := newGraph()
	selfID := model.ResourceIdentity{CanonicalName: "a", Type: model.ResourceAgent}
	a := node("a", model.ResourceAgent, selfID)
	g.put(a)

	err := g.DetectCycles()
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestDetectCyclesIndirect(t *testing.T) {
	g := newGraph()
	aID := model.ResourceIdentity{CanonicalName: "a", Type: model.ResourceAgent}
	bID := model.ResourceIdentity{CanonicalName: "b", Type: model.ResourceSnippet}
	a := node("a", model.ResourceAgent, bID)
	b := node("b", model.ResourceSnippet, aID)
	g.put(a)
	g.put(b)

	err := g.DetectCycles()
	require.NotNil(t, err)
	assert.GreaterOrEqual(t, len(err.Path), 2)
}

func TestTopoSortDependenciesBeforeDependents(t *testing.T) {
	g := newGraph()
	sID := model.ResourceIdentity{CanonicalName: "s", Type: model.ResourceSnippet}
	a := node("a", model.ResourceAgent, sID)
	s := node("s", model.ResourceSnippet)
	g.put(a)
	g.put(s)

	order := g.TopoSort()
	require.Len(t, order, 2)
	assert.Equal(t, "s", order[0].Identity.CanonicalName)
	assert.Equal(t, "a", order[1].Identity.CanonicalName)
}
