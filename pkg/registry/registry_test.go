package registry_test

import (
	"testing"

	"github.com/nsg-ethz/hbrace/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTagStableAndAllocates(t *testing.T) {
	r := registry.New()
	pkt := "packet-a"

	t1 := r.GetTag(pkt)
	t2 := r.GetTag(pkt)
	assert.Equal(t, t1, t2, "GetTag must return the same tag for the same identity")

	other := "packet-b"
	t3 := r.GetTag(other)
	assert.NotEqual(t, t1, t3)
}

func TestNewTagBreaksLineage(t *testing.T) {
	r := registry.New()
	pkt := "packet-a"

	t1 := r.GetTag(pkt)
	t2 := r.NewTag(pkt)
	assert.NotEqual(t, t1, t2, "NewTag must detach the prior tag")

	// the old tag is no longer resolvable to pkt: GetTag after NewTag
	// returns the tag NewTag bound, never resurrecting t1.
	t3 := r.GetTag(pkt)
	assert.Equal(t, t2, t3)
}

func TestReplaceObjPreservesTagAcrossIdentityChange(t *testing.T) {
	r := registry.New()
	before := "packet-before-mutation"
	tag := r.GetTag(before)

	after := "packet-after-mutation"
	r.ReplaceObj(tag, after)

	assert.Equal(t, tag, r.GetTag(after))
}

func TestReplaceObjPanicsOnUnknownTag(t *testing.T) {
	r := registry.New()
	assert.Panics(t, func() {
		r.ReplaceObj(registry.Tag(9999), "whatever")
	})
}

func TestRemoveObjDetaches(t *testing.T) {
	r := registry.New()
	pkt := "packet-a"
	tag := r.GetTag(pkt)
	r.RemoveObj(pkt)

	newTag := r.GetTag(pkt)
	assert.NotEqual(t, tag, newTag, "removed object must be treated as unseen")
}

func TestGenerateUnusedTagNeverCollides(t *testing.T) {
	r := registry.New()
	seen := make(map[registry.Tag]bool)
	for i := 0; i < 100; i++ {
		tag := r.GenerateUnusedTag()
		require.False(t, seen[tag])
		seen[tag] = true
	}
	// must not collide with tags allocated through the object-identity path
	objTag := r.GetTag("some-object")
	assert.False(t, seen[objTag])
}
