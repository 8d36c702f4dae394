package weft

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTopicParse(t *testing.T) {
	assert.Equal(t, "a/b/c", NewTopic("a/b/c").String())
	// empty segments are dropped
	assert.Equal(t, "a/b", NewTopic("/a//b/").String())
	assert.Equal(t, "", NewTopic("///").String())
	assert.Equal(t, true, NewTopic("").IsZero())

	assert.Equal(t, "a/b/c", NewTopic("a/b").Append("c").String())
	assert.Equal(t, []string{"a", "b"}, NewTopic("a/b").Segments())
}

func TestTopicPrefix(t *testing.T) {
	// prefix matching happens at segment boundaries
	assert.Equal(t, true, NewTopic("a/b").PrefixOf(NewTopic("a/b")))
	assert.Equal(t, true, NewTopic("a/b").PrefixOf(NewTopic("a/b/c")))
	assert.Equal(t, false, NewTopic("a/b").PrefixOf(NewTopic("a/bc")))
	assert.Equal(t, false, NewTopic("a/b/c").PrefixOf(NewTopic("a/b")))
	assert.Equal(t, false, NewTopic("b").PrefixOf(NewTopic("a/b")))
}

func TestFilter(t *testing.T) {
	filter := NewFilter(NewTopic("t"), NewTopic("x/y"))
	assert.Equal(t, true, filter.Matches(NewTopic("t/1")))
	assert.Equal(t, true, filter.Matches(NewTopic("t")))
	assert.Equal(t, true, filter.Matches(NewTopic("x/y/z")))
	assert.Equal(t, false, filter.Matches(NewTopic("x")))
	assert.Equal(t, false, filter.Matches(NewTopic("tt")))

	// extending with a covered topic does not change the filter
	next, changed := filter.Extend(NewTopic("t/deep"))
	assert.Equal(t, false, changed)
	assert.Equal(t, true, next.Equal(filter))

	// extending with a broader prefix collapses covered entries
	next, changed = filter.Extend(NewTopic("x"))
	assert.Equal(t, true, changed)
	assert.Equal(t, true, next.Matches(NewTopic("x")))
	assert.Equal(t, 2, len(next))

	removed, ok := next.Remove(NewTopic("x"))
	assert.Equal(t, true, ok)
	assert.Equal(t, false, removed.Matches(NewTopic("x/y")))
}

func TestStoreTopics(t *testing.T) {
	assert.Equal(t, "inventory/_master", MasterTopic("inventory").String())
	assert.Equal(t, "inventory/_clone", CloneTopic("inventory").String())
	assert.Equal(t, "$_broker/store-events/inventory", StoreEventTopic("inventory").String())

	name, toMaster := storeNameOf(NewTopic("inventory/_master"))
	assert.Equal(t, "inventory", name)
	assert.Equal(t, true, toMaster)

	name, toMaster = storeNameOf(NewTopic("inventory/_clone"))
	assert.Equal(t, "inventory", name)
	assert.Equal(t, false, toMaster)

	name, _ = storeNameOf(NewTopic("plain/topic"))
	assert.Equal(t, "", name)

	assert.Equal(t, true, MasterTopic("x").IsInternal())
	assert.Equal(t, true, StoreEventTopic("x").IsInternal())
	assert.Equal(t, false, NewTopic("a/b").IsInternal())
}
