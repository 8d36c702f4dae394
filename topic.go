package weft

import (
	"slices"
	"strings"
)

const TopicSeparator = "/"

// reserved prefix for internal control topics
const TopicReserved = "$_broker"

const (
	topicMasterSuffix    = "_master"
	topicCloneSuffix     = "_clone"
	topicStoreEventInfix = "store-events"
	topicHelloName       = "hello"
)

// A topic is an ordered sequence of non-empty segments separated by `/`.
// The canonical string form carries no leading, trailing or repeated
// separators.
//
// comparable
type Topic struct {
	path string
}

// normalizes: empty segments are dropped
func NewTopic(s string) Topic {
	segments := strings.Split(s, TopicSeparator)
	kept := segments[:0]
	for _, segment := range segments {
		if segment != "" {
			kept = append(kept, segment)
		}
	}
	return Topic{path: strings.Join(kept, TopicSeparator)}
}

func (self Topic) String() string {
	return self.path
}

func (self Topic) IsZero() bool {
	return self.path == ""
}

func (self Topic) Segments() []string {
	if self.path == "" {
		return nil
	}
	return strings.Split(self.path, TopicSeparator)
}

func (self Topic) Append(child string) Topic {
	if self.path == "" {
		return NewTopic(child)
	}
	return NewTopic(self.path + TopicSeparator + child)
}

// segment-boundary prefix: `a/b` is a prefix of `a/b/c` but not of `a/bc`
func (self Topic) PrefixOf(other Topic) bool {
	if len(other.path) < len(self.path) {
		return false
	}
	if !strings.HasPrefix(other.path, self.path) {
		return false
	}
	return len(other.path) == len(self.path) || other.path[len(self.path)] == TopicSeparator[0]
}

func (self Topic) IsInternal() bool {
	return Topic{path: TopicReserved}.PrefixOf(self) ||
		self.lastSegment() == topicMasterSuffix ||
		self.lastSegment() == topicCloneSuffix
}

func (self Topic) lastSegment() string {
	if i := strings.LastIndex(self.path, TopicSeparator); 0 <= i {
		return self.path[i+1:]
	}
	return self.path
}

// store wiring topics. `<name>/_master` carries commands to the master,
// `<name>/_clone` carries the command stream to the clones.

func MasterTopic(name string) Topic {
	return NewTopic(name).Append(topicMasterSuffix)
}

func CloneTopic(name string) Topic {
	return NewTopic(name).Append(topicCloneSuffix)
}

func StoreEventTopic(name string) Topic {
	return NewTopic(TopicReserved).Append(topicStoreEventInfix).Append(name)
}

func helloTopic() Topic {
	return NewTopic(TopicReserved).Append(topicHelloName)
}

// the store name of a `<name>/_master` or `<name>/_clone` topic
func storeNameOf(t Topic) (string, bool) {
	last := t.lastSegment()
	if last != topicMasterSuffix && last != topicCloneSuffix {
		return "", false
	}
	name := strings.TrimSuffix(t.path, TopicSeparator+last)
	if name == t.path || name == "" {
		return "", false
	}
	return name, last == topicMasterSuffix
}

// A filter is a set of topic prefixes, kept sorted and deduplicated.
type Filter []Topic

func NewFilter(topics ...Topic) Filter {
	filter := Filter{}
	for _, t := range topics {
		filter, _ = filter.Extend(t)
	}
	return filter
}

func (self Filter) Clone() Filter {
	return slices.Clone(self)
}

func (self Filter) Equal(other Filter) bool {
	return slices.Equal(self, other)
}

// a topic matches iff some filter entry is a segment-boundary prefix of it
func (self Filter) Matches(t Topic) bool {
	for _, prefix := range self {
		if prefix.PrefixOf(t) {
			return true
		}
	}
	return false
}

// adds `t` unless an existing entry already covers it; entries covered by
// `t` are dropped. returns the new filter and whether it changed.
func (self Filter) Extend(t Topic) (Filter, bool) {
	if t.IsZero() {
		return self, false
	}
	for _, prefix := range self {
		if prefix.PrefixOf(t) {
			return self, false
		}
	}
	next := Filter{}
	for _, prefix := range self {
		if !t.PrefixOf(prefix) {
			next = append(next, prefix)
		}
	}
	next = append(next, t)
	slices.SortFunc(next, func(a Topic, b Topic) int {
		return strings.Compare(a.path, b.path)
	})
	return next, true
}

func (self Filter) ExtendAll(topics []Topic) (Filter, bool) {
	next := self
	changed := false
	for _, t := range topics {
		var extended bool
		next, extended = next.Extend(t)
		changed = changed || extended
	}
	return next, changed
}

func (self Filter) Remove(t Topic) (Filter, bool) {
	i := slices.Index(self, t)
	if i < 0 {
		return self, false
	}
	next := slices.Clone(self)
	next = slices.Delete(next, i, i+1)
	return next, true
}

func (self Filter) Strings() []string {
	strs := make([]string, len(self))
	for i, t := range self {
		strs[i] = t.path
	}
	return strs
}
