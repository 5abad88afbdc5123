package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReasoning_basic(t *testing.T) {
	in := "Hello <think>secret plan</think> world"
	assert.Equal(t, "Hello  world", StripReasoning(in))
}

func TestStripReasoning_caseInsensitiveMultiline(t *testing.T) {
	in := "A\n<THINKING>\nmulti\nline\n</THINKING>\nB"
	assert.Equal(t, "A\n\nB", StripReasoning(in))
}

func TestStripReasoning_noBlock(t *testing.T) {
	in := "nothing to strip here"
	assert.Equal(t, in, StripReasoning(in))
}

func TestStripReasoning_idempotent(t *testing.T) {
	in := "pre <think>x</think> post <thinking>y</thinking> end"
	once := StripReasoning(in)
	twice := StripReasoning(once)
	assert.Equal(t, once, twice)
}

func TestReasoningFilter_suppressesAcrossChunks(t *testing.T) {
	f := &ReasoningFilter{}
	var visible string
	for _, frag := range []string{"hi <th", "ink>hidden", " stuff</thi", "nk> bye"} {
		visible += f.Filter(frag)
	}
	visible += f.Flush()
	assert.Equal(t, "hi  bye", visible)
}

func TestReasoningFilter_noBlockPassesThrough(t *testing.T) {
	f := &ReasoningFilter{}
	var visible string
	for _, frag := range []string{"just ", "plain ", "text"} {
		visible += f.Filter(frag)
	}
	visible += f.Flush()
	assert.Equal(t, "just plain text", visible)
}
