package naturalkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageKeyNormalizesWhitespaceAndRole(t *testing.T) {
	a := Message("user", "fix the   flaky\ntest")
	b := Message(" USER ", "fix the flaky test  ")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^msg_[0-9a-f]{32}$`, a)
}

func TestMessageKeyDistinguishesRoleAndContent(t *testing.T) {
	assert.NotEqual(t, Message("user", "hello"), Message("assistant", "hello"))
	assert.NotEqual(t, Message("user", "hello"), Message("user", "hello!"))
	// The separator keeps role/content boundaries unambiguous.
	assert.NotEqual(t, Message("us", "erhello"), Message("user", "hello"))
}

func TestToolUseKey(t *testing.T) {
	assert.Equal(t, "toolu_01", ToolUse(" toolu_01 "))
}
