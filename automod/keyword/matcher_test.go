package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	assert := assert.New(t)

	m := NewMatcher([]string{"scam", "Wire Transfer", "SCAM", "", "crédit"})
	assert.Equal(3, m.Len())

	assert.Nil(m.Match("a perfectly fine listing"))
	assert.Equal([]string{"scam"}, m.Match("Total SCAM, avoid"))
	assert.Equal([]string{"Wire Transfer", "scam"}, m.Match("pay by wire-transfer only. not a scam"))
	assert.Equal([]string{"crédit"}, m.Match("no credit check"))

	// phrases need contiguous tokens
	assert.Nil(m.Match("wire the money, then transfer"))
	// partial words don't match
	assert.Nil(m.Match("scammer"))
}

func TestRedact(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("this is a ***** deal", Redact("this is a FRAUD deal", "fraud", ""))
	assert.Equal("call [removed] now", Redact("call Hotline now", "hotline", "[removed]"))
	assert.Equal("a.b a.b", Redact("a.b a.b", "a.c", ""))
	assert.Equal("unchanged", Redact("unchanged", "", "x"))
}
