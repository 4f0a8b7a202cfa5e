package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeText(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		text string
		out  []string
	}{
		{text: "", out: []string{}},
		{text: "Hello, โลก!", out: []string{"hello", "โลก"}},
		{text: "Gdańsk", out: []string{"gdansk"}},
		{text: "BUY now!!! fr.aud", out: []string{"buy", "now", "fr", "aud"}},
	}

	for _, fix := range fixtures {
		assert.Equal(fix.out, TokenizeText(fix.text))
	}
}

func TestSlugify(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("thehandle", Slugify("The-Handle!"))
	assert.Equal("", Slugify("..."))
}
