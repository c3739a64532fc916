package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Encode(t *testing.T) {
	tests := []struct {
		req  Request
		want string
	}{
		{Request{Channel: "news"}, "pub:news"},
		{Request{Channel: "news", Count: 3}, "pub:news:3"},
		{Request{Channel: "News_Daily", Count: -1}, "pub:News_Daily"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.req.Encode(), "Encode(%+v)", tt.req)

		back, err := ParseRequest(tt.want)
		require.NoError(t, err, "ParseRequest(%q)", tt.want)
		assert.Equal(t, tt.req.Channel, back.Channel)
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	for _, data := range []string{
		"",
		"news",
		"pub:",
		"pub::3",
		"pub:news:",
		"pub:news:zero",
		"pub:news:0",
		"pub:news:-2",
	} {
		_, err := ParseRequest(data)
		assert.ErrorIs(t, err, ErrMalformedRequest, "ParseRequest(%q)", data)
	}
}

func TestIsRequest(t *testing.T) {
	assert.True(t, IsRequest("pub:news"))
	assert.False(t, IsRequest("other:news"))
}
