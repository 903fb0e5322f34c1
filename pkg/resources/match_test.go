package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	doc, _ := decodeJSON(`{"a":1,"b":{"c":"x","d":[1,2,{"e":true}]},"f":null}`)

	tests := []struct {
		pattern string
		want    bool
	}{
		{`{}`, true},
		{`{"a":1}`, true},
		{`{"a":2}`, false},
		{`{"b":{"c":"x"}}`, true},
		{`{"b":{"d":[2]}}`, true},
		{`{"b":{"d":[{"e":true}]}}`, true},
		{`{"b":{"d":[3]}}`, false},
		{`{"f":null}`, true},
		{`{"missing":1}`, false},
		{`[1]`, false},
	}
	for _, tt := range tests {
		pattern, ok := decodeJSON(tt.pattern)
		assert.True(t, ok)
		assert.Equal(t, tt.want, contains(doc, pattern), tt.pattern)
	}
}

func TestUniqueValue(t *testing.T) {
	v, ok := uniqueValue(`{"title":"milk","n":42,"z":null}`, "title")
	assert.True(t, ok)
	assert.Equal(t, "milk", v)

	v, ok = uniqueValue(`{"n":42}`, "n")
	assert.True(t, ok)
	assert.Equal(t, "42", v)

	_, ok = uniqueValue(`{"z":null}`, "z")
	assert.False(t, ok)
	_, ok = uniqueValue(`not json`, "title")
	assert.False(t, ok)
}

func TestMergeData(t *testing.T) {
	assert.JSONEq(t, `{"a":1,"b":3}`, mergeData(`{"a":1,"b":2}`, `{"b":3}`))
	assert.Equal(t, `[1]`, mergeData(`{"a":1}`, `[1]`))
	assert.Equal(t, `{"a":1}`, mergeData(`text`, `{"a":1}`))
}
