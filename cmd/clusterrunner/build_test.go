package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitKV(t *testing.T) {
	key, value, ok := splitKV("url=git://example.com/repo")
	assert.True(t, ok)
	assert.Equal(t, "url", key)
	assert.Equal(t, "git://example.com/repo", value)
}

func TestSplitKVNoEquals(t *testing.T) {
	_, _, ok := splitKV("malformed")
	assert.False(t, ok)
}

func TestSplitKVEmptyValue(t *testing.T) {
	key, value, ok := splitKV("flag=")
	assert.True(t, ok)
	assert.Equal(t, "flag", key)
	assert.Equal(t, "", value)
}
