package workerrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyDigest(t *testing.T) {
	secret := []byte("a-shared-secret")
	body := []byte(`{"atomic_commands":["echo hi"]}`)

	tr := NewTransport(string(secret), "session-1")
	digest := tr.digest(body)

	assert.True(t, VerifyDigest(secret, body, digest))
	assert.False(t, VerifyDigest(secret, body, "deadbeef"))
	assert.False(t, VerifyDigest(secret, []byte("different body"), digest))
	assert.False(t, VerifyDigest([]byte("wrong secret"), body, digest))
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "http://worker:1234/v1/build/7/setup", buildURL("http://worker:1234", "build", 7, "setup"))
	assert.Equal(t, "http://worker:1234/v1/kill", buildURL("http://worker:1234", "kill"))
}
