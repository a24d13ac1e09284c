package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_PrefixConvention(t *testing.T) {
	assert.Equal(t, Coach, Classify("coach-alice", nil))
	assert.Equal(t, AI, Classify("ai-assistant", nil))
	assert.Equal(t, Client, Classify("client-bob", nil))
	assert.Equal(t, Client, Classify("anything-else", nil))
}

func TestClassify_MetadataOverride(t *testing.T) {
	assert.Equal(t, Coach, Classify("client-bob", []byte(`{"role":"coach"}`)))
	assert.Equal(t, AI, Classify("coach-alice", []byte(`{"role":"ai"}`)))
}

func TestClassify_UnparseableOrUnknownMetadataFallsBackToPrefix(t *testing.T) {
	assert.Equal(t, Coach, Classify("coach-alice", []byte(`not json`)))
	assert.Equal(t, Coach, Classify("coach-alice", []byte(`{"role":"wizard"}`)))
	assert.Equal(t, Client, Classify("plain", []byte(`{}`)))
}
