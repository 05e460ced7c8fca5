package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]interface{}{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]interface{}{"expr": "a < b && c > d"})
	require.NoError(t, err)
	assert.Equal(t, `{"expr":"a < b && c > d"}`, string(out))
}

func TestJCSRespectsStructTags(t *testing.T) {
	type rule struct {
		RuleID  string `json:"rule_id"`
		Version string `json:"version"`
	}
	out, err := JCS(rule{RuleID: "DUP-001", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, `{"rule_id":"DUP-001","version":"1.0.0"}`, string(out))
}

func TestCanonicalHashDeterministic(t *testing.T) {
	v := map[string]interface{}{"claim_id": "CLM-2026-000000001", "amount": 120.5}
	h1, err := CanonicalHash(v)
	require.NoError(t, err)
	h2, err := CanonicalHash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestTransformMatchesJCSForSimpleObjects(t *testing.T) {
	raw := []byte(`{"b": 2, "a": 1}`)
	out, err := Transform(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestChainHashLinksContentToPrevious(t *testing.T) {
	c := HashBytes([]byte("content"))
	p := HashBytes([]byte("previous"))
	assert.Equal(t, HashBytes([]byte(c+p)), ChainHash(c, p))
	assert.NotEqual(t, ChainHash(c, p), ChainHash(p, c))
}
