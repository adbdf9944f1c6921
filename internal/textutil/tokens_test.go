package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokens_HanBigramsAndWords(t *testing.T) {
	got := Tokens("蔬菜摄入 300克 and Vitamin C")
	assert.Equal(t, []string{"300", "vitamin", "c", "蔬菜", "菜摄", "摄入", "克"}, got)
}

func TestTokens_SingleHanRun(t *testing.T) {
	assert.Equal(t, []string{"盐"}, Tokens("盐"))
	assert.Empty(t, Tokens("的"))
}

func TestTokenSet(t *testing.T) {
	set := TokenSet("少盐少油少盐")
	assert.Len(t, set, 4)
	assert.Contains(t, set, "油少")
	assert.Contains(t, set, "少盐")
	assert.Contains(t, set, "盐少")
	assert.Contains(t, set, "少油")
}
