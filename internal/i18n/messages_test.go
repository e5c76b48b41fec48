package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage(t *testing.T) {
	assert.Equal(t, "Reconnecting…", Message("en", Reconnecting))
	assert.Equal(t, "البث غير متاح. أعد التحميل للمحاولة مرة أخرى.", Message("ar-EG", Unavailable))
	assert.Equal(t, "12 watching", Message("fr", Viewers, 12))
	assert.Equal(t, "3 izleyici", Message("tr_TR", Viewers, 3))
	assert.Equal(t, "nope", Message("en", Key("nope")))
}

func TestEveryLanguageHasEveryKey(t *testing.T) {
	for lang, table := range catalog {
		for key := range catalog[DefaultLang] {
			assert.NotEmpty(t, table[key], "%s missing %s", lang, key)
		}
	}
}

func TestRTL(t *testing.T) {
	assert.True(t, RTL("ar"))
	assert.False(t, RTL("en-US"))
}
