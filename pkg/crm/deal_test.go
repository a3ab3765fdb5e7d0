package crm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDealID(t *testing.T) {
	assert.Equal(t, int64(100), Deal{"ID": "100"}.ID())
	assert.Equal(t, int64(100), Deal{"ID": float64(100)}.ID())
	assert.Equal(t, int64(0), Deal{"ID": "abc"}.ID())
	assert.Equal(t, int64(0), Deal{}.ID())
}

func TestStringField(t *testing.T) {
	d := Deal{
		"TITLE":       "  Some deal ",
		"OPPORTUNITY": float64(1500),
		"RATE":        1.5,
	}
	assert.Equal(t, "Some deal", d.StringField("TITLE"))
	assert.Equal(t, "1500", d.StringField("OPPORTUNITY"))
	assert.Equal(t, "1.5", d.StringField("RATE"))
	assert.Equal(t, "", d.StringField("MISSING"))
}

func TestFirstComm(t *testing.T) {
	d := Deal{
		"PHONE": []any{map[string]any{"VALUE": "+7 999 123", "VALUE_TYPE": "WORK"}},
		"EMAIL": []any{},
	}
	assert.Equal(t, "+7 999 123", d.FirstComm("PHONE"))
	assert.Equal(t, "", d.FirstComm("EMAIL"))
	assert.Equal(t, "", d.FirstComm("MISSING"))
}

func TestFirstNonEmpty(t *testing.T) {
	d := Deal{
		"PHONE":        []any{map[string]any{"VALUE": "+7 999"}},
		"UF_CRM_PHONE": "ignored",
	}
	assert.Equal(t, "+7 999", d.FirstNonEmpty("PHONE", "UF_CRM_PHONE"))
	assert.Equal(t, "ignored", d.FirstNonEmpty("MISSING", "UF_CRM_PHONE"))
	assert.Equal(t, "", d.FirstNonEmpty("MISSING"))
}

func TestCreatedAt(t *testing.T) {
	d := Deal{"DATE_CREATE": "2025-03-10T15:04:05+03:00"}
	created, ok := d.CreatedAt()
	assert.True(t, ok)
	assert.Equal(t, 2025, created.Year())
	assert.Equal(t, time.March, created.Month())

	_, ok = Deal{"DATE_CREATE": "not-a-date"}.CreatedAt()
	assert.False(t, ok)

	_, ok = Deal{}.CreatedAt()
	assert.False(t, ok)
}

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"https://Shop.Example.com/path?q=1": "shop.example.com",
		"http://www.example.com":            "example.com",
		"example.com":                       "example.com",
		"  WWW.Example.COM/landing  ":       "example.com",
		"":                                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHost(in), "input %q", in)
	}
}
