package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecord_Number(t *testing.T) {
	rec := Record{
		"a":     "not a number",
		"b":     json.Number("4.5"),
		"comma": "1,5",
		"int":   3,
		"empty": "",
	}

	v, ok := rec.Number("missing", "a", "b")
	assert.True(t, ok)
	assert.Equal(t, 4.5, v)

	v, ok = rec.Number("comma")
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = rec.Number("int")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = rec.Number("empty", "a")
	assert.False(t, ok)
}

func TestRecord_Map(t *testing.T) {
	rec := Record{"loop": map[string]any{"cob": 12.0}}
	loop, ok := rec.Map("openaps", "loop")
	assert.True(t, ok)
	v, _ := loop.Number("cob")
	assert.Equal(t, 12.0, v)
}

func TestRecord_FindNumber(t *testing.T) {
	rec := Record{
		"openaps": map[string]any{
			"enacted": map[string]any{
				"mealData": []any{map[string]any{"COB": 22.0}},
			},
		},
		"device": "loop://iPhone",
	}

	v, ok := rec.FindNumber(4, "cob")
	assert.True(t, ok)
	assert.Equal(t, 22.0, v)

	_, ok = rec.FindNumber(1, "cob")
	assert.False(t, ok, "value sits below the depth limit")
}

func TestRecord_Strings(t *testing.T) {
	rec := Record{"tags": []any{"smb", 4, "auto"}}
	assert.Equal(t, []string{"smb", "auto"}, rec.Strings("tags"))
	assert.Nil(t, rec.Strings("none"))
}
