package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFacts(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Fact
	}{
		{
			"plain array",
			`[{"topic":"fleet","text":"Opera camiones Volvo"}]`,
			[]Fact{{Topic: "fleet", Text: "Opera camiones Volvo"}},
		},
		{
			"code fenced",
			"```json\n[{\"topic\":\"branch\",\"text\":\"Compra en Antofagasta\"}]\n```",
			[]Fact{{Topic: "branch", Text: "Compra en Antofagasta"}},
		},
		{
			"trailing comma repaired",
			`[{"topic":"fleet","text":"Volvo FH"},]`,
			[]Fact{{Topic: "fleet", Text: "Volvo FH"}},
		},
		{"empty array", `[]`, nil},
		{"empty text", ``, nil},
		{
			"missing topic defaults",
			`[{"text":"Prefiere marca Wabco"}]`,
			[]Fact{{Topic: "general", Text: "Prefiere marca Wabco"}},
		},
		{
			"blank text dropped",
			`[{"topic":"fleet","text":""},{"topic":"fleet","text":"ok"}]`,
			[]Fact{{Topic: "fleet", Text: "ok"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFacts(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFactsCapsCountAndLength(t *testing.T) {
	var parts []string
	for i := 0; i < MaxFactsPerExtraction+5; i++ {
		parts = append(parts, `{"topic":"t","text":"`+strings.Repeat("x", MaxFactLength+100)+`"}`)
	}
	got, err := parseFacts("[" + strings.Join(parts, ",") + "]")
	require.NoError(t, err)
	assert.Len(t, got, MaxFactsPerExtraction)
	for _, f := range got {
		assert.Len(t, f.Text, MaxFactLength)
	}
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `[1]`, stripCodeFences("```json\n[1]\n```"))
	assert.Equal(t, `[1]`, stripCodeFences("```\n[1]\n```"))
	assert.Equal(t, `[1]`, stripCodeFences(`[1]`))
}
