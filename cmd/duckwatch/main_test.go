package main

import (
	"strings"
	"testing"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		msg  string
		want []string
	}{
		{
			`{"type":"state_init","ts":"2026-03-01T12:00:00Z","data":{"trigger":"Mozilla zen","target":"Spotify","ducked":true,"target_present":true,"lower_volume":45,"normal_volume":80,"ducks_fired":2,"restores_fired":1}}`,
			[]string{"[STATE] ducked", "Spotify present=true", "lower 45% normal 80%", "(2 ducks, 1 restores)"},
		},
		{`{"type":"ducked","ts":"2026-03-01T12:00:00Z","data":{"level":45}}`, []string{"[DUCKED] 45%"}},
		{`{"type":"restored","ts":"2026-03-01T12:00:00Z","data":{"level":80}}`, []string{"[RESTORED] 80%"}},
		{`{"type":"target_absent","ts":"2026-03-01T12:00:00Z"}`, []string{"[TARGET] absent"}},
		{`{"type":"something_new","ts":"2026-03-01T12:00:00Z","data":{"x":1}}`, []string{"[something_new]", `{"x":1}`}},
		{`not json`, []string{"[TEXT] not json"}},
	}

	for _, tt := range tests {
		got := formatEvent([]byte(tt.msg))
		for _, w := range tt.want {
			if !strings.Contains(got, w) {
				t.Errorf("formatEvent(%s) = %q, missing %q", tt.msg, got, w)
			}
		}
	}
}
