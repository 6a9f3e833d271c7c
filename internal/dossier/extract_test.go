package dossier

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dossier/pkg/pipeline"
)

func TestExtractList(t *testing.T) {
	want := []Question{{Question: "Who starts?", ResearchQuery: "confirmed lineup"}}
	tests := []struct {
		name string
		text string
	}{
		{"bare array", `[{"question": "Who starts?", "research_query": "confirmed lineup"}]`},
		{"fenced", "```json\n[{\"question\": \"Who starts?\", \"research_query\": \"confirmed lineup\"}]\n```"},
		{"prose around", `Here you go: [{"question": "Who starts?", "research_query": "confirmed lineup"}] Hope it helps [1].`},
		{"single key object", `{"questions": [{"question": "Who starts?", "research_query": "confirmed lineup"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []Question
			if err := ExtractList(tt.text, &got); err != nil {
				t.Fatalf("ExtractList: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractObject(t *testing.T) {
	type narrative struct {
		Overview string `json:"overview"`
	}
	tests := []struct {
		name string
		text string
		want string
	}{
		{"object", `{"overview": "o"}`, "o"},
		{"one element array", `[{"overview": "wrapped"}]`, "wrapped"},
		{"fence without language", "```\n{\"overview\": \"f\"}\n```", "f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got narrative
			if err := ExtractObject(tt.text, &got); err != nil {
				t.Fatalf("ExtractObject: %v", err)
			}
			if got.Overview != tt.want {
				t.Errorf("overview = %q, want %q", got.Overview, tt.want)
			}
		})
	}
}

func TestExtract_Malformed(t *testing.T) {
	var list []Question
	var obj map[string]string
	tests := []struct {
		name string
		run  func() error
	}{
		{"no json", func() error { return ExtractList("I could not find anything.", &list) }},
		{"truncated", func() error { return ExtractObject(`{"overview": "cut`, &obj) }},
		{"object with two keys", func() error { return ExtractList(`{"a": [], "b": []}`, &list) }},
		{"array of two objects", func() error { return ExtractObject(`[{}, {}]`, &obj) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, pipeline.ErrMalformedResponse) {
				t.Errorf("err = %v, want ErrMalformedResponse", err)
			}
		})
	}
}
