package adapters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/izzoa/ccproxy-api-sub002/internal/adapters"
)

func TestInjector_Apply(t *testing.T) {
	system := []adapters.SystemBlock{
		{Text: "be terse", CacheControl: []byte(`{"type":"ephemeral"}`)},
		{Text: "second entry"},
	}

	tests := []struct {
		name     string
		injector adapters.Injector
		input    []adapters.SystemBlock
		want     []string
	}{
		{
			name:     "override replaces first entry only",
			injector: adapters.Injector{Template: "You are {model}.", Mode: adapters.InjectionOverride},
			input:    system,
			want:     []string{"You are gpt-5.", "second entry"},
		},
		{
			name:     "append joins with newline, provider text last",
			injector: adapters.Injector{Template: "You are {model}.", Mode: adapters.InjectionAppend},
			input:    system,
			want:     []string{"be terse\nYou are gpt-5.", "second entry"},
		},
		{
			name:     "disabled is identity",
			injector: adapters.Injector{Template: "You are {model}.", Mode: adapters.InjectionDisabled},
			input:    system,
			want:     []string{"be terse", "second entry"},
		},
		{
			name:     "empty system gets the instructions",
			injector: adapters.Injector{Template: "You are {model}.", Mode: adapters.InjectionAppend},
			input:    nil,
			want:     []string{"You are gpt-5."},
		},
		{
			name:     "empty template is identity",
			injector: adapters.Injector{Mode: adapters.InjectionOverride},
			input:    system,
			want:     []string{"be terse", "second entry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.injector.Apply(tt.input, "gpt-5")
			var got []string
			for _, s := range out {
				got = append(got, s.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInjector_ApplyDoesNotMutateInput(t *testing.T) {
	system := []adapters.SystemBlock{{Text: "original"}}
	inj := adapters.Injector{Template: "extra", Mode: adapters.InjectionAppend}

	_ = inj.Apply(system, "m")

	assert.Equal(t, "original", system[0].Text)
}

func TestInjector_AppendKeepsCacheControl(t *testing.T) {
	system := []adapters.SystemBlock{{Text: "a", CacheControl: []byte(`{"type":"ephemeral"}`)}}
	inj := adapters.Injector{Template: "b", Mode: adapters.InjectionAppend}

	out := inj.Apply(system, "m")

	assert.JSONEq(t, `{"type":"ephemeral"}`, string(out[0].CacheControl))
}
