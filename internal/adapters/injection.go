package adapters

import "strings"

// InjectionMode controls how provider-native instructions combine with the
// client's own system prompt.
type InjectionMode string

const (
	// InjectionOverride replaces the first system entry entirely.
	InjectionOverride InjectionMode = "override"
	// InjectionAppend newline-joins the provider instructions after the first entry.
	InjectionAppend InjectionMode = "append"
	// InjectionDisabled leaves the system prompt untouched.
	InjectionDisabled InjectionMode = "disabled"
)

// ModelPlaceholder is replaced with the resolved upstream model id.
const ModelPlaceholder = "{model}"

// Injector merges provider-native instructions into a system prompt.
// Only the first system entry is ever touched.
type Injector struct {
	Template string
	Mode     InjectionMode
}

// Active reports whether the injector changes anything.
func (i Injector) Active() bool {
	return i.Template != "" && (i.Mode == InjectionOverride || i.Mode == InjectionAppend)
}

// Render substitutes the model placeholder.
func (i Injector) Render(model string) string {
	return strings.ReplaceAll(i.Template, ModelPlaceholder, model)
}

// ApplyText merges the instructions into one system string.
func (i Injector) ApplyText(original, model string) string {
	if !i.Active() {
		return original
	}
	rendered := i.Render(model)
	if i.Mode == InjectionOverride || original == "" {
		return rendered
	}
	return original + "\n" + rendered
}

// Apply merges the instructions into the first entry of a structured system
// prompt. The input slice is not modified.
func (i Injector) Apply(system []SystemBlock, model string) []SystemBlock {
	if !i.Active() {
		return system
	}
	if len(system) == 0 {
		return []SystemBlock{{Text: i.Render(model)}}
	}

	out := make([]SystemBlock, len(system))
	copy(out, system)
	if i.Mode == InjectionOverride {
		out[0] = SystemBlock{Text: i.Render(model)}
		return out
	}
	out[0].Text = i.ApplyText(out[0].Text, model)
	return out
}
