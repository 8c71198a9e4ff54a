// Package prompt renders the text sent with each batch of a batch stage.
//
// Templates use {{name}} placeholders and {{#if name}}...{{/if}} blocks,
// which are kept only when the variable is set and non-empty. Blocks nest.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	varRe    = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
)

const ifClose = "{{/if}}"

// FilePrefix marks a template value that names a file instead of holding
// the template text.
const FilePrefix = "@"

// Vars maps placeholder names to values.
type Vars map[string]string

// Batch variables available to a batch template.
const (
	VarStage      = "stage"
	VarStageID    = "stage_id"
	VarItems      = "items"
	VarBatchIndex = "batch_index"
	VarBatchCount = "batch_count"
	VarBatchSize  = "batch_size"
)

// BatchVars returns the variables for batch index of count. Items are
// joined one per line.
func BatchVars(stage, stageID string, index, count int, items []string) Vars {
	return Vars{
		VarStage:      stage,
		VarStageID:    stageID,
		VarItems:      strings.Join(items, "\n"),
		VarBatchIndex: strconv.Itoa(index),
		VarBatchCount: strconv.Itoa(count),
		VarBatchSize:  strconv.Itoa(len(items)),
	}
}

// Render expands tmpl. Every placeholder left after conditionals must have
// a value; all missing names are reported together.
func Render(tmpl string, vars Vars) (string, error) {
	body, err := expandConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	missing := map[string]bool{}
	out := varRe.ReplaceAllStringFunc(body, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing[name] = true
		return match
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

// expandConditionals resolves {{#if}} blocks innermost first: each
// {{/if}} closes the last {{#if}} opened before it.
func expandConditionals(tmpl string, vars Vars) (string, error) {
	s := tmpl
	for {
		end := strings.Index(s, ifClose)
		if end < 0 {
			break
		}
		opens := ifOpenRe.FindAllStringSubmatchIndex(s[:end], -1)
		if len(opens) == 0 {
			return "", fmt.Errorf("{{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := s[open[2]:open[3]]

		var kept string
		if vars[name] != "" {
			kept = s[open[1]:end]
		}
		s = s[:open[0]] + kept + s[end+len(ifClose):]
	}
	if loc := ifOpenRe.FindString(s); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return s, nil
}

// Resolve returns the template text for ref. A ref starting with FilePrefix
// is read from a file relative to workdir, which it may not escape; any
// other ref is the template itself.
func Resolve(ref, workdir string) (string, error) {
	rel, ok := strings.CutPrefix(ref, FilePrefix)
	if !ok {
		return ref, nil
	}
	path := rel
	if !filepath.IsAbs(path) {
		base, err := filepath.Abs(workdir)
		if err != nil {
			return "", fmt.Errorf("resolve workdir: %w", err)
		}
		path = filepath.Join(base, rel)
		if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes workdir", rel)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	return string(data), nil
}
