package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xynlabs/xyn/internal/xynerr"
)

var templateRef = regexp.MustCompile(`{{\s*([a-zA-Z0-9_.]+)\s*}}`)

// ResolutionContext supplies the values a template expression may
// reference: run inputs and prior steps' outputs keyed by step id.
type ResolutionContext struct {
	Inputs map[string]any
	Steps  map[string]map[string]any
}

// document renders the context as one JSON tree so a placeholder path
// ("inputs.x", "steps.<id>.outputs.y") is directly a gjson path.
func (c ResolutionContext) document() ([]byte, error) {
	steps := make(map[string]map[string]any, len(c.Steps))
	for id, outputs := range c.Steps {
		steps[id] = map[string]any{"outputs": outputs}
	}
	doc, err := json.Marshal(map[string]any{"inputs": c.Inputs, "steps": steps})
	if err != nil {
		return nil, xynerr.Wrap(xynerr.KindTemplateResolution, "encode resolution context", err)
	}
	return doc, nil
}

// ResolveValue resolves a single template placeholder ("{{inputs.x}}" or
// "{{steps.<id>.outputs.y}}"), preserving the referenced value's JSON
// type. A string containing other text alongside a placeholder is
// resolved as a string substitution instead.
func ResolveValue(raw any, ctx ResolutionContext) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}

	matches := templateRef.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	doc, err := ctx.document()
	if err != nil {
		return nil, err
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		return resolvePath(path, doc)
	}

	var resolveErr error
	resolved := templateRef.ReplaceAllStringFunc(s, func(match string) string {
		sub := templateRef.FindStringSubmatch(match)
		val, err := resolvePath(sub[1], doc)
		if err != nil {
			resolveErr = err
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	return resolved, nil
}

// resolvePath validates the reference's shape, then resolves it as a
// gjson path over the context document.
func resolvePath(path string, doc []byte) (any, error) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "inputs":
		if len(parts) != 2 {
			return nil, xynerr.New(xynerr.KindTemplateResolution, "malformed inputs reference: "+path)
		}
	case "steps":
		if len(parts) != 4 || parts[2] != "outputs" {
			return nil, xynerr.New(xynerr.KindTemplateResolution, "malformed steps reference: "+path)
		}
	default:
		return nil, xynerr.New(xynerr.KindTemplateResolution, "unknown reference root: "+parts[0])
	}

	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return nil, xynerr.New(xynerr.KindTemplateResolution, "unresolved reference: "+path)
	}
	return res.Value(), nil
}

// ResolveParams resolves every value in a step's parameter map.
func ResolveParams(params map[string]any, ctx ResolutionContext) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := ResolveValue(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}
