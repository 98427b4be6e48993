package action

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// transforms is the closed set of named transforms a RewriteTransform op
// may reference, per spec.md §4.3.
var transforms = map[string]func(interface{}) interface{}{
	"uppercase": func(v interface{}) interface{} {
		s, ok := v.(string)
		if !ok {
			return v
		}
		return strings.ToUpper(s)
	},
	"lowercase": func(v interface{}) interface{} {
		s, ok := v.(string)
		if !ok {
			return v
		}
		return strings.ToLower(s)
	},
}

// ApplyRewrite runs a Rewrite action's ordered ops against a JSON payload
// and returns the mutated bytes plus whether anything actually changed. A
// nil action, empty payload, or an op whose field doesn't exist (delete,
// rename, transform) is a no-op for that op rather than an error.
func ApplyRewrite(payload []byte, a *RewriteAction) ([]byte, bool, error) {
	if a == nil || len(payload) == 0 {
		return payload, false, nil
	}
	out := payload
	modified := false
	for _, op := range a.Ops {
		next, changed, err := applyRewriteOp(out, op)
		if err != nil {
			return payload, false, err
		}
		if changed {
			out, modified = next, true
		}
	}
	if a.PreserveOriginal && modified {
		next, err := sjson.SetBytes(out, "_original", gjson.ParseBytes(payload).Value())
		if err != nil {
			return payload, false, fmt.Errorf("rewrite preserve_original: %w", err)
		}
		out = next
	}
	return out, modified, nil
}

func applyRewriteOp(payload []byte, op RewriteOp) ([]byte, bool, error) {
	switch op.Kind {
	case RewriteSetField:
		next, err := sjson.SetBytes(payload, op.Field, op.Value)
		if err != nil {
			return payload, false, fmt.Errorf("rewrite set_field %q: %w", op.Field, err)
		}
		return next, true, nil
	case RewriteDeleteField:
		if !gjson.GetBytes(payload, op.Field).Exists() {
			return payload, false, nil
		}
		next, err := sjson.DeleteBytes(payload, op.Field)
		if err != nil {
			return payload, false, fmt.Errorf("rewrite delete_field %q: %w", op.Field, err)
		}
		return next, true, nil
	case RewriteRenameField:
		existing := gjson.GetBytes(payload, op.Field)
		if !existing.Exists() {
			return payload, false, nil
		}
		next, err := sjson.SetBytes(payload, op.NewField, existing.Value())
		if err != nil {
			return payload, false, fmt.Errorf("rewrite rename_field %q: %w", op.Field, err)
		}
		next, err = sjson.DeleteBytes(next, op.Field)
		if err != nil {
			return payload, false, fmt.Errorf("rewrite rename_field %q cleanup: %w", op.Field, err)
		}
		return next, true, nil
	case RewriteTransform:
		current := gjson.GetBytes(payload, op.Field)
		if !current.Exists() {
			return payload, false, nil
		}
		fn, ok := transforms[op.Transform]
		if !ok {
			return payload, false, fmt.Errorf("rewrite transform %q not registered", op.Transform)
		}
		next, err := sjson.SetBytes(payload, op.Field, fn(current.Value()))
		if err != nil {
			return payload, false, fmt.Errorf("rewrite transform %q on %q: %w", op.Transform, op.Field, err)
		}
		return next, true, nil
	default:
		return payload, false, fmt.Errorf("unknown rewrite op kind %q", op.Kind)
	}
}

// ApplyRedact runs a Redact action's strategy against each declared field of
// a JSON payload, per spec.md §4.3's Remove/Mask/Hash/Partial strategies.
// Fields absent from the payload are skipped rather than erroring, since a
// rule's declared field set may not apply to every event shape in a family.
func ApplyRedact(payload []byte, a *RedactAction) ([]byte, bool, error) {
	if a == nil || len(payload) == 0 {
		return payload, false, nil
	}
	out := payload
	modified := false
	for _, field := range a.Fields {
		current := gjson.GetBytes(out, field)
		if !current.Exists() {
			continue
		}

		var (
			next []byte
			err  error
		)
		switch a.Strategy {
		case RedactRemove:
			next, err = sjson.DeleteBytes(out, field)
		case RedactMask:
			next, err = sjson.SetBytes(out, field, maskTemplate(a.Template))
		case RedactHash:
			next, err = sjson.SetBytes(out, field, hashValue(current.String()))
		case RedactPartial:
			next, err = sjson.SetBytes(out, field, partialValue(current.String(), a.Template))
		default:
			return payload, false, fmt.Errorf("unknown redact strategy %q", a.Strategy)
		}
		if err != nil {
			return payload, false, fmt.Errorf("redact field %q: %w", field, err)
		}
		out, modified = next, true
	}
	return out, modified, nil
}

func maskTemplate(template string) string {
	if template == "" {
		return "***"
	}
	return template
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:16]
}

// partialValue keeps the last 4 characters of v visible, masking the rest,
// or substitutes them into template's "{last4}" placeholder when given.
func partialValue(v, template string) string {
	if len(v) <= 4 {
		return maskTemplate(template)
	}
	visible := v[len(v)-4:]
	if template != "" {
		return strings.Replace(template, "{last4}", visible, 1)
	}
	return strings.Repeat("*", len(v)-4) + visible
}

// ApplyAttachMetadata merges kv into the payload's top-level "_metadata"
// object, per spec.md §4.3's AttachMetadata action. Existing keys are left
// alone unless Overwrite is set.
func ApplyAttachMetadata(payload []byte, a *AttachMetadataAction) ([]byte, bool, error) {
	if a == nil || len(a.KV) == 0 {
		return payload, false, nil
	}
	out := payload
	if len(out) == 0 {
		out = []byte("{}")
	}
	modified := false
	for k, v := range a.KV {
		path := "_metadata." + k
		if !a.Overwrite && gjson.GetBytes(out, path).Exists() {
			continue
		}
		next, err := sjson.SetBytes(out, path, v)
		if err != nil {
			return payload, false, fmt.Errorf("attach_metadata %q: %w", k, err)
		}
		out, modified = next, true
	}
	return out, modified, nil
}
