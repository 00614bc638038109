package sitem

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"

	"pagesync/pkg/model/mitem"
)

// ValidateProps checks candidate props against a definition. Missing required
// properties and structural mismatches are errors; unknown properties and safe
// scalar coercions are warnings. The returned map is the sanitized copy that
// should be stored.
func ValidateProps(def mitem.ItemDefinition, props map[string]any) (map[string]any, []string, error) {
	sanitized := make(map[string]any, len(props))
	var warnings []string

	for name, schema := range def.Props {
		value, ok := props[name]
		if !ok || value == nil {
			if schema.Required {
				return nil, warnings, fmt.Errorf("prop %q: required property missing", name)
			}
			continue
		}

		coerced, warning, err := coerce(name, schema.Kind, value)
		if err != nil {
			return nil, warnings, err
		}
		if warning != "" {
			warnings = append(warnings, warning)
		}

		if len(schema.Enum) > 0 {
			if err := checkEnum(name, schema.Enum, coerced); err != nil {
				return nil, warnings, err
			}
		}
		if schema.Rule != "" {
			if err := checkRule(name, schema.Rule, coerced, props); err != nil {
				return nil, warnings, err
			}
		}
		sanitized[name] = coerced
	}

	for name, value := range props {
		if _, known := def.Props[name]; !known {
			warnings = append(warnings, fmt.Sprintf("prop %q: not declared by type %q", name, def.Type))
			sanitized[name] = value
		}
	}
	return sanitized, warnings, nil
}

// coerce converts safely convertible scalars (string, number, bool) with a
// warning. Structural mismatches such as a scalar where an array is required
// are hard errors.
func coerce(name string, kind mitem.PropKind, value any) (any, string, error) {
	switch kind {
	case mitem.PropKindString:
		switch v := value.(type) {
		case string:
			return v, "", nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), coerceWarning(name, "number", "string"), nil
		case int:
			return strconv.Itoa(v), coerceWarning(name, "number", "string"), nil
		case bool:
			return strconv.FormatBool(v), coerceWarning(name, "bool", "string"), nil
		}
	case mitem.PropKindNumber:
		switch v := value.(type) {
		case float64:
			return v, "", nil
		case int:
			return float64(v), "", nil
		case string:
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed, coerceWarning(name, "string", "number"), nil
			}
		case bool:
			if v {
				return float64(1), coerceWarning(name, "bool", "number"), nil
			}
			return float64(0), coerceWarning(name, "bool", "number"), nil
		}
	case mitem.PropKindBool:
		switch v := value.(type) {
		case bool:
			return v, "", nil
		case string:
			if parsed, err := strconv.ParseBool(v); err == nil {
				return parsed, coerceWarning(name, "string", "bool"), nil
			}
		case float64:
			return v != 0, coerceWarning(name, "number", "bool"), nil
		}
	case mitem.PropKindArray:
		if v, ok := value.([]any); ok {
			return v, "", nil
		}
		return nil, "", fmt.Errorf("prop %q: expected array, got %T", name, value)
	case mitem.PropKindObject:
		if v, ok := value.(map[string]any); ok {
			return v, "", nil
		}
		return nil, "", fmt.Errorf("prop %q: expected object, got %T", name, value)
	case mitem.PropKindUnspecified:
		return value, "", nil
	}
	return nil, "", fmt.Errorf("prop %q: cannot convert %T to %s", name, value, kind)
}

func coerceWarning(name, from, to string) string {
	return fmt.Sprintf("prop %q: coerced %s to %s", name, from, to)
}

func checkEnum(name string, enum []string, value any) error {
	str, ok := value.(string)
	if !ok {
		str = fmt.Sprint(value)
	}
	for _, allowed := range enum {
		if str == allowed {
			return nil
		}
	}
	return fmt.Errorf("prop %q: value %q not in enum %v", name, str, enum)
}

// checkRule evaluates the definition's constraint expression with env
// {value, props}; anything but a true result fails validation.
func checkRule(name, rule string, value any, props map[string]any) error {
	env := map[string]any{"value": value, "props": props}
	program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
	if err != nil {
		return fmt.Errorf("prop %q: invalid rule %q: %w", name, rule, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("prop %q: rule %q: %w", name, rule, err)
	}
	if ok, _ := out.(bool); !ok {
		return fmt.Errorf("prop %q: rule %q rejected value", name, rule)
	}
	return nil
}
