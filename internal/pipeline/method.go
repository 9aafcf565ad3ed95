package pipeline

import (
	"strings"

	"modelforge/internal/errs"
)

// Method is a llama.cpp quantization type.
type Method string

const (
	Q4_0   Method = "Q4_0"
	Q4_K_M Method = "Q4_K_M"
	Q5_0   Method = "Q5_0"
	Q5_K_M Method = "Q5_K_M"
	Q8_0   Method = "Q8_0"
)

// Methods lists the supported quantization methods.
var Methods = []Method{Q4_0, Q4_K_M, Q5_0, Q5_K_M, Q8_0}

// ParseMethod accepts a method name in any case.
func ParseMethod(s string) (Method, error) {
	up := Method(strings.ToUpper(strings.TrimSpace(s)))
	for _, m := range Methods {
		if m == up {
			return m, nil
		}
	}
	names := make([]string, len(Methods))
	for i, m := range Methods {
		names[i] = string(m)
	}
	return "", errs.Validation("method", "unsupported quantization method %q (supported: %s)", s, strings.Join(names, ", "))
}
