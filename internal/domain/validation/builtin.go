package validation

import (
	"context"
	"strconv"
	"strings"
)

// RegisterBuiltins installs the commands every registry ships with.
func RegisterBuiltins(r *Registry) {
	r.Register("not_empty", func(_ context.Context, args []string) (bool, error) {
		return len(args) > 0 && strings.TrimSpace(args[0]) != "", nil
	})
	r.Register("is_number", func(_ context.Context, args []string) (bool, error) {
		if len(args) == 0 {
			return false, nil
		}
		_, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
		return err == nil, nil
	})
}
