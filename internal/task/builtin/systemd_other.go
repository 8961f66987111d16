//go:build !linux

package builtin

import "context"

func controlUnit(context.Context, string, string) (string, error) {
	return "", errSystemdUnsupported
}
