//go:build darwin

package current

import "github.com/xyproto/veil/internal/editor/macho"

func init() { OsBuild = macho.Build }
