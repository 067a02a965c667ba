//go:build linux

package current

import "github.com/xyproto/veil/internal/editor/elf"

func init() { OsBuild = elf.Build }
