//go:build windows

package current

import "github.com/xyproto/veil/internal/editor/pe"

func init() { OsBuild = pe.Build }
