package device

import (
	"mime"
	"path/filepath"
	"strings"
)

// 撮影ファイルのMIMEと拡張子の対応
var extByMIME = map[string]string{
	"image/jpeg":        ".jpg",
	"image/x-canon-cr2": ".cr2",
	"image/x-nikon-nef": ".nef",
	"image/tiff":        ".tif",
}

// ExtForMIME はMIMEタイプに対応する拡張子を返す
// 不明な場合はfallbackNameの拡張子、それもなければ ".bin"
func ExtForMIME(mimeType, fallbackName string) string {
	if ext, ok := extByMIME[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	if ext := filepath.Ext(fallbackName); ext != "" {
		return strings.ToLower(ext)
	}
	return ".bin"
}

// MIMEForName はファイル名の拡張子からMIMEタイプを推定する
func MIMEForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpeg":
		ext = ".jpg"
	case ".tiff":
		ext = ".tif"
	}
	for m, e := range extByMIME {
		if e == ext {
			return m
		}
	}
	if m := mime.TypeByExtension(ext); m != "" {
		return m
	}
	return "application/octet-stream"
}
