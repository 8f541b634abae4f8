package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
)

// PlatformUtils 平台兼容性工具
type PlatformUtils struct{}

// NewPlatformUtils 创建平台工具实例
func NewPlatformUtils() *PlatformUtils {
	return &PlatformUtils{}
}

// SanitizeFilename 清理文件名，确保跨平台兼容
func (p *PlatformUtils) SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)

	for _, char := range p.getInvalidChars() {
		filename = strings.ReplaceAll(filename, char, "_")
	}

	filename = p.removeControlChars(filename)
	filename = p.limitLength(filename, 200)
	filename = strings.Trim(filename, " .")

	if filename == "" {
		filename = "unnamed"
	}

	return filename
}

// getInvalidChars 获取当前平台不允许的字符
func (p *PlatformUtils) getInvalidChars() []string {
	switch runtime.GOOS {
	case "darwin", "linux":
		return []string{"/", "\x00"}
	default:
		return []string{"<", ">", ":", "\"", "|", "?", "*", "\\", "/", "\x00"}
	}
}

// removeControlChars 移除控制字符
func (p *PlatformUtils) removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// limitLength 限制字符串长度，保留扩展名
func (p *PlatformUtils) limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	availableLen := maxLen - len(ext)
	if availableLen <= 0 {
		return ext
	}

	return strings.TrimSuffix(s, ext)[:availableLen] + ext
}

// ValidatePath 验证路径是否安全
func (p *PlatformUtils) ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path is required")
	}
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}

// NormalizePath 转换为绝对路径并清理
func (p *PlatformUtils) NormalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(absPath)
}

// IsSafeID 判断标识符能否直接用作文件名
func (p *PlatformUtils) IsSafeID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// WriteFileAtomic 先写临时文件再重命名，读者只会看到完整内容
func (p *PlatformUtils) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp for %s: %w", path, err)
	}
	return nil
}
