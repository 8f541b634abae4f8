package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPlatformUtils 测试平台兼容性工具
func TestPlatformUtils(t *testing.T) {
	utils := NewPlatformUtils()

	t.Run("sanitize filename", func(t *testing.T) {
		testCases := []struct {
			input    string
			expected string
		}{
			{"document.html", "document.html"},
			{"test file.txt", "test file.txt"},

			// 路径分隔符
			{"../file.txt", "file.txt"},
			{"path/to/file.txt", "file.txt"},

			// 控制字符
			{"file\x00name.txt", "file_name.txt"},
			{"file\tname.txt", "filename.txt"},

			// 空文件名
			{"", "unnamed"},
			{"   ", "unnamed"},
			{"...", "unnamed"},

			// 超长文件名
			{strings.Repeat("a", 300) + ".txt", strings.Repeat("a", 196) + ".txt"},
		}

		for _, tc := range testCases {
			assert.Equal(t, tc.expected, utils.SanitizeFilename(tc.input), "Input: %q", tc.input)
		}
	})

	t.Run("validate path", func(t *testing.T) {
		assert.NoError(t, utils.ValidatePath("data/conversations"))
		assert.NoError(t, utils.ValidatePath("data/..hidden"))
		assert.Error(t, utils.ValidatePath("data/../../etc"))
		assert.Error(t, utils.ValidatePath(""))
		assert.Error(t, utils.ValidatePath(strings.Repeat("a", 2001)))
	})

	t.Run("safe ids", func(t *testing.T) {
		assert.True(t, utils.IsSafeID("a1b2c3d4e5f60718"))
		assert.True(t, utils.IsSafeID("conv_01-x"))
		assert.False(t, utils.IsSafeID(""))
		assert.False(t, utils.IsSafeID("../escape"))
		assert.False(t, utils.IsSafeID("a.json"))
	})

	t.Run("normalize path is absolute", func(t *testing.T) {
		assert.True(t, filepath.IsAbs(utils.NormalizePath("relative/dir")))
	})
}

// TestWriteFileAtomic 测试原子写入
func TestWriteFileAtomic(t *testing.T) {
	utils := NewPlatformUtils()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")

	require.NoError(t, utils.WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, utils.WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
