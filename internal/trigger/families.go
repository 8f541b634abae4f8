package trigger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Families 触发词族：基础词 -> 同义词列表
type Families map[string][]string

// familiesFile YAML 文件格式
type familiesFile struct {
	Families Families `yaml:"families"`
}

// DefaultFamilies 返回内置触发词族
func DefaultFamilies() Families {
	return Families{
		"document": {"doc", "file", "attachment", "paperwork"},
		"proof":    {"evidence", "verification"},
		"contract": {"agreement", "deal"},
		"send":     {"deliver", "provide", "attach"},
	}
}

// Keywords 展开为去重、小写、排序后的关键词集合
func (f Families) Keywords() []string {
	seen := make(map[string]struct{})
	for base, synonyms := range f {
		for _, word := range append([]string{base}, synonyms...) {
			word = strings.ToLower(strings.TrimSpace(word))
			if word != "" {
				seen[word] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for word := range seen {
		out = append(out, word)
	}
	sort.Strings(out)
	return out
}

// LoadFamilies 从 YAML 文件读取触发词族
//
// 文件格式:
//
//	families:
//	  document: [doc, file]
//	  proof: [evidence]
func LoadFamilies(path string) (Families, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keywords file: %w", err)
	}

	var file familiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing keywords file: %w", err)
	}
	if len(file.Families) == 0 {
		return nil, fmt.Errorf("keywords file %s defines no families", path)
	}
	return file.Families, nil
}
