// Package trigger 实现基于触发词族的附件升级检测。
package trigger

// KeywordDetector 判断文本中是否出现任一触发词（按词形还原后比较）
type KeywordDetector struct {
	keywords map[string]struct{}
}

// NewKeywordDetector 根据词族创建检测器，families 为空时使用内置词族
func NewKeywordDetector(families Families) *KeywordDetector {
	if len(families) == 0 {
		families = DefaultFamilies()
	}

	keywords := make(map[string]struct{})
	for _, word := range families.Keywords() {
		keywords[foldText(word)] = struct{}{}
	}
	return &KeywordDetector{keywords: keywords}
}

// Detect 任一单词的原形命中关键词即返回 true
func (d *KeywordDetector) Detect(text string) bool {
	return len(d.matches(text, 1)) > 0
}

// Matches 返回命中的关键词（按出现顺序去重）
func (d *KeywordDetector) Matches(text string) []string {
	return d.matches(text, 0)
}

func (d *KeywordDetector) matches(text string, limit int) []string {
	var found []string
	seen := make(map[string]struct{})

	for _, word := range tokenize(foldText(text)) {
		for _, candidate := range lemmaCandidates(word) {
			if _, ok := d.keywords[candidate]; !ok {
				continue
			}
			if _, dup := seen[candidate]; !dup {
				seen[candidate] = struct{}{}
				found = append(found, candidate)
			}
			if limit > 0 && len(found) >= limit {
				return found
			}
			break
		}
	}
	return found
}
