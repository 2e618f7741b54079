package flow

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// chooseOption 在候选文本中找第一个包含 label 的项（区分大小写，按 NFC 归一化比较）。
// 找不到时退回第一项并返回 exact=false；候选为空时返回 ErrNoCandidates。
func chooseOption(candidates []string, label string) (index int, exact bool, err error) {
	if len(candidates) == 0 {
		return -1, false, ErrNoCandidates
	}
	want := norm.NFC.String(strings.TrimSpace(label))
	if want != "" {
		for i, c := range candidates {
			if strings.Contains(norm.NFC.String(c), want) {
				return i, true, nil
			}
		}
	}
	return 0, false, nil
}
