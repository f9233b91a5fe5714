package risk

import (
	"regexp"
	"strings"
)

var (
	fieldHintRe = regexp.MustCompile(`\s*\(([a-z0-9_]+)\)\s*`)
	nowClaimRe  = regexp.MustCompile(`当前日期[为是]\s*\d{4}年\d{1,2}月\d{1,2}日`)
)

// StripFieldHints removes English field-name hints embedded in Chinese
// sentences, e.g. "发票总金额(total_amount)为…" → "发票总金额为…".
func StripFieldHints(text string) string {
	return fieldHintRe.ReplaceAllString(text, "")
}

// StripFieldHintsAll cleans every string in place.
func StripFieldHintsAll(texts []string) []string {
	for i, t := range texts {
		texts[i] = StripFieldHints(t)
	}
	return texts
}

// EnforceNowDate rewrites any "当前日期为YYYY年M月D日" claim in model
// output to the caller-supplied date, or to "当前日期未知" when none was
// given.
func EnforceNowDate(text, nowDate string) string {
	if nowDate == "" {
		return nowClaimRe.ReplaceAllString(text, "当前日期未知")
	}
	nd := nowDate
	if strings.Contains(nd, "-") {
		nd = strings.Replace(nd, "-", "年", 1)
		nd = strings.Replace(nd, "-", "月", 1)
		nd += "日"
	}
	return nowClaimRe.ReplaceAllString(text, "当前日期为"+nd)
}

// EnforceNowDateAll rewrites every string in place.
func EnforceNowDateAll(texts []string, nowDate string) []string {
	for i, t := range texts {
		texts[i] = EnforceNowDate(t, nowDate)
	}
	return texts
}
