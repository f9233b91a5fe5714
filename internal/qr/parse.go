// Package qr recovers the verification five elements (invoice code,
// number, issue date, amount, check code) from QR payload text and raw
// OCR text. Fully digital invoices without a printed check code get one
// inferred from the last six digits of the 20-digit number.
package qr

import (
	"regexp"
	"strings"
)

// Parsed holds the elements recovered from text. Inferred marks a check
// code derived from the invoice number rather than read off the ticket.
type Parsed struct {
	FPDM     string `json:"fpdm"` // invoice code
	FPHM     string `json:"fphm"` // invoice number
	KPRQ     string `json:"kprq"` // issue date, YYYY-MM-DD
	JE       string `json:"je"`   // amount excluding tax
	JYM      string `json:"jym"`  // check code, 6 digits
	Inferred bool   `json:"inferred"`
	Route    string `json:"route"` // "csv-like" or "kv/heuristic"
}

var (
	fpdmPat = regexp.MustCompile(`(?:fpdm|发票代码)[=:：\s]*([0-9]{10,12})`)
	fphmPat = regexp.MustCompile(`(?:fphm|发票号码|号码)[=:：\s]*([0-9]{8,20})`)
	kprqPat = regexp.MustCompile(`(?:kprq|开票日期)[=:：\s]*([0-9]{8}|[0-9]{4}[-/年][0-9]{2}[-/月][0-9]{2})`)
	jePat   = regexp.MustCompile(`(?:je|金额|不含税金额|金额（不含税）)[=:：\s]*(-?[0-9]+(?:\.[0-9]{1,2})?)`)
	jymPat  = regexp.MustCompile(`(?:jym|校验码)[=:：\s]*([0-9]{6})`)

	csvLikePat = regexp.MustCompile(`01[,，]\s*([0-9]{10,12})[,，]\s*([0-9]{8,20})[,，]\s*([0-9]{8})[,，]\s*([0-9]{6})[,，]\s*(-?[0-9]+(?:\.[0-9]{1,2})?)`)

	digitalPat = regexp.MustCompile(`全面数字化|数电票|数电化|号码20位|电子发票(普通|专用)电子化`)
)

// NormDate8 turns an 8-digit or CN/slash-separated date into YYYY-MM-DD.
// Anything else passes through after separator normalization.
func NormDate8(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "-", "年", "-", "月", "-", "日", "").Replace(s)
	if regexp.MustCompile(`^\d{8}$`).MatchString(s) {
		return s[:4] + "-" + s[4:6] + "-" + s[6:]
	}
	return s
}

// Parse scans the QR payload and OCR text for the five elements. A
// CSV-like QR payload wins; otherwise labeled key/value patterns apply,
// with the digital-invoice check-code fallback on top.
func Parse(qrText, ocrText string) Parsed {
	raw := strings.TrimSpace(qrText + "\n" + ocrText)

	if m := csvLikePat.FindStringSubmatch(raw); m != nil {
		return Parsed{
			FPDM: m[1], FPHM: m[2], KPRQ: NormDate8(m[3]),
			JYM: m[4], JE: m[5], Route: "csv-like",
		}
	}

	pick := func(pat *regexp.Regexp, rawKey string) string {
		if m := pat.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
		if rawKey != "" {
			kv := regexp.MustCompile(rawKey + `=([0-9\-./]+)`)
			if m := kv.FindStringSubmatch(raw); m != nil {
				return m[1]
			}
		}
		return ""
	}

	p := Parsed{
		FPDM:  pick(fpdmPat, "fpdm"),
		FPHM:  pick(fphmPat, "fphm"),
		KPRQ:  pick(kprqPat, "kprq"),
		JE:    pick(jePat, "je"),
		JYM:   pick(jymPat, "jym"),
		Route: "kv/heuristic",
	}
	if p.KPRQ != "" {
		p.KPRQ = NormDate8(p.KPRQ)
	}

	looksDigital := (p.FPHM != "" && len(p.FPHM) == 20) || digitalPat.MatchString(raw)
	if looksDigital && p.JYM == "" && len(p.FPHM) >= 6 {
		p.JYM = p.FPHM[len(p.FPHM)-6:]
		p.Inferred = true
	}
	return p
}

var (
	labelNearbyPat = regexp.MustCompile(`(?:发票代码|代码)[^\d]{0,8}([0-9]{10,12})`)
	twelveDigitPat = regexp.MustCompile(`(^|\D)(\d{12})(\D|$)`)
	// Go's RE2 engine has no backreferences, so the 12-identical-digits
	// check spells out each digit instead of `^([0-9])\1{11}$`.
	repeatedPat = regexp.MustCompile(`^(?:0{12}|1{12}|2{12}|3{12}|4{12}|5{12}|6{12}|7{12}|8{12}|9{12})$`)
)

// GuessInvoiceCode hunts for an invoice code in free text when the QR
// and OCR fields came up empty. Returns the code and how it was found
// ("regex:label_nearby" or "regex:singleton_12d"), or empty strings.
func GuessInvoiceCode(blob string) (string, string) {
	if m := labelNearbyPat.FindStringSubmatch(blob); m != nil {
		return m[1], "regex:label_nearby"
	}

	seen := make(map[string]struct{})
	var candidates []string
	rest := blob
	for {
		loc := twelveDigitPat.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		c := rest[loc[4]:loc[5]]
		if _, dup := seen[c]; !dup && !repeatedPat.MatchString(c) {
			seen[c] = struct{}{}
			candidates = append(candidates, c)
		}
		// Resume after the digits so adjacent matches are not skipped.
		rest = rest[loc[5]:]
	}
	if len(candidates) == 1 {
		return candidates[0], "regex:singleton_12d"
	}
	return "", ""
}
