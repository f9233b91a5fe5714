// Package verify checks invoice authenticity against the Aliyun market
// invoice query API. The endpoint tolerates a missing invoice code when
// number, date and amount all match exactly; the caller decides whether
// to allow a missing check code.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

const queryPath = "/v2/invoice/query"

// Elements are the verification inputs sent to the endpoint.
type Elements struct {
	FPDM        string // invoice code
	FPHM        string // invoice number
	KPRQ        string // issue date, any common spelling
	NoTaxAmount string // amount excluding tax
	JSHJ        string // amount including tax
	CheckCode   string // check code; only the last 6 digits are sent
}

// Verifier calls the Aliyun invoice verification endpoint.
type Verifier struct {
	appcode string
	host    string
	http    *http.Client
}

// NewVerifier creates a verifier from config.
func NewVerifier(cfg models.VerifyConfig) *Verifier {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	host := cfg.Host
	if host == "" {
		host = "https://fapiao.market.alicloudapi.com"
	}
	return &Verifier{
		appcode: cfg.AppCode,
		host:    strings.TrimRight(host, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ToYYYYMMDD flattens CN and dashed date spellings into 8 digits.
func ToYYYYMMDD(s string) string {
	s = strings.NewReplacer("年", "-", "月", "-", "日", "", "/", "-").Replace(strings.TrimSpace(s))
	if strings.Contains(s, "-") {
		p := strings.Split(s, "-")
		if len(p) == 3 && p[0] != "" && p[1] != "" && p[2] != "" {
			return p[0] + pad2(p[1]) + pad2(p[2])
		}
	}
	return s
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

// To2Dec formats an amount with exactly two decimals, or "" when the
// input is not a number.
func To2Dec(s string) string {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return ""
	}
	return d.StringFixed(2)
}

// Verify posts the elements and interprets the response. It never
// returns an error: network and protocol failures become a failed
// Verification with a readable message.
func (v *Verifier) Verify(ctx context.Context, el Elements, allowWithoutCheckCode bool) models.Verification {
	if v.appcode == "" {
		return models.Verification{Message: "缺少阿里云 AppCode（ALIYUN_FAPIAO_APPCODE）。"}
	}

	fpdm := strings.TrimSpace(el.FPDM)
	fphm := strings.TrimSpace(el.FPHM)
	kprq := ToYYYYMMDD(el.KPRQ)
	noTax := To2Dec(el.NoTaxAmount)
	jshj := To2Dec(el.JSHJ)
	jym := strings.TrimSpace(el.CheckCode)
	if len(jym) > 6 {
		jym = jym[len(jym)-6:]
	}

	form := url.Values{}
	set := func(k, val string) {
		if val != "" {
			form.Set(k, val)
		}
	}
	set("fpdm", fpdm)
	set("fphm", fphm)
	set("kprq", kprq)
	set("noTaxAmount", noTax)
	set("jshj", jshj)
	set("checkCode", jym)

	// Number, date and amount are always required; relaxed mode waives
	// only the check code.
	var need []string
	if fphm == "" {
		need = append(need, "fphm")
	}
	if kprq == "" {
		need = append(need, "kprq")
	}
	if noTax == "" && jshj == "" {
		need = append(need, "金额")
	}
	if jym == "" && !allowWithoutCheckCode {
		need = append(need, "校验码")
	}
	if len(need) > 0 {
		return models.Verification{
			Message: fmt.Sprintf("验真要素不足（内部校验未过）：缺少 %s。", strings.Join(need, ",")),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.host+queryPath, strings.NewReader(form.Encode()))
	if err != nil {
		return models.Verification{Message: fmt.Sprintf("验真接口调用失败：%v", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Authorization", "APPCODE "+v.appcode)

	resp, err := v.http.Do(req)
	if err != nil {
		return models.Verification{Message: fmt.Sprintf("验真接口网络异常：%v", err)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = map[string]any{"raw": string(raw)}
	}

	ok := false
	msg := ""
	code := strings.TrimSpace(toString(data["code"]))
	if code == "0" || code == "200" || code == "OK" {
		ok = true
		msg = "验真成功"
	}
	if !ok {
		if b, isB := data["success"].(bool); isB && b {
			ok = true
			msg = "验真成功"
		} else if b, isB := data["verify"].(bool); isB && b {
			ok = true
			msg = "验真成功"
		}
	}
	if msg == "" {
		msg = toString(data["msg"])
		if msg == "" {
			msg = toString(data["message"])
		}
		if msg == "" {
			msg = "验真完成"
		}
	}

	inner, _ := data["data"].(map[string]any)
	if ok && jym != "" {
		msg = "验真成功，校验码：" + jym
	} else if ok {
		num := toString(inner["fphm"])
		if num == "" {
			num = toString(inner["code"])
		}
		if num != "" {
			msg = "验真成功，发票号码：" + num
		}
	}

	// 1010: element mismatch. Spell out what to re-check.
	if !ok && code == "1010" {
		var hint []string
		if fpdm == "" {
			hint = append(hint, "本次未传发票代码（接口允许无代码，但需确保号码/日期/金额完全匹配）")
		}
		if noTax == "" && jshj == "" {
			hint = append(hint, "金额字段缺失（建议同时传不含税与价税合计）")
		}
		msg = fmt.Sprintf("%s；建议核对：号码/日期/金额精确值与小数位。%s", msg, strings.Join(hint, "；"))
	}

	return models.Verification{IsValid: ok, Message: msg, Data: parseVerifyData(inner)}
}

// parseVerifyData maps the endpoint's data block onto the write-back
// shape the pipeline consumes.
func parseVerifyData(inner map[string]any) *models.VerifyData {
	if inner == nil {
		return nil
	}
	vd := &models.VerifyData{
		SumAmount:   toString(inner["sumamount"]),
		GoodsAmount: toString(inner["goodsamount"]),
		TaxAmount:   toString(inner["taxamount"]),
	}
	if list, ok := inner["goodsData"].([]any); ok {
		for _, it := range list {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			vd.GoodsData = append(vd.GoodsData, models.GoodsItem{
				Name:   toString(m["name"]),
				Spec:   toString(m["spec"]),
				Unit:   toString(m["unit"]),
				Num:    toString(m["num"]),
				Price:  toString(m["price"]),
				Amount: toString(m["amount"]),
				Tax:    toString(m["tax"]),
			})
		}
	}
	if vd.SumAmount == "" && vd.GoodsAmount == "" && vd.TaxAmount == "" && len(vd.GoodsData) == 0 {
		return nil
	}
	return vd
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		d := decimal.NewFromFloat(s)
		return d.String()
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}
