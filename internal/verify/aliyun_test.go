package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fapiaoAI/invoice-audit-service/internal/models"
)

func TestToYYYYMMDD(t *testing.T) {
	assert.Equal(t, "20250302", ToYYYYMMDD("2025-03-02"))
	assert.Equal(t, "20250302", ToYYYYMMDD("2025年3月2日"))
	assert.Equal(t, "20250302", ToYYYYMMDD("2025/03/02"))
	assert.Equal(t, "20250302", ToYYYYMMDD("20250302"))
}

func TestTo2Dec(t *testing.T) {
	assert.Equal(t, "86.50", To2Dec("86.5"))
	assert.Equal(t, "100.00", To2Dec("100"))
	assert.Equal(t, "1234.56", To2Dec("1,234.56"))
	assert.Empty(t, To2Dec("abc"))
	assert.Empty(t, To2Dec(""))
}

func TestVerifyMissingAppCode(t *testing.T) {
	v := NewVerifier(models.VerifyConfig{})

	res := v.Verify(context.Background(), Elements{}, false)

	assert.False(t, res.IsValid)
	assert.Equal(t, "缺少阿里云 AppCode（ALIYUN_FAPIAO_APPCODE）。", res.Message)
}

func TestVerifyInternalElementCheck(t *testing.T) {
	v := NewVerifier(models.VerifyConfig{AppCode: "code"})

	res := v.Verify(context.Background(), Elements{FPDM: "012345678901"}, false)

	assert.False(t, res.IsValid)
	assert.Equal(t, "验真要素不足（内部校验未过）：缺少 fphm,kprq,金额,校验码。", res.Message)
}

func TestVerifyRelaxedModeStillRequiresCoreElements(t *testing.T) {
	v := NewVerifier(models.VerifyConfig{AppCode: "code"})

	// Relaxed mode waives only the check code, never number/date/amount.
	res := v.Verify(context.Background(), Elements{FPHM: "12345678", JSHJ: "103"}, true)

	assert.False(t, res.IsValid)
	assert.Equal(t, "验真要素不足（内部校验未过）：缺少 kprq。", res.Message)
}

func TestVerifySuccessWithCheckCode(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"fpdm":      r.PostFormValue("fpdm"),
			"fphm":      r.PostFormValue("fphm"),
			"kprq":      r.PostFormValue("kprq"),
			"checkCode": r.PostFormValue("checkCode"),
			"jshj":      r.PostFormValue("jshj"),
		}
		assert.Equal(t, "APPCODE secret", r.Header.Get("Authorization"))
		w.Write([]byte(`{"code":"0","data":{"sumamount":"103.00","goodsamount":"100.00","taxamount":"3.00","goodsData":[{"name":"住宿费","amount":"100.00"}]}}`))
	}))
	defer srv.Close()

	v := NewVerifier(models.VerifyConfig{AppCode: "secret", Host: srv.URL})
	res := v.Verify(context.Background(), Elements{
		FPDM:      "012345678901",
		FPHM:      "12345678",
		KPRQ:      "2025年3月2日",
		JSHJ:      "103",
		CheckCode: "98765432123456", // only the last 6 digits go out
	}, false)

	assert.True(t, res.IsValid)
	assert.Equal(t, "验真成功，校验码：123456", res.Message)
	assert.Equal(t, "123456", gotForm["checkCode"])
	assert.Equal(t, "20250302", gotForm["kprq"])
	assert.Equal(t, "103.00", gotForm["jshj"])

	require.NotNil(t, res.Data)
	assert.Equal(t, "103.00", res.Data.SumAmount)
	require.Len(t, res.Data.GoodsData, 1)
	assert.Equal(t, "住宿费", res.Data.GoodsData[0].Name)
}

func TestVerifySuccessWithoutCheckCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"fphm":"12345678"}}`))
	}))
	defer srv.Close()

	v := NewVerifier(models.VerifyConfig{AppCode: "secret", Host: srv.URL})
	res := v.Verify(context.Background(), Elements{
		FPHM: "12345678", KPRQ: "20250302", NoTaxAmount: "100",
	}, true)

	assert.True(t, res.IsValid)
	assert.Equal(t, "验真成功，发票号码：12345678", res.Message)
}

func TestVerifyElementMismatchHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1010","msg":"查无此票"}`))
	}))
	defer srv.Close()

	v := NewVerifier(models.VerifyConfig{AppCode: "secret", Host: srv.URL})
	res := v.Verify(context.Background(), Elements{
		FPHM: "12345678", KPRQ: "20250302", JSHJ: "103",
	}, true)

	assert.False(t, res.IsValid)
	assert.Contains(t, res.Message, "查无此票")
	assert.Contains(t, res.Message, "建议核对：号码/日期/金额精确值与小数位")
	assert.Contains(t, res.Message, "本次未传发票代码")
}

func TestVerifyNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gateway error"))
	}))
	defer srv.Close()

	v := NewVerifier(models.VerifyConfig{AppCode: "secret", Host: srv.URL})
	res := v.Verify(context.Background(), Elements{
		FPHM: "12345678", KPRQ: "20250302", JSHJ: "103",
	}, true)

	assert.False(t, res.IsValid)
	assert.Equal(t, "验真完成", res.Message)
	assert.Nil(t, res.Data)
}
