package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ledger/internal/platform/auth"
)

type testServer struct {
	*fixture
	e *echo.Echo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(f.svc).RegisterRoutes(api)
	return &testServer{fixture: f, e: e}
}

func (s *testServer) do(t *testing.T, as ActorRef, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(auth.HeaderActorID, as.ID)
	req.Header.Set(auth.HeaderActorRoles, strings.Join(as.Roles, ","))
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandler_InvoiceAndPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	patient := uuid.New()

	rec := s.do(t, cashier, http.MethodPost, "/api/v1/invoices",
		fmt.Sprintf(`{"patient_id":%q,"charges":[{"service_ref":"XRAY","quantity":2,"unit_price":"40.25"}]}`, patient))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decode(t, rec)
	assert.Equal(t, "80.5", inv["total_amount"], "money is encoded as a JSON string")
	assert.Equal(t, "PENDING", inv["status"])
	invID := inv["id"].(string)

	rec = s.do(t, cashier, http.MethodPost, "/api/v1/invoices/"+invID+"/payments", `{"amount":"30.50","method":"CASH"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode(t, rec)
	assert.Equal(t, "PARTIAL", res["invoice"].(map[string]interface{})["status"])
	assert.NotNil(t, res["cash_transaction"])

	rec = s.do(t, cashier, http.MethodPost, "/api/v1/invoices/"+invID+"/payments", `{"amount":"50.01","method":"CARD"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeExcessPayment, decode(t, rec)["code"])

	rec = s.do(t, cashier, http.MethodGet, "/api/v1/invoices/"+invID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", decode(t, rec)["balance"])

	rec = s.do(t, cashier, http.MethodGet, "/api/v1/patients/"+patient.String()+"/account", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "-30.5", decode(t, rec)["balance"])

	rec = s.do(t, cashier, http.MethodGet, "/api/v1/payments?invoice_id="+invID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.EqualValues(t, 1, page["total"])
	assert.Len(t, page["data"], 1)
}

func TestHandler_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	inv := s.invoice(t, "10")

	tests := []struct {
		name   string
		as     ActorRef
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown invoice", cashier, http.MethodGet, "/api/v1/invoices/" + uuid.NewString(), "", http.StatusNotFound, CodeNotFound},
		{"malformed id", cashier, http.MethodGet, "/api/v1/invoices/abc", "", http.StatusBadRequest, CodeValidation},
		{"bad method", cashier, http.MethodPost, "/api/v1/invoices/" + inv.ID.String() + "/payments", `{"amount":"1","method":"BITCOIN"}`, http.StatusBadRequest, CodeValidation},
		{"malformed json", cashier, http.MethodPost, "/api/v1/invoices", `{"patient_id":`, http.StatusBadRequest, CodeValidation},
		{"nurse cannot bill", nurse, http.MethodPost, "/api/v1/invoices/" + inv.ID.String() + "/payments", `{"amount":"1","method":"CASH"}`, http.StatusForbidden, CodeForbidden},
		{"bad date", cashier, http.MethodGet, "/api/v1/reports/daily-cash?date=14/03/2026", "", http.StatusBadRequest, CodeValidation},
		{"bad status filter", cashier, http.MethodGet, "/api/v1/invoices?status=OPEN", "", http.StatusBadRequest, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.as, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode(t, rec)["code"])
		})
	}
}

func TestHandler_ReadRoutesRequireLedgerRole(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nurse, http.MethodGet, "/api/v1/invoices", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, nurse, http.MethodGet, "/api/v1/reports/consistency", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Cash requests are open to all staff.
	rec = s.do(t, nurse, http.MethodGet, "/api/v1/cash-requests", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, finance, http.MethodGet, "/api/v1/reports/consistency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["mismatches"])
}

func TestHandler_CashRequestLifecycle(t *testing.T) {
	s := newTestServer(t)
	dept := uuid.New()

	rec := s.do(t, nurse, http.MethodPost, "/api/v1/cash-requests",
		fmt.Sprintf(`{"department_id":%q,"purpose":"linen","amount":"200.00","urgency":"URGENT"}`, dept))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cr := decode(t, rec)
	assert.Equal(t, "CR-20260314-001", cr["request_number"])
	id := cr["id"].(string)

	rec = s.do(t, manager, http.MethodPost, "/api/v1/cash-requests/"+id+"/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "a reason is required")

	rec = s.do(t, manager, http.MethodPost, "/api/v1/cash-requests/"+id+"/approve", `{"notes":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", decode(t, rec)["status"])

	rec = s.do(t, manager, http.MethodPost, "/api/v1/cash-requests/"+id+"/reject", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidTransition, decode(t, rec)["code"])

	rec = s.do(t, cashier, http.MethodGet, "/api/v1/cash-transactions?cash_request_id="+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	rec = s.do(t, cashier, http.MethodPost, "/api/v1/cash-requests/"+id+"/complete", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decode(t, rec)["status"])

	rec = s.do(t, cashier, http.MethodGet, "/api/v1/reports/daily-cash?date=2026-03-14", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode(t, rec)
	assert.Equal(t, "200", sum["cash_out"])
	assert.Equal(t, "-200", sum["net"])
}

func TestHandler_DeleteCashRequest(t *testing.T) {
	s := newTestServer(t)
	cr := s.cashRequest(t, nurse, "5")
	path := "/api/v1/cash-requests/" + cr.ID.String()

	rec := s.do(t, manager, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, nurse, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = s.do(t, nurse, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UploadAttachment(t *testing.T) {
	s := newTestServer(t)

	upload := func(contentType string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="quote.pdf"`)
		hdr.Set("Content-Type", contentType)
		part, err := w.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 quote"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/cash-requests/attachments", &buf)
		req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
		req.Header.Set(auth.HeaderActorID, nurse.ID)
		req.Header.Set(auth.HeaderActorRoles, "nurse")
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("application/pdf")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	meta := decode(t, rec)
	assert.Equal(t, "quote.pdf", meta["file_name"])
	_, err := s.blobs.GetMetadata(s.ctx, meta["id"].(string))
	assert.NoError(t, err)

	rec = upload("application/zip")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, nurse, http.MethodPost, "/api/v1/cash-requests/attachments", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PettyCash(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, nurse, http.MethodPost, "/api/v1/petty-cash", `{"amount":"4.20","purpose":"parking"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	rec = s.do(t, cashier, http.MethodPost, "/api/v1/petty-cash/"+id+"/approve", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, finance, http.MethodPost, "/api/v1/petty-cash/"+id+"/approve", `{"notes":"fine"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", decode(t, rec)["status"])

	rec = s.do(t, nurse, http.MethodGet, "/api/v1/petty-cash?status=APPROVED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestHandler_BodyFieldLimits(t *testing.T) {
	s := newTestServer(t)
	dept := uuid.New()

	long := strings.Repeat("x", 501)
	rec := s.do(t, nurse, http.MethodPost, "/api/v1/cash-requests",
		fmt.Sprintf(`{"department_id":%q,"purpose":%q,"amount":"10"}`, dept, long))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, CodeValidation, body["code"])
	assert.Equal(t, "purpose must be at most 500 characters", body["message"])

	refs := make([]string, 11)
	for i := range refs {
		refs[i] = fmt.Sprintf("%q", fmt.Sprintf("scan-%d", i))
	}
	rec = s.do(t, nurse, http.MethodPost, "/api/v1/cash-requests",
		fmt.Sprintf(`{"department_id":%q,"purpose":"toner","amount":"10","attachments":[%s]}`, dept, strings.Join(refs, ",")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "attachments allows at most 10 entries", decode(t, rec)["message"])

	inv := s.invoice(t, "10")
	rec = s.do(t, cashier, http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/cancel",
		fmt.Sprintf(`{"reason":%q}`, long))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["message"], "reason must be at most 500 characters")

	rec = s.do(t, cashier, http.MethodPost, "/api/v1/invoices",
		fmt.Sprintf(`{"patient_id":%q,"charges":[{"service_ref":%q,"quantity":1,"unit_price":"1"}]}`, uuid.New(), strings.Repeat("S", 65)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "charges[0].service_ref must be at most 64 characters", decode(t, rec)["message"])
}
