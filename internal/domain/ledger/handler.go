package ledger

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Ledger reads – cash office and billing staff
	read := api.Group("", auth.RequireRole(reportReaderRoles...))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/refunds", h.ListRefunds)
	read.GET("/refunds/:id", h.GetRefund)
	read.GET("/patients/:id/account", h.GetPatientAccount)
	read.GET("/cash-transactions", h.ListCashTransactions)
	read.GET("/cash-transactions/:id", h.GetCashTransaction)
	read.GET("/reports/daily-cash", h.DailyCashSummary)
	read.GET("/reports/cashier-shift", h.CashierShiftReport)
	read.GET("/reports/financial-summary", h.FinancialSummary)
	read.GET("/reports/consistency", h.CheckConsistency)

	// Ledger writes – the service checks the business role for each command
	api.POST("/invoices", h.CreateInvoice)
	api.POST("/invoices/:id/cancel", h.CancelInvoice)
	api.POST("/invoices/:id/payments", h.ApplyPayment)
	api.POST("/payments/:id/refunds", h.RequestRefund)
	api.POST("/refunds/:id/approve", h.ApproveRefund)
	api.POST("/refunds/:id/reject", h.RejectRefund)
	api.POST("/cash-transactions", h.RecordCashTransaction)
	api.POST("/cash-transactions/:id/reverse", h.ReverseCashTransaction)

	// Cash requests and petty cash – any authenticated staff member
	api.POST("/cash-requests", h.CreateCashRequest)
	api.POST("/cash-requests/attachments", h.UploadAttachment)
	api.GET("/cash-requests", h.ListCashRequests)
	api.GET("/cash-requests/:id", h.GetCashRequest)
	api.POST("/cash-requests/:id/approve", h.ApproveCashRequest)
	api.POST("/cash-requests/:id/reject", h.RejectCashRequest)
	api.POST("/cash-requests/:id/cancel", h.CancelCashRequest)
	api.POST("/cash-requests/:id/complete", h.CompleteCashRequest)
	api.DELETE("/cash-requests/:id", h.DeleteCashRequest)
	api.POST("/petty-cash", h.CreatePettyCash)
	api.GET("/petty-cash", h.ListPettyCash)
	api.GET("/petty-cash/:id", h.GetPettyCash)
	api.POST("/petty-cash/:id/approve", h.ApprovePettyCash)
	api.POST("/petty-cash/:id/reject", h.RejectPettyCash)
}

type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// httpError maps a ledger error to its HTTP status.
func httpError(c echo.Context, err error) error {
	var status int
	switch KindOf(err) {
	case KindNotFound:
		status = http.StatusNotFound
	case KindValidation:
		status = http.StatusBadRequest
	case KindConflict:
		status = http.StatusConflict
	case KindForbidden:
		status = http.StatusForbidden
	case KindRetryable:
		status = http.StatusServiceUnavailable
		c.Response().Header().Set("Retry-After", "1")
	case KindInternal:
		return echo.NewHTTPError(http.StatusInternalServerError, errorBody{Code: CodeOf(err), Message: "internal error"}).SetInternal(err)
	}
	return echo.NewHTTPError(status, errorBody{Code: CodeOf(err), Message: err.Error()})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Code: CodeValidation, Message: msg})
}

func actorFrom(c echo.Context) ActorRef {
	ctx := c.Request().Context()
	return ActorRef{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid id")
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, badRequest("invalid " + name)
	}
	return &id, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates in the reporting zone.
func (h *Handler) queryTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(dateLayout, v, h.svc.Location())
	if err != nil {
		return nil, badRequest("invalid " + name + ": use YYYY-MM-DD or RFC 3339")
	}
	return &t, nil
}

// queryDate returns the named date, or today in the reporting zone.
func (h *Handler) queryDate(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Now().In(h.svc.Location()), nil
	}
	t, err := time.ParseInLocation(dateLayout, v, h.svc.Location())
	if err != nil {
		return time.Time{}, badRequest("invalid " + name + ": use YYYY-MM-DD")
	}
	return t, nil
}

func list(c echo.Context, pg pagination.Params, items interface{}, total int, err error) error {
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Notes  string `json:"notes,omitempty" validate:"max=2000"`
}

// -- Invoices --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var in CreateInvoiceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	patientID, err := queryUUID(c, "patient_id")
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), InvoiceQuery{
		PatientID: patientID,
		Status:    InvoiceStatus(c.QueryParam("status")),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	})
	return list(c, pg, items, total, err)
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), actorFrom(c), id, body.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, inv)
}

// -- Payments --

func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in ApplyPaymentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.InvoiceID = id
	res, err := h.svc.ApplyPayment(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := PaymentQuery{
		Method: PaymentMethod(c.QueryParam("method")),
		Status: PaymentStatus(c.QueryParam("status")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	var err error
	if q.InvoiceID, err = queryUUID(c, "invoice_id"); err != nil {
		return err
	}
	if q.PatientID, err = queryUUID(c, "patient_id"); err != nil {
		return err
	}
	if q.From, err = h.queryTime(c, "from"); err != nil {
		return err
	}
	if q.To, err = h.queryTime(c, "to"); err != nil {
		return err
	}
	items, total, err := h.svc.ListPayments(c.Request().Context(), q)
	return list(c, pg, items, total, err)
}

// -- Refunds --

func (h *Handler) RequestRefund(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in RequestRefundInput
	if err := bind(c, &in); err != nil {
		return err
	}
	in.PaymentID = id
	rf, err := h.svc.RequestRefund(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, rf)
}

func (h *Handler) ApproveRefund(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rf, err := h.svc.ApproveRefund(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rf)
}

func (h *Handler) RejectRefund(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	rf, err := h.svc.RejectRefund(c.Request().Context(), actorFrom(c), id, body.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rf)
}

func (h *Handler) GetRefund(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rf, err := h.svc.GetRefund(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rf)
}

func (h *Handler) ListRefunds(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := RefundQuery{Status: RefundStatus(c.QueryParam("status")), Limit: pg.Limit, Offset: pg.Offset}
	var err error
	if q.PaymentID, err = queryUUID(c, "payment_id"); err != nil {
		return err
	}
	if q.InvoiceID, err = queryUUID(c, "invoice_id"); err != nil {
		return err
	}
	if q.PatientID, err = queryUUID(c, "patient_id"); err != nil {
		return err
	}
	items, total, err := h.svc.ListRefunds(c.Request().Context(), q)
	return list(c, pg, items, total, err)
}

func (h *Handler) GetPatientAccount(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetPatientAccount(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// -- Cash transactions --

func (h *Handler) RecordCashTransaction(c echo.Context) error {
	var in RecordCashInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.RecordCashTransaction(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ReverseCashTransaction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	t, err := h.svc.RecordCashReversal(c.Request().Context(), actorFrom(c), id, body.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetCashTransaction(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := h.svc.GetCashTransaction(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListCashTransactions(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := CashTransactionQuery{
		CashierID: c.QueryParam("cashier_id"),
		Type:      CashTransactionType(c.QueryParam("type")),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	var err error
	if q.PatientID, err = queryUUID(c, "patient_id"); err != nil {
		return err
	}
	if q.CashRequestID, err = queryUUID(c, "cash_request_id"); err != nil {
		return err
	}
	if q.PaymentID, err = queryUUID(c, "payment_id"); err != nil {
		return err
	}
	if q.From, err = h.queryTime(c, "from"); err != nil {
		return err
	}
	if q.To, err = h.queryTime(c, "to"); err != nil {
		return err
	}
	items, total, err := h.svc.ListCashTransactions(c.Request().Context(), q)
	return list(c, pg, items, total, err)
}

// -- Cash requests --

func (h *Handler) CreateCashRequest(c echo.Context) error {
	var in CreateCashRequestInput
	if err := bind(c, &in); err != nil {
		return err
	}
	cr, err := h.svc.CreateCashRequest(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, cr)
}

func (h *Handler) UploadAttachment(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest("multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return badRequest("unreadable upload")
	}
	defer f.Close()

	meta, err := h.svc.UploadCashRequestAttachment(c.Request().Context(), actorFrom(c), fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, meta)
}

func (h *Handler) GetCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cr, err := h.svc.GetCashRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) ListCashRequests(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := CashRequestQuery{
		Status:      CashRequestStatus(c.QueryParam("status")),
		RequesterID: c.QueryParam("requester_id"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	var err error
	if q.DepartmentID, err = queryUUID(c, "department_id"); err != nil {
		return err
	}
	items, total, err := h.svc.ListCashRequests(c.Request().Context(), q)
	return list(c, pg, items, total, err)
}

func (h *Handler) ApproveCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	cr, err := h.svc.ApproveCashRequest(c.Request().Context(), actorFrom(c), id, body.Notes)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) RejectCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	cr, err := h.svc.RejectCashRequest(c.Request().Context(), actorFrom(c), id, body.Reason, body.Notes)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) CancelCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cr, err := h.svc.CancelCashRequest(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) CompleteCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	cr, err := h.svc.CompleteCashRequest(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, cr)
}

func (h *Handler) DeleteCashRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteCashRequest(c.Request().Context(), actorFrom(c), id); err != nil {
		return httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Petty cash --

func (h *Handler) CreatePettyCash(c echo.Context) error {
	var in CreatePettyCashInput
	if err := bind(c, &in); err != nil {
		return err
	}
	p, err := h.svc.CreatePettyCashRequest(c.Request().Context(), actorFrom(c), in)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPettyCash(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPettyCashRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPettyCash(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPettyCashRequests(c.Request().Context(), PettyCashQuery{
		Status:      PettyCashStatus(c.QueryParam("status")),
		RequesterID: c.QueryParam("requester_id"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	})
	return list(c, pg, items, total, err)
}

func (h *Handler) ApprovePettyCash(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	p, err := h.svc.ApprovePettyCashRequest(c.Request().Context(), actorFrom(c), id, body.Notes)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RejectPettyCash(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body reasonRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	p, err := h.svc.RejectPettyCashRequest(c.Request().Context(), actorFrom(c), id, body.Reason)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Reports --

func (h *Handler) DailyCashSummary(c echo.Context) error {
	date, err := h.queryDate(c, "date")
	if err != nil {
		return err
	}
	sum, err := h.svc.DailyCashSummary(c.Request().Context(), date)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) CashierShiftReport(c echo.Context) error {
	date, err := h.queryDate(c, "date")
	if err != nil {
		return err
	}
	sum, err := h.svc.CashierShiftReport(c.Request().Context(), c.QueryParam("cashier_id"), date)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) FinancialSummary(c echo.Context) error {
	start, err := h.queryDate(c, "start")
	if err != nil {
		return err
	}
	end, err := h.queryDate(c, "end")
	if err != nil {
		return err
	}
	sum, err := h.svc.FinancialSummary(c.Request().Context(), start, end)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) CheckConsistency(c echo.Context) error {
	rep, err := h.svc.CheckConsistency(c.Request().Context())
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}
