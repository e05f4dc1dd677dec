package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/dunning/internal/billing/domain"
)

type createInvoiceRequest struct {
	SubscriptionID    string                            `json:"subscription_id"`
	ProviderInvoiceID string                            `json:"provider_invoice_id"`
	Currency          string                            `json:"currency"`
	Items             []billingdomain.CreateInvoiceItem `json:"items"`
	TaxAmount         int64                             `json:"tax_amount"`
}

type invoiceResponse struct {
	ID                string    `json:"id"`
	CustomerID        string    `json:"customer_id"`
	SubscriptionID    string    `json:"subscription_id,omitempty"`
	ProviderInvoiceID string    `json:"provider_invoice_id,omitempty"`
	Status            string    `json:"status"`
	Currency          string    `json:"currency"`
	Subtotal          int64     `json:"subtotal"`
	TaxAmount         int64     `json:"tax_amount"`
	Total             int64     `json:"total"`
	AmountPaid        int64     `json:"amount_paid"`
	CreatedAt         time.Time `json:"created_at"`
}

type refundInvoiceRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundResponse struct {
	ID               string    `json:"id"`
	InvoiceID        string    `json:"invoice_id"`
	ProviderRefundID string    `json:"provider_refund_id,omitempty"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// CreateCustomerInvoice drafts a one-off invoice. The route is gated on new_data_creation.
func (s *Server) CreateCustomerInvoice(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer_id", "invalid customer id"))
		return
	}

	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	create := billingdomain.CreateInvoiceRequest{
		CustomerID:        customerID,
		ProviderInvoiceID: strings.TrimSpace(req.ProviderInvoiceID),
		Currency:          strings.TrimSpace(req.Currency),
		Items:             req.Items,
		TaxAmount:         req.TaxAmount,
	}
	if raw := strings.TrimSpace(req.SubscriptionID); raw != "" {
		subID, err := parseSnowflakeID(raw)
		if err != nil {
			AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription id"))
			return
		}
		create.SubscriptionID = &subID
	}

	invoice, err := s.billingSvc.CreateInvoice(c.Request.Context(), create)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toInvoiceResponse(invoice))
}

// RetryInvoice charges the invoice now, outside the retry schedule.
func (s *Server) RetryInvoice(c *gin.Context) {
	invoiceID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	result, err := s.billingSvc.RetryInvoice(c.Request.Context(), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) RefundInvoice(c *gin.Context) {
	invoiceID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_invoice_id", "invalid invoice id"))
		return
	}

	var req refundInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "required", "reason is required"))
		return
	}

	refund, err := s.billingSvc.RefundInvoice(c.Request.Context(), invoiceID, req.Amount, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRefundResponse(refund))
}

func toRefundResponse(refund *billingdomain.Refund) refundResponse {
	resp := refundResponse{
		ID:        refund.ID.String(),
		InvoiceID: refund.InvoiceID.String(),
		Amount:    refund.Amount,
		Reason:    refund.Reason,
		Status:    string(refund.Status),
		CreatedAt: refund.CreatedAt,
	}
	if refund.ProviderRefundID != nil {
		resp.ProviderRefundID = *refund.ProviderRefundID
	}
	return resp
}

func toInvoiceResponse(invoice *billingdomain.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:         invoice.ID.String(),
		CustomerID: invoice.CustomerID.String(),
		Status:     string(invoice.Status),
		Currency:   invoice.Currency,
		Subtotal:   invoice.Subtotal,
		TaxAmount:  invoice.TaxAmount,
		Total:      invoice.Total,
		AmountPaid: invoice.AmountPaid,
		CreatedAt:  invoice.CreatedAt,
	}
	if invoice.SubscriptionID != nil {
		resp.SubscriptionID = invoice.SubscriptionID.String()
	}
	if invoice.ProviderInvoiceID != nil {
		resp.ProviderInvoiceID = *invoice.ProviderInvoiceID
	}
	return resp
}
