package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
)

type subscribeRequest struct {
	PlanCode        string `json:"plan_code"`
	PlanAmount      int64  `json:"plan_amount"`
	Currency        string `json:"currency"`
	BillingInterval string `json:"billing_interval"`
	Gateway         string `json:"gateway"`
}

func (s *Server) Subscribe(c *gin.Context) {
	teamID := strings.TrimSpace(c.Param("team_id"))
	if teamID == "" {
		AbortWithError(c, newValidationError("team_id", "invalid_team", "invalid team id"))
		return
	}

	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.Subscribe(c.Request.Context(), subscriptiondomain.SubscribeRequest{
		TeamID:          teamID,
		PlanCode:        req.PlanCode,
		PlanAmount:      req.PlanAmount,
		Currency:        req.Currency,
		BillingInterval: subscriptiondomain.BillingInterval(req.BillingInterval),
		Gateway:         req.Gateway,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GetTeamSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByTeamID(c.Request.Context(), c.Param("team_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	sub, err := s.subscriptionSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	// The body is optional; an absent body means cancel at period end.
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		SubscriptionID: c.Param("id"),
		Immediate:      req.Immediate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ResumeSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

type attachPaymentMethodRequest struct {
	GatewayCustomerID string `json:"gateway_customer_id"`
	PaymentMethodID   string `json:"payment_method_id"`
}

func (s *Server) AttachPaymentMethod(c *gin.Context) {
	var req attachPaymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		AbortWithError(c, newValidationError("payment_method_id", "invalid_payment_method", "payment method id is required"))
		return
	}

	sub, err := s.subscriptionSvc.AttachPaymentMethod(c.Request.Context(), c.Param("id"), req.GatewayCustomerID, req.PaymentMethodID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func isSubscriptionValidationError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTeam),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidCurrency),
		errors.Is(err, subscriptiondomain.ErrInvalidInterval):
		return true
	default:
		return false
	}
}
