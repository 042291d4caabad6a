package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	blinkpay "github.com/blinkbazaar/blinkpay"
)

// ExecuteRequest is the inbound call request. The front door resolves the
// blink slug from the path; the body carries the payment identity.
type ExecuteRequest struct {
	Payer        string `json:"payer" binding:"required"`
	Reference    string `json:"reference" binding:"required"`
	PaymentProof string `json:"paymentProof" binding:"required"`
}

func (s *Server) handleExecute(c *gin.Context) {
	slug := c.Param("slug")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(blinkpay.ErrCodeValidation, "payer, reference and paymentProof are required"))
		return
	}

	blink, err := s.blinks.GetBlinkBySlug(c.Request.Context(), slug)
	if err != nil {
		if errors.Is(err, blinkpay.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody(blinkpay.ErrCodeNotFound, "unknown blink"))
			return
		}
		s.serverError(c, err)
		return
	}
	if blink.Status != blinkpay.BlinkActive {
		c.JSON(http.StatusForbidden, errorBody(blinkpay.ErrCodeBlinkPaused, "blink is not accepting calls"))
		return
	}

	run, _, err := s.settler.CreateOrGet(c.Request.Context(), blink.ID, req.Payer, req.Reference)
	if err != nil {
		s.serverError(c, err)
		return
	}
	if run.Payer != req.Payer || run.BlinkID != blink.ID {
		// A reference belongs to its first caller and blink; a mismatch
		// is a replay attempt, not a retry.
		c.JSON(http.StatusForbidden, errorBody(blinkpay.ErrCodeUnauthorized, "payment reference bound to a different payer or blink"))
		return
	}

	outcome, err := s.settler.Settle(c.Request.Context(), run, req.PaymentProof)
	if err != nil {
		s.serverError(c, err)
		return
	}

	c.JSON(statusForOutcome(outcome), outcome)
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	receipt, err := s.receipts.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		if errors.Is(err, blinkpay.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody(blinkpay.ErrCodeNotFound, "no receipt for run"))
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) handleListLocks(c *gin.Context) {
	locks, err := s.locks.List(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

func (s *Server) handleClearLock(c *gin.Context) {
	if err := s.locks.Clear(c.Request.Context(), c.Param("reference")); err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": c.Param("reference")})
}

func (s *Server) handleClearAllLocks(c *gin.Context) {
	n, err := s.locks.ClearAll(c.Request.Context())
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// statusForOutcome maps settlement outcomes onto the caller-visible
// contract: executed, failed, or a retryable signal, never an ambiguous
// error for a state the store already resolved.
func statusForOutcome(outcome *blinkpay.SettleOutcome) int {
	switch outcome.Status {
	case blinkpay.SettleExecuted:
		return http.StatusOK
	case blinkpay.SettleFailed:
		return http.StatusPaymentRequired
	case blinkpay.SettleBusy:
		return http.StatusConflict
	case blinkpay.SettlePending:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) serverError(c *gin.Context, err error) {
	code := blinkpay.ErrorCode(err)
	s.logger.Error("request failed", "path", c.FullPath(), "code", code, "error", err)

	status := http.StatusInternalServerError
	if code == blinkpay.ErrCodeInfrastructure {
		// Settlement aborted without mutating run state; safe to retry.
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, errorBody(code, "settlement temporarily unavailable"))
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
