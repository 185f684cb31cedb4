package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sodmax/cityverse-miner/internal/ledger"
	"github.com/sodmax/cityverse-miner/internal/miner"
)

// Engine is the part of the accrual engine the console drives.
type Engine interface {
	Mine(ctx context.Context) (miner.Outcome, error)
	EnableAuto() error
	DisableAuto()
	ActivateBoost(ctx context.Context) error
	Purchase(ctx context.Context, id string) (ledger.Upgrade, error)
	Refresh(ctx context.Context) error
	View() miner.View
	History() []miner.HistoryEntry
	Upgrades() []ledger.Upgrade
}

// Lifecycle accepts host visibility transitions.
type Lifecycle interface {
	Publish(sig miner.LifecycleSignal)
}

func (s *Server) handleMine(c *gin.Context) {
	out, err := s.engine.Mine(c.Request.Context())
	body := gin.H{
		"status":      out.Status,
		"claimId":     out.Claim.ID,
		"amount":      out.Claim.Amount,
		"boosted":     out.Claim.Boosted,
		"miningState": out.Mining,
	}
	if err != nil {
		body["error"] = err.Error()
		c.JSON(errorStatus(err), body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleBoost(c *gin.Context) {
	if err := s.engine.ActivateBoost(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.View())
}

func (s *Server) handleAutoEnable(c *gin.Context) {
	if err := s.engine.EnableAuto(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (s *Server) handleAutoDisable(c *gin.Context) {
	s.engine.DisableAuto()
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (s *Server) handlePurchase(c *gin.Context) {
	up, err := s.engine.Purchase(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upgrade": up, "miningState": s.engine.View().Mining})
}

func (s *Server) handleRefresh(c *gin.Context) {
	if err := s.engine.Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.View())
}

func (s *Server) handleLifecycle(c *gin.Context) {
	sig, err := miner.ParseLifecycleSignal(c.Param("signal"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.lifecycle == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lifecycle control unavailable"})
		return
	}
	s.lifecycle.Publish(sig)
	c.JSON(http.StatusAccepted, gin.H{"signal": sig.String()})
}

func writeError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// errorStatus maps engine errors onto HTTP statuses.
func errorStatus(err error) int {
	var rejected *miner.RejectedError
	switch {
	case errors.Is(err, miner.ErrClaimInFlight), errors.Is(err, miner.ErrBoostActive):
		return http.StatusConflict
	case errors.Is(err, miner.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, miner.ErrUnauthenticated), errors.Is(err, miner.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, miner.ErrUnknownUpgrade):
		return http.StatusNotFound
	case errors.Is(err, miner.ErrZeroReward), errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, miner.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
