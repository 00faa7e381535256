package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/coordinator"
)

const maxListLimit = 500

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", "100")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

// listAccounts returns every loop's status, ordered by key.
func (s *Server) listAccounts(c *gin.Context) {
	all := s.Accounts.GetAllAccountsStatus()
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{"key": k, "status": all[k]})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) getAccount(c *gin.Context) {
	st, err := s.Accounts.AccountStatus(c.Param("id"))
	if err != nil {
		s.accountError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) accountError(c *gin.Context, err error) {
	if errors.Is(err, coordinator.ErrUnknownAccount) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
		return
	}
	respondError(c, http.StatusConflict, "AMBIGUOUS_ACCOUNT", err.Error())
}

type forcedUnwindRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// setForcedUnwind is the emergency trigger. It applies from the account's
// next cycle.
func (s *Server) setForcedUnwind(c *gin.Context) {
	var req forcedUnwindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", `body must be {"enabled": true|false}`)
		return
	}
	id := c.Param("id")
	if err := s.Accounts.SetForcedUnwind(id, *req.Enabled); err != nil {
		s.accountError(c, err)
		return
	}
	s.Log.Warn("forced unwind set via api",
		zap.String("account", id), zap.Bool("enabled", *req.Enabled), zap.String("operator", CurrentOperator(c)),
		zap.String("request_id", c.GetString("RequestID")))
	c.JSON(http.StatusOK, gin.H{"account": id, "forced_unwind": *req.Enabled})
}

// auditAccount resolves :id to the account id the audit tables are keyed by.
func (s *Server) auditAccount(c *gin.Context) (string, bool) {
	if s.Audit == nil {
		respondError(c, http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "audit store not configured")
		return "", false
	}
	st, err := s.Accounts.AccountStatus(c.Param("id"))
	if err != nil && errors.Is(err, coordinator.ErrUnknownAccount) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
		return "", false
	}
	if err != nil {
		// several exchanges: the audit trail is per account
		return c.Param("id"), true
	}
	return st.AccountID, true
}

func (s *Server) listOrders(c *gin.Context) {
	account, ok := s.auditAccount(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rows, err := s.Audit.ListOrderAudit(c.Request.Context(), account, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (s *Server) listTransitions(c *gin.Context) {
	account, ok := s.auditAccount(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rows, err := s.Audit.ListTransitions(c.Request.Context(), account, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": rows})
}

func (s *Server) listReconciliations(c *gin.Context) {
	account, ok := s.auditAccount(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rows, err := s.Audit.ListReconcileAudit(c.Request.Context(), account, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": rows})
}
