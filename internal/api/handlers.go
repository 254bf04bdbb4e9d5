package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"exchange-core/internal/pool"
	"exchange-core/pkg/db"
	"exchange-core/pkg/exchanges/common"
	"exchange-core/pkg/rpc"
)

// requestBody is the wire shape callers POST to submit gateway requests.
type requestBody struct {
	Action    rpc.Action `json:"action"`
	AccountID int64      `json:"account_id"`
	Params    rpc.Params `json:"params"`
}

// submitRequest runs a gateway request synchronously, bounded by the
// request context.
func (s *Server) submitRequest(c *gin.Context) {
	var body requestBody
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	req := rpc.NewRequest(body.Action, body.AccountID, body.Params)
	resp, err := s.Gateway.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(statusFor(resp), resp)
}

// enqueueRequest queues a gateway request and returns immediately. The
// response is claimable under its request id until the store TTL.
func (s *Server) enqueueRequest(c *gin.Context) {
	var body requestBody
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	req := rpc.NewRequest(body.Action, body.AccountID, body.Params)
	if err := s.Gateway.Enqueue(req); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": req.ID})
}

// claimResponse removes and returns a completed async response.
func (s *Server) claimResponse(c *gin.Context) {
	resp, ok := s.Store.Claim(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "RESPONSE_NOT_READY",
			"error": "response not ready or already claimed",
		})
		return
	}
	c.JSON(statusFor(resp), resp)
}

func (s *Server) getPositions(c *gin.Context) {
	accountID, ok := s.accountParam(c)
	if !ok {
		return
	}
	positions, err := s.Book.Positions(c.Request.Context(), accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getExecutions(c *gin.Context) {
	accountID, ok := s.accountParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	execs, err := s.Book.Executions(c.Request.Context(), accountID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// resyncAccount triggers an immediate reconciliation pass.
func (s *Server) resyncAccount(c *gin.Context) {
	accountID, ok := s.accountParam(c)
	if !ok {
		return
	}
	if err := s.Reconciler.SyncAccount(c.Request.Context(), accountID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

// putCredential stores or rotates an account credential. A rotation bumps
// the version, which forces the pooled client to be recreated on next use.
func (s *Server) putCredential(c *gin.Context) {
	accountID, ok := s.accountParam(c)
	if !ok {
		return
	}
	var body struct {
		Exchange   string `json:"exchange"`
		APIKey     string `json:"api_key"`
		APISecret  string `json:"api_secret"`
		Passphrase string `json:"passphrase"`
		Testnet    bool   `json:"testnet"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if body.Exchange == "" || body.APIKey == "" || body.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_FIELDS",
			"error": "exchange, api_key and api_secret are required",
		})
		return
	}

	cred := db.Credential{
		AccountID:  accountID,
		Exchange:   body.Exchange,
		APIKey:     body.APIKey,
		APISecret:  body.APISecret,
		Passphrase: body.Passphrase,
		Testnet:    body.Testnet,
		Active:     true,
	}
	if err := s.Creds.Put(c.Request.Context(), cred); err != nil {
		s.writeError(c, err)
		return
	}
	s.Pool.Remove(accountID)
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": "stored"})
}

// deactivateAccount flips the account inactive and evicts its client.
func (s *Server) deactivateAccount(c *gin.Context) {
	accountID, ok := s.accountParam(c)
	if !ok {
		return
	}
	if err := s.Creds.SetActive(c.Request.Context(), accountID, false); err != nil {
		s.writeError(c, err)
		return
	}
	s.Pool.Remove(accountID)
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": "deactivated"})
}

func (s *Server) getPoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pool.Snapshot())
}

func (s *Server) accountParam(c *gin.Context) (int64, bool) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || accountID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_ACCOUNT_ID",
			"error": "account id must be a positive integer",
		})
		return 0, false
	}
	return accountID, true
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, pool.ErrAccountInactive):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrAccountInvalid):
		status = http.StatusConflict
	default:
		switch common.KindOf(err) {
		case common.KindValidation:
			status = http.StatusBadRequest
		case common.KindAuth:
			status = http.StatusUnauthorized
		case common.KindRateLimit:
			status = http.StatusTooManyRequests
		case common.KindConnectivity:
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, gin.H{
		"code":  string(common.KindOf(err)),
		"error": common.Message(err),
	})
}

// statusFor maps a gateway response onto an HTTP status.
func statusFor(resp rpc.Response) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindAuth:
		return http.StatusUnauthorized
	case common.KindRateLimit:
		return http.StatusTooManyRequests
	case common.KindConnectivity:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
