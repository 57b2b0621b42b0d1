package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/gin-gonic/gin"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/lagrangedao/go-computing-broker/internal/worker"
	"github.com/lagrangedao/go-computing-broker/util"
	"github.com/shopspring/decimal"
)

type createJobReq struct {
	Title          string              `json:"title"`
	Pricing        models.PricingModel `json:"pricing"`
	Budget         decimal.Decimal     `json:"budget"`
	MaxHourlyRate  decimal.Decimal     `json:"max_hourly_rate"`
	EstimatedHours decimal.Decimal     `json:"estimated_hours"`
	ClientID       string              `json:"client_id"`
	ClientWallet   string              `json:"client_wallet"`
}

type progressReq struct {
	Percentage int                `json:"percentage"`
	Metrics    map[string]float64 `json:"metrics"`
}

type completeReq struct {
	Results map[string]string `json:"results"`
}

type endReq struct {
	Reason string       `json:"reason"`
	Fault  models.Fault `json:"fault"`
}

type disputeReq struct {
	Reason string `json:"reason"`
}

type resolveReq struct {
	Outcome       models.DisputeOutcome `json:"outcome"`
	ProviderShare int                   `json:"provider_share"`
	Note          string                `json:"note"`
}

type ratingReq struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

// bind decodes an optional JSON body.
func bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badJson(c, err)
		return false
	}
	return true
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJson(c, err)
		return
	}
	job, err := s.machine.Create(c.Request.Context(), authOf(c), &models.Job{
		Title:          req.Title,
		Pricing:        req.Pricing,
		Budget:         req.Budget,
		MaxHourlyRate:  req.MaxHourlyRate,
		EstimatedHours: req.EstimatedHours,
		ClientID:       req.ClientID,
		ClientWallet:   req.ClientWallet,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, util.CreateSuccessResponse(job))
}

func (s *Server) listJobs(c *gin.Context) {
	filter := store.JobFilter{
		Status:           models.JobStatus(c.Query("status")),
		ClientID:         c.Query("client_id"),
		ProviderID:       c.Query("provider_id"),
		SettlementFailed: c.Query("settlement_failed") == "true",
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			fail(c, models.Validationf("invalid limit %q", v))
			return
		}
		filter.Limit = limit
	}
	// parties only see their own jobs
	auth := authOf(c)
	switch auth.Role {
	case models.RoleClient:
		filter.ClientID = auth.UserID
	case models.RoleProvider:
		if filter.Status != models.JobPosted {
			filter.ProviderID = auth.UserID
		}
	}
	list, err := s.machine.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	resp := util.CreateSuccessResponse(list)
	resp.PageInfo = &util.PageInfo{
		PageNumber:       "1",
		PageSize:         strconv.Itoa(filter.Limit),
		TotalRecordCount: strconv.Itoa(len(list)),
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.machine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, job)
}

func (s *Server) jobTransactions(c *gin.Context) {
	txs, err := s.ledger.ForJob(c.Request.Context(), c.Param("id"), models.TransactionType(c.Query("type")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, txs)
}

// listTransactions is the operator view across jobs, used to work through
// flagged and stuck settlement.
func (s *Server) listTransactions(c *gin.Context) {
	if authOf(c).Role != models.RoleAdmin {
		fail(c, models.Forbiddenf("only operators list the ledger"))
		return
	}
	filter := store.TxFilter{
		Type:        models.TransactionType(c.Query("type")),
		OnlyFlagged: c.Query("flagged") == "true",
		Unsettled:   c.Query("unsettled") == "true",
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			fail(c, models.Validationf("invalid limit %q", v))
			return
		}
		filter.Limit = limit
	}
	txs, err := s.ledger.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, txs)
}

func (s *Server) respond(c *gin.Context, job *models.Job, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, job)
}

func (s *Server) postJob(c *gin.Context) {
	job, err := s.machine.Post(c.Request.Context(), authOf(c), c.Param("id"))
	s.respond(c, job, err)
}

func (s *Server) acceptJob(c *gin.Context) {
	job, err := s.machine.Accept(c.Request.Context(), authOf(c), c.Param("id"))
	s.respond(c, job, err)
}

func (s *Server) startJob(c *gin.Context) {
	job, err := s.machine.Start(c.Request.Context(), authOf(c), c.Param("id"))
	s.respond(c, job, err)
}

func (s *Server) pauseJob(c *gin.Context) {
	job, err := s.machine.Pause(c.Request.Context(), authOf(c), c.Param("id"))
	s.respond(c, job, err)
}

func (s *Server) resumeJob(c *gin.Context) {
	job, err := s.machine.Resume(c.Request.Context(), authOf(c), c.Param("id"))
	s.respond(c, job, err)
}

func (s *Server) updateProgress(c *gin.Context) {
	var req progressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJson(c, err)
		return
	}
	job, err := s.machine.UpdateProgress(c.Request.Context(), authOf(c), c.Param("id"), req.Percentage, req.Metrics)
	s.respond(c, job, err)
}

func (s *Server) completeJob(c *gin.Context) {
	var req completeReq
	if !bind(c, &req) {
		return
	}
	job, err := s.machine.Complete(c.Request.Context(), authOf(c), c.Param("id"), req.Results)
	s.respond(c, job, err)
}

func (s *Server) failJob(c *gin.Context) {
	var req endReq
	if !bind(c, &req) {
		return
	}
	job, err := s.machine.Fail(c.Request.Context(), authOf(c), c.Param("id"), req.Reason, req.Fault)
	s.respond(c, job, err)
}

func (s *Server) cancelJob(c *gin.Context) {
	var req endReq
	if !bind(c, &req) {
		return
	}
	job, err := s.machine.Cancel(c.Request.Context(), authOf(c), c.Param("id"), req.Reason, req.Fault)
	s.respond(c, job, err)
}

func (s *Server) openDispute(c *gin.Context) {
	var req disputeReq
	if !bind(c, &req) {
		return
	}
	job, err := s.machine.OpenDispute(c.Request.Context(), authOf(c), c.Param("id"), req.Reason)
	s.respond(c, job, err)
}

func (s *Server) resolveDispute(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJson(c, err)
		return
	}
	job, err := s.machine.ResolveDispute(c.Request.Context(), authOf(c), c.Param("id"), req.Outcome, req.ProviderShare, req.Note)
	s.respond(c, job, err)
}

func (s *Server) rateJob(c *gin.Context) {
	var req ratingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJson(c, err)
		return
	}
	job, err := s.machine.Rate(c.Request.Context(), authOf(c), c.Param("id"), req.Rating, req.Review)
	s.respond(c, job, err)
}

// reconcileJob replays the job's outstanding settlement, on the worker when
// async=true and a queue is configured.
func (s *Server) reconcileJob(c *gin.Context) {
	id := c.Param("id")
	if c.Query("async") == "true" && s.queue != nil {
		if authOf(c).Role != models.RoleAdmin {
			fail(c, models.Forbiddenf("only operators queue reconciliation"))
			return
		}
		if _, err := s.machine.Get(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}
		task, err := s.queue.DelayTask(worker.TaskReconcileJob, id)
		if err != nil {
			logs.GetLogger().Errorf("Failed delay reconcile task, job_id: %s, error: %+v", id, err)
			fail(c, models.SettlementUnavailable("queue reconcile task", err))
			return
		}
		c.JSON(http.StatusAccepted, util.CreateSuccessResponse(map[string]string{
			"job_id":  id,
			"task_id": task.TaskID,
		}))
		return
	}
	job, err := s.machine.RetrySettlement(c.Request.Context(), authOf(c), id)
	s.respond(c, job, err)
}
