package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/gocelery/gocelery"
	cors "github.com/itsjamie/gin-cors"
	"github.com/lagrangedao/go-computing-broker/build"
	"github.com/lagrangedao/go-computing-broker/internal/jobs"
	"github.com/lagrangedao/go-computing-broker/internal/ledger"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/internal/notify"
	"github.com/lagrangedao/go-computing-broker/internal/reputation"
	"github.com/lagrangedao/go-computing-broker/internal/store"
	"github.com/lagrangedao/go-computing-broker/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue hands reconciliation off to the celery worker.
type Queue interface {
	DelayTask(taskName string, params ...interface{}) (*gocelery.AsyncResult, error)
}

type Parties interface {
	store.ProviderStore
	store.ClientStore
}

type Server struct {
	machine *jobs.Machine
	rep     *reputation.Ledger
	ledger  *ledger.Ledger
	parties Parties
	hub     *notify.Hub
	queue   Queue
	host    models.HostInfo
}

func NewServer(machine *jobs.Machine, rep *reputation.Ledger, l *ledger.Ledger, parties Parties, hub *notify.Hub) *Server {
	return &Server{machine: machine, rep: rep, ledger: l, parties: parties, hub: hub}
}

// WithHost sets what GET /host/info reports about this process.
func (s *Server) WithHost(settlementMode, storeDriver string) *Server {
	s.host = models.HostInfo{
		BrokerVersion:   build.UserVersion(),
		OperatingSystem: runtime.GOOS,
		Architecture:    runtime.GOARCH,
		CPUCores:        runtime.NumCPU(),
		SettlementMode:  settlementMode,
		StoreDriver:     storeDriver,
	}
	return s
}

// WithQueue enables asynchronous reconciliation.
func (s *Server) WithQueue(q Queue) *Server {
	s.queue = q
	return s
}

// Router builds the gin engine with every broker route.
func (s *Server) Router(debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.Middleware(cors.Config{
		Origins:         "*",
		Methods:         "GET, PUT, POST, DELETE",
		RequestHeaders:  "Origin, Authorization, Content-Type, X-User-Id, X-Wallet-Address, X-Role",
		ExposedHeaders:  "",
		MaxAge:          50 * time.Second,
		ValidateHeaders: false,
	}))
	if debug {
		pprof.Register(r)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1/broker")
	if s.hub != nil {
		v1.GET("/events/ws", func(c *gin.Context) {
			s.hub.ServeWs(c.Writer, c.Request)
		})
	}

	v1.GET("/host/info", func(c *gin.Context) {
		ok(c, s.host)
	})

	authed := v1.Group("", authenticate)
	s.jobRoutes(authed.Group("/jobs"))
	authed.GET("/transactions", s.listTransactions)
	s.partyRoutes(authed)
	return r
}

func (s *Server) jobRoutes(router *gin.RouterGroup) {
	router.POST("", s.createJob)
	router.GET("", s.listJobs)
	router.GET("/:id", s.getJob)
	router.GET("/:id/transactions", s.jobTransactions)
	router.POST("/:id/post", s.postJob)
	router.POST("/:id/accept", s.acceptJob)
	router.POST("/:id/start", s.startJob)
	router.POST("/:id/pause", s.pauseJob)
	router.POST("/:id/resume", s.resumeJob)
	router.POST("/:id/progress", s.updateProgress)
	router.POST("/:id/complete", s.completeJob)
	router.POST("/:id/fail", s.failJob)
	router.POST("/:id/cancel", s.cancelJob)
	router.POST("/:id/dispute", s.openDispute)
	router.POST("/:id/resolve", s.resolveDispute)
	router.POST("/:id/rating", s.rateJob)
	router.POST("/:id/reconcile", s.reconcileJob)
}

func (s *Server) partyRoutes(router *gin.RouterGroup) {
	router.POST("/providers", s.registerProvider)
	router.GET("/providers/:id", s.getProvider)
	router.POST("/clients", s.registerClient)
	router.GET("/clients/:id", s.getClient)
	router.GET("/reputation/:subject/events", s.reputationEvents)
	router.POST("/reputation/events/:id/reverse", s.reverseEvent)
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, util.CreateSuccessResponse(data))
}

func fail(c *gin.Context, err error) {
	code, resp := util.CreateKindResponse(err)
	c.JSON(code, resp)
}

func badJson(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, util.CreateErrorResponse(util.JsonError, err.Error()))
}
