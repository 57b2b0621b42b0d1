package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lagrangedao/go-computing-broker/internal/models"
	"github.com/lagrangedao/go-computing-broker/util"
)

type registerReq struct {
	ID            string `json:"id"`
	WalletAddress string `json:"wallet_address"`
	Name          string `json:"name"`
}

type reverseReq struct {
	Reason string `json:"reason"`
}

type providerView struct {
	*models.Provider
	OnChain interface{} `json:"on_chain,omitempty"`
}

// self fills id and wallet from the caller unless an operator registers someone else.
func self(auth models.AuthContext, role models.Role, req *registerReq) error {
	if auth.Role == models.RoleAdmin {
		return nil
	}
	if auth.Role != role {
		return models.Forbiddenf("user %s cannot register a %s", auth.UserID, role)
	}
	if req.ID == "" {
		req.ID = auth.UserID
	}
	if req.WalletAddress == "" {
		req.WalletAddress = auth.WalletAddress
	}
	if req.ID != auth.UserID {
		return models.Forbiddenf("user %s cannot register %s", auth.UserID, req.ID)
	}
	return nil
}

func (s *Server) registerProvider(c *gin.Context) {
	var req registerReq
	if !bind(c, &req) {
		return
	}
	if err := self(authOf(c), models.RoleProvider, &req); err != nil {
		fail(c, err)
		return
	}
	p := &models.Provider{ID: req.ID, WalletAddress: req.WalletAddress, Name: req.Name}
	if err := s.rep.RegisterProvider(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, util.CreateSuccessResponse(p))
}

func (s *Server) getProvider(c *gin.Context) {
	p, err := s.parties.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	view := providerView{Provider: p}
	if c.Query("chain") == "1" {
		summary, err := s.rep.OnChain(c.Request.Context(), p.WalletAddress)
		if err != nil {
			fail(c, err)
			return
		}
		view.OnChain = summary
	}
	ok(c, view)
}

func (s *Server) registerClient(c *gin.Context) {
	var req registerReq
	if !bind(c, &req) {
		return
	}
	if err := self(authOf(c), models.RoleClient, &req); err != nil {
		fail(c, err)
		return
	}
	cl := &models.Client{ID: req.ID, WalletAddress: req.WalletAddress}
	if err := s.rep.RegisterClient(c.Request.Context(), cl); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, util.CreateSuccessResponse(cl))
}

func (s *Server) getClient(c *gin.Context) {
	cl, err := s.parties.GetClient(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, cl)
}

func (s *Server) reputationEvents(c *gin.Context) {
	events, err := s.rep.Events(c.Request.Context(), c.Param("subject"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, events)
}

func (s *Server) reverseEvent(c *gin.Context) {
	if authOf(c).Role != models.RoleAdmin {
		fail(c, models.Forbiddenf("only operators reverse reputation events"))
		return
	}
	var req reverseReq
	if !bind(c, &req) {
		return
	}
	ev, err := s.rep.Reverse(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, ev)
}
