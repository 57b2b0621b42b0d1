package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lagrangedao/go-computing-broker/internal/models"
)

const (
	HeaderUserID = "X-User-Id"
	HeaderWallet = "X-Wallet-Address"
	HeaderRole   = "X-Role"

	authKey = "broker.auth"
)

// authenticate reads the caller identity set by the gateway. It is validated
// once here; handlers trust what they get from authOf.
func authenticate(c *gin.Context) {
	auth := models.AuthContext{
		UserID:        c.GetHeader(HeaderUserID),
		WalletAddress: c.GetHeader(HeaderWallet),
		Role:          models.Role(c.GetHeader(HeaderRole)),
	}
	if err := auth.Validate(); err != nil {
		fail(c, err)
		c.Abort()
		return
	}
	c.Set(authKey, auth)
	c.Next()
}

func authOf(c *gin.Context) models.AuthContext {
	return c.MustGet(authKey).(models.AuthContext)
}
