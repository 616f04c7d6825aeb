package ports

import (
	"github.com/gin-gonic/gin"
)

type CallHTTPHandler interface {
	InitiateCall(c *gin.Context)
	GetCall(c *gin.Context)
	RespondToCall(c *gin.Context)
	EndCall(c *gin.Context)
	GetCallHistory(c *gin.Context)
	GetActiveCall(c *gin.Context)
}
