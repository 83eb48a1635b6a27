// devbroker runs an in-process stand-in for the production message broker:
// a login endpoint that mints bearer tokens and the websocket frame endpoint
// backed by the stomptest stub, with a small rule-based responder. It exists
// so the client and the consoles can be exercised without the real backend.
package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"supportchat/logger"
	"supportchat/service/chat"
	"supportchat/service/stomp/stomptest"
	"supportchat/tools/security"
)

type account struct {
	userID   int64
	password string
	role     string
}

var accounts = map[string]account{
	"alice": {userID: 1001, password: "alice123", role: "USER"},
	"bob":   {userID: 1002, password: "bob123", role: "USER"},
	"admin": {userID: 1, password: "admin123", role: security.RoleAdmin},
}

func ruleResponse(content string) (string, chat.MessageType, bool) {
	c := strings.ToLower(content)
	switch {
	case strings.Contains(c, "hello"), strings.Contains(c, "hi"):
		return "Hello! How can I help you today?", chat.MessageRule, true
	case strings.Contains(c, "bill"), strings.Contains(c, "price"):
		return "You can review your billing details in the dashboard under Account.", chat.MessageRule, true
	case strings.Contains(c, "device"):
		return "Device issues are usually fixed by power-cycling the unit. An operator will follow up.", chat.MessageRule, true
	default:
		return "", "", false
	}
}

func main() {
	secret := []byte(os.Getenv("BROKER_JWT_SECRET"))
	if len(secret) == 0 {
		secret = []byte("dev-only-secret")
	}
	addr := os.Getenv("BROKER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	broker := stomptest.New(secret)
	broker.SetResponder(ruleResponse)

	r := gin.Default()
	broker.Attach(r)

	r.POST("/api/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
			return
		}
		acct, ok := accounts[req.Username]
		if !ok || acct.password != req.Password {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		token, exp, err := security.Generate(security.DefaultOptions(secret), acct.userID, acct.role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":    token,
			"expireAt": exp.UnixMilli(),
			"user": gin.H{
				"userId":   acct.userID,
				"username": req.Username,
				"role":     acct.role,
			},
		})
	})

	logger.Infof("devbroker listening on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Errorf("devbroker: %v", err)
	}
}
