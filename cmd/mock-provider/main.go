// Command mock-provider serves an OpenAI-compatible chat-completions endpoint
// with controllable failures, for exercising the proxy's retry and circuit
// breaker paths by hand.
//
// Query parameters on POST /v1/chat/completions:
//
//	fail=429|500|502|503|timeout|<4xx/5xx>   fail with that status
//	fail_first=N                             fail the first N calls with 503
//	delay=<ms>                               sleep before answering
//	invalid=1                                answer 200 with a non-JSON body
package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	addr := flag.StringP("addr", "a", ":8001", "listen address")
	model := flag.String("model", "gpt-4o-mini", "model name reported in responses")
	timeoutSleep := flag.Duration("timeout-sleep", 60*time.Second, "how long fail=timeout stalls")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	gin.SetMode(gin.ReleaseMode)

	p := &provider{model: *model, timeoutSleep: *timeoutSleep}

	log.WithField("addr", *addr).Info("Mock provider starting")
	if err := newRouter(p).Run(*addr); err != nil {
		log.WithError(err).Error("Mock provider stopped")
		os.Exit(1)
	}
}

type provider struct {
	model        string
	timeoutSleep time.Duration
	calls        atomic.Int64
}

func newRouter(p *provider) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/chat/completions", p.handleChatCompletion)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "calls": p.calls.Load()})
	})
	return r
}

func (p *provider) handleChatCompletion(c *gin.Context) {
	call := p.calls.Add(1)
	fail := c.Query("fail")

	log.WithFields(log.Fields{
		"call":       call,
		"delay":      c.Query("delay"),
		"fail":       fail,
		"fail_first": c.Query("fail_first"),
		"event":      "request",
	}).Info("Received request")

	if ms, err := strconv.Atoi(c.Query("delay")); err == nil && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-c.Request.Context().Done():
			return
		}
	}

	if n, err := strconv.ParseInt(c.Query("fail_first"), 10, 64); err == nil && call <= n {
		fail = "503"
	}

	switch {
	case fail != "":
		p.handleFailure(c, fail)
	case c.Query("invalid") != "":
		c.Data(http.StatusOK, "text/html", []byte("<html>upstream maintenance</html>"))
	default:
		p.handleNormalResponse(c, call)
	}
}

func (p *provider) handleFailure(c *gin.Context, failType string) {
	log.WithFields(log.Fields{"fail": failType, "event": "simulated_failure"}).Warn("Simulating failure")

	switch failType {
	case "429":
		c.JSON(http.StatusTooManyRequests, apiError("Rate limit exceeded. Please retry after some time.", "rate_limit_error", "rate_limit_exceeded"))
	case "500":
		c.JSON(http.StatusInternalServerError, apiError("Internal server error", "server_error", "internal_error"))
	case "502":
		c.JSON(http.StatusBadGateway, apiError("Bad gateway", "server_error", "bad_gateway"))
	case "503":
		c.JSON(http.StatusServiceUnavailable, apiError("Service temporarily unavailable", "server_error", "service_unavailable"))
	case "timeout":
		select {
		case <-time.After(p.timeoutSleep):
		case <-c.Request.Context().Done():
			return
		}
		c.JSON(http.StatusGatewayTimeout, apiError("Gateway timeout", "timeout_error", "timeout"))
	default:
		code, err := strconv.Atoi(failType)
		if err == nil && code >= 400 && code < 600 {
			c.JSON(code, apiError(fmt.Sprintf("Simulated error %d", code), "simulated_error", fmt.Sprintf("error_%d", code)))
			return
		}
		c.JSON(http.StatusInternalServerError, apiError("Unknown failure type", "server_error", ""))
	}
}

func (p *provider) handleNormalResponse(c *gin.Context, call int64) {
	c.JSON(http.StatusOK, gin.H{
		"id":      fmt.Sprintf("mock-%d-%d", call, rand.IntN(100000)),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   p.model,
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": "Hello! I'm a mock LLM response. How can I help you today?",
				},
				"finish_reason": "stop",
			},
		},
		"usage": gin.H{
			"prompt_tokens":     10,
			"completion_tokens": 15,
			"total_tokens":      25,
		},
	})
}

func apiError(message, typ, code string) gin.H {
	body := gin.H{"message": message, "type": typ}
	if code != "" {
		body["code"] = code
	}
	return gin.H{"error": body}
}
