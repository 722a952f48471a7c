// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options selects the optional parts of the route table.
type Options struct {
	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
	// Metrics counts rate limited requests when non-nil.
	Metrics *observability.Metrics
	// RateLimitRPS enables per-IP rate limiting on chatbot routes when > 0.
	RateLimitRPS   float64
	RateLimitBurst int
}

// SetupRoutes registers every endpoint of the chatbot service.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, store session.Store, opts Options) {
	if chat == nil {
		panic("SetupRoutes: chat handler must not be nil")
	}
	if store == nil {
		panic("SetupRoutes: session store must not be nil")
	}

	router.Use(middleware.CORS(), middleware.RequestID())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/hello", handlers.HandleHello)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	chatbot := router.Group("/chatbot")
	if opts.RateLimitRPS > 0 {
		limiter := middleware.NewIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		chatbot.Use(middleware.RateLimit(limiter, func(c *gin.Context) {
			opts.Metrics.RecordError(endpointFor(c.FullPath()), observability.ErrorCodeRateLimited)
		}))
	}
	{
		chatbot.POST("", chat.HandleChatbot)
		chatbot.POST("/stream", chat.HandleChatbotStream)
		chatbot.GET("/ws", chat.HandleChatWebSocket)
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/sessions/:sessionId", handlers.GetSession(store))
	}
}

func endpointFor(path string) observability.Endpoint {
	switch path {
	case "/chatbot/stream":
		return observability.EndpointChatbotStream
	case "/chatbot/ws":
		return observability.EndpointWebSocket
	default:
		return observability.EndpointChatbot
	}
}
