// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/session"
	"github.com/gin-gonic/gin"
)

// GetSession returns the stored summary and history of a session.
//
// # Responses
//
//   - 200 datatypes.SessionView
//   - 400 when the id is malformed
//   - 404 when the session has never completed a turn
//   - 500 when the store fails
func GetSession(store session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := datatypes.Validator().Var(sessionID, "required,max=128,printascii"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
			return
		}

		state, err := store.Load(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		if state.TurnCount == 0 && len(state.History) == 0 && state.Summary == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, datatypes.NewSessionView(state))
	}
}
