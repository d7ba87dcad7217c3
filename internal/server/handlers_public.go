package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/citypulse/internal/chat"
	"github.com/MarcoPoloResearchLab/citypulse/internal/uploads"
	"github.com/gin-gonic/gin"
)

// multipartOverhead covers form boundaries and headers around the file part.
const multipartOverhead = 64 * 1024

type chatRequestPayload struct {
	Message             string            `json:"message"`
	ConversationHistory []json.RawMessage `json:"conversationHistory"`
}

type chatResponsePayload struct {
	Message string `json:"message"`
}

func (h *httpHandler) handleChat(c *gin.Context) {
	var request chatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, "server.chat.invalid_body", "Message is required and must be a string")
		return
	}
	reply, err := h.chat.Reply(c.Request.Context(), chat.Request{
		Message: request.Message,
		History: chat.ParseHistory(request.ConversationHistory),
	})
	if err != nil {
		h.writeError(c, "server.chat", err)
		return
	}
	c.JSON(http.StatusOK, chatResponsePayload{Message: reply})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, uploads.MaxFileSize+multipartOverhead)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large", Code: "validation"})
			return
		}
		h.badRequest(c, "uploads.upload.missing_file", "No file provided")
		return
	}
	file, err := header.Open()
	if err != nil {
		h.badRequest(c, "uploads.upload.unreadable", "Upload failed. Please try again.")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, uploads.MaxFileSize+1))
	if err != nil {
		h.badRequest(c, "uploads.upload.unreadable", "Upload failed. Please try again.")
		return
	}

	result, err := h.uploads.Upload(c.Request.Context(), uploads.File{
		Name:         header.Filename,
		DeclaredType: header.Header.Get("Content-Type"),
		Data:         data,
	})
	if err != nil {
		h.writeError(c, "server.upload", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
