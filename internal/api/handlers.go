package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/llmswitch"
	"github.com/Jasonzhangf/routecodex-sub005/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
	"github.com/Jasonzhangf/routecodex-sub005/internal/usage"
)

func (s *Server) chatCompletions(c *gin.Context) {
	s.dispatch(c, llmswitch.DialectChat)
}

func (s *Server) responses(c *gin.Context) {
	s.dispatch(c, llmswitch.DialectResponses)
}

func (s *Server) anthropicMessages(c *gin.Context) {
	s.dispatch(c, llmswitch.DialectAnthropic)
}

// submitToolOutputs continues a Responses exchange: the supplied tool outputs
// become function_call_output items on a follow-up request.
func (s *Server) submitToolOutputs(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", "invalid_request_error", "failed to read request body", "")
		return
	}
	outputs := gjson.GetBytes(body, "tool_outputs")
	if !outputs.IsArray() || len(outputs.Array()) == 0 {
		writeError(c, http.StatusBadRequest, "missing_tool_outputs", "invalid_request_error", "tool_outputs must be a non-empty array", "")
		return
	}

	doc := []byte(`{}`)
	doc, _ = sjson.SetBytes(doc, "previous_response_id", c.Param("id"))
	if model := gjson.GetBytes(body, "model"); model.Exists() {
		doc, _ = sjson.SetBytes(doc, "model", model.String())
	}
	if stream := gjson.GetBytes(body, "stream"); stream.Exists() {
		doc, _ = sjson.SetBytes(doc, "stream", stream.Bool())
	}
	var items []map[string]any
	outputs.ForEach(func(_, out gjson.Result) bool {
		items = append(items, map[string]any{
			"type":    "function_call_output",
			"call_id": out.Get("tool_call_id").String(),
			"output":  out.Get("output").String(),
		})
		return true
	})
	doc, err = sjson.SetBytes(doc, "input", items)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", "api_error", "failed to build continuation request", "")
		return
	}
	s.dispatchBody(c, llmswitch.DialectResponses, doc)
}

func (s *Server) dispatch(c *gin.Context, dialect llmswitch.Dialect) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", "invalid_request_error", "failed to read request body", "")
		return
	}
	s.dispatchBody(c, dialect, body)
}

func (s *Server) dispatchBody(c *gin.Context, dialect llmswitch.Dialect, body []byte) {
	requestID := "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	req := &pipeline.Request{
		Data: body,
		Route: pipeline.RouteInfo{
			RequestID: requestID,
			ModelID:   gjson.GetBytes(body, "model").String(),
			Timestamp: time.Now().UnixMilli(),
		},
		Metadata: pipeline.Metadata{
			EntryEndpoint:  c.FullPath(),
			Stream:         gjson.GetBytes(body, "stream").Bool(),
			TargetProtocol: dialect,
		},
	}

	resp, err := s.manager.ProcessRequest(c.Request.Context(), req)
	if err != nil {
		writePipelineError(c, err, requestID)
		return
	}

	if s.usage != nil {
		s.usage.Publish(usage.Record{
			Provider: req.Route.ProviderID,
			Model:    resp.Metadata.Model,
			Total:    resp.Metadata.TokensUsed,
			At:       time.Now(),
		})
	}

	if resp.Stream != nil {
		if err := s.bridge.Relay(c.Request.Context(), c.Writer, resp.Stream); err != nil {
			log.Warnf("api: stream relay for %s: %v", requestID, err)
		}
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Data)
}

// writePipelineError maps a pipeline error onto the OpenAI error envelope.
// The status comes from the upstream when the error carries one, otherwise
// from the error class.
func writePipelineError(c *gin.Context, err error, requestID string) {
	code := routeerr.CodeOf(err)
	status := routeerr.StatusOf(err)
	if status == 0 {
		status = statusForCode(code)
	}
	writeError(c, status, string(code), typeForStatus(status), err.Error(), requestID)
}

func statusForCode(code routeerr.Code) int {
	switch code {
	case routeerr.CodeAuthMissing, routeerr.CodeAuthInvalid,
		routeerr.CodeAuthFlowRejected, routeerr.CodeAuthFlowTimedOut,
		routeerr.CodeAuthRefreshFailed:
		return http.StatusUnauthorized
	case routeerr.CodeInvalidConfig, routeerr.CodeCompatToolTextEmpty,
		routeerr.CodeCompatToolCallArgsInvalid, routeerr.CodeCompatResponseInvalid:
		return http.StatusBadRequest
	case routeerr.CodeRouteNotFound:
		return http.StatusNotFound
	case routeerr.CodeRateLimited:
		return http.StatusTooManyRequests
	case routeerr.CodeNetworkError, routeerr.CodeTimeout,
		routeerr.CodeServerError, routeerr.CodeHTTPError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func typeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func writeError(c *gin.Context, status int, code, errType, message, requestID string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message":    message,
			"code":       code,
			"type":       errType,
			"request_id": requestID,
		},
	})
}
