package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeMessageType = websocket.CloseMessage

// formatCloseFrame builds the close frame for a connection rejected during
// setup.
func formatCloseFrame(reason string) []byte {
	return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
}

// tokenExtractionResult holds the result of token extraction.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls a bearer token from the Sec-WebSocket-Protocol header
// or the "token" query parameter. A missing token is not an error: the
// verifier resolves empty tokens to anonymous guest identities.
func extractToken(c *gin.Context, verifier types.IdentityVerifier) *tokenExtractionResult {
	result := &tokenExtractionResult{}

	// Priority 1: Sec-WebSocket-Protocol header. Browsers cannot set an
	// Authorization header on websocket upgrades, so the token rides along
	// as a subprotocol.
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p == "" {
				continue
			}
			// Treat any other part as a potential token.
			if _, err := verifier.Verify(p); err == nil {
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	// Priority 2: query parameter.
	if result.Token == "" {
		result.Token = c.Query("token")
	}

	return result
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Allow non-browser clients (e.g., for testing).
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process, echoing the
// subprotocol when the token arrived that way.
func upgradeWebSocket(c *gin.Context, allowedOrigins []string, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}

	return conn, nil
}
